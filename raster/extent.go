package raster

import "fmt"

// Extent is an axis-aligned rectangle in the coordinate space of a CRS.
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

func (e Extent) Width() float64  { return e.MaxX - e.MinX }
func (e Extent) Height() float64 { return e.MaxY - e.MinY }
func (e Extent) Area() float64   { return e.Width() * e.Height() }

// Intersects reports whether e and o share interior area.
// Extents that only touch along an edge do not intersect.
func (e Extent) Intersects(o Extent) bool {
	return e.MinX < o.MaxX && o.MinX < e.MaxX && e.MinY < o.MaxY && o.MinY < e.MaxY
}

// Intersection returns the overlapping region of e and o.
// The second return value is false when the extents do not intersect.
func (e Extent) Intersection(o Extent) (Extent, bool) {
	if !e.Intersects(o) {
		return Extent{}, false
	}
	out := Extent{
		MinX: max(e.MinX, o.MinX),
		MinY: max(e.MinY, o.MinY),
		MaxX: min(e.MaxX, o.MaxX),
		MaxY: min(e.MaxY, o.MaxY),
	}
	return out, true
}

func (e Extent) ContainsPoint(x, y float64) bool {
	return x >= e.MinX && x <= e.MaxX && y >= e.MinY && y <= e.MaxY
}

func (e Extent) Equal(o Extent) bool {
	return e.MinX == o.MinX && e.MinY == o.MinY && e.MaxX == o.MaxX && e.MaxY == o.MaxY
}

func (e Extent) String() string {
	return fmt.Sprintf("Extent(%g %g %g %g)", e.MinX, e.MinY, e.MaxX, e.MaxY)
}

// CRS identifies a coordinate reference system by authority code,
// e.g. "EPSG:4326". It is compared, never interpreted.
type CRS string

const CRSUndefined CRS = ""

func (c CRS) Defined() bool { return c != CRSUndefined }
