package rowcodec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tilecol/tilecol/raster"
	"github.com/tilecol/tilecol/rasterref"
)

// Resolver reopens raster sources named by reference rows. Implementations
// may memoize per URI; the codec does not.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (raster.Source, error)
}

// Value is a decoded column value: either an already materialized tile or
// a reconstructed lazy reference. Realization of references is deferred
// until Realize is called.
type Value struct {
	Tile *raster.Tile
	Ref  *rasterref.Ref

	// want is the cell type recorded in a reference row. When it differs
	// from the source's cell type, Realize converts in memory after a
	// single read instead of stacking another reference.
	want raster.CellType
}

// DecodeValue decodes a row into a Value. Reference rows resolve their
// source (which may read dataset headers) but do not fetch pixels.
func DecodeValue(ctx context.Context, data []byte, res Resolver, logger *slog.Logger) (*Value, error) {
	row, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if row.Mat != nil {
		t, err := row.Mat.Tile()
		if err != nil {
			return nil, err
		}
		return &Value{Tile: t}, nil
	}

	if res == nil {
		return nil, fmt.Errorf("reference row for %q but no resolver configured", row.Ref.SourceURI)
	}
	src, err := res.Resolve(ctx, row.Ref.SourceURI)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", row.Ref.SourceURI, err)
	}
	ref, err := rasterref.New(src, row.Ref.Subextent, logger)
	if err != nil {
		return nil, err
	}
	want, err := raster.CellTypeByName(row.Ref.CellTypeName)
	if err != nil {
		return nil, err
	}
	return &Value{Ref: ref, want: want}, nil
}

// CellType reports the declared cell type of the value without realizing
// anything.
func (v *Value) CellType() raster.CellType {
	if v.Tile != nil {
		return v.Tile.CellType()
	}
	return v.want
}

// Context returns the extent/CRS carried by the value. Only reference
// rows carry context; materialized rows are bare grids.
func (v *Value) Context() (raster.Extent, raster.CRS, bool) {
	if v.Ref != nil {
		return v.Ref.Extent(), v.Ref.CRS(), true
	}
	return raster.Extent{}, raster.CRSUndefined, false
}

// Realize returns the materialized tile, fetching reference pixels on
// first use. A cell type recorded in the row that differs from the
// source's is honored by converting the realized tile once.
func (v *Value) Realize(ctx context.Context) (*raster.Tile, error) {
	if v.Tile != nil {
		return v.Tile, nil
	}
	t, err := v.Ref.Realize(ctx)
	if err != nil {
		return nil, err
	}
	if v.want != raster.CellTypeUnknown && v.want != t.CellType() {
		t = t.Convert(v.want)
	}
	return t, nil
}

// Materialize decodes a row and forces it into a materialized tile.
func Materialize(ctx context.Context, data []byte, res Resolver, logger *slog.Logger) (*raster.Tile, error) {
	v, err := DecodeValue(ctx, data, res, logger)
	if err != nil {
		return nil, err
	}
	return v.Realize(ctx)
}

// Kind labels the populated slot of a row.
type Kind int

const (
	KindInvalid Kind = iota
	KindMaterialized
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindMaterialized:
		return "materialized"
	case KindReference:
		return "reference"
	}
	return "invalid"
}

// Info summarizes a row without resolving or realizing anything.
type Info struct {
	Kind         Kind   `json:"kind"`
	CellTypeName string `json:"cell_type"`
	Cols         int16  `json:"cols"`
	Rows         int16  `json:"rows"`
	SourceURI    string `json:"source_uri,omitempty"`
}

// Inspect decodes just enough of a row to describe it.
func Inspect(data []byte) (*Info, error) {
	row, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if row.Mat != nil {
		return &Info{
			Kind:         KindMaterialized,
			CellTypeName: row.Mat.CellTypeName,
			Cols:         row.Mat.Cols,
			Rows:         row.Mat.Rows,
		}, nil
	}
	return &Info{
		Kind:         KindReference,
		CellTypeName: row.Ref.CellTypeName,
		Cols:         row.Ref.Cols,
		Rows:         row.Ref.Rows,
		SourceURI:    row.Ref.SourceURI,
	}, nil
}
