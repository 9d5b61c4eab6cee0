// Package raster holds the tile data model shared by the column codec,
// the lazy reference layer and the mask operators: extents, cell types,
// materialized tiles and the Source contract for addressable datasets.
package raster

import "context"

// TileLayout describes a tiling grid: how many tiles across and down,
// and the pixel dimensions of each tile.
type TileLayout struct {
	LayoutCols int
	LayoutRows int
	TileCols   int
	TileRows   int
}

func (l TileLayout) Count() int { return l.LayoutCols * l.LayoutRows }

// MultibandTile is the result of a Source read: one materialized tile per
// band, all covering the same extent.
type MultibandTile struct {
	Bands  []*Tile
	Extent Extent
}

// Source is an addressable raster dataset supporting region reads.
// Implementations must be safe for concurrent reads; everything but Read
// is an attribute access and performs no I/O.
//
// Read is the sole I/O operation. Errors from the underlying store are
// returned, never swallowed; retry policy belongs to the implementation.
type Source interface {
	// URI identifies the dataset well enough to reopen it elsewhere.
	URI() string
	CRS() CRS
	Extent() Extent
	CellType() CellType
	BandCount() int
	// CellSize returns the width and height of one cell in CRS units.
	// Both values are positive.
	CellSize() (x, y float64)
	// NativeTiling returns the extents of the physical storage chunks,
	// or nil when the dataset is not internally tiled.
	NativeTiling() []Extent
	NativeLayout() (TileLayout, bool)
	Read(ctx context.Context, extent Extent) (*MultibandTile, error)
}
