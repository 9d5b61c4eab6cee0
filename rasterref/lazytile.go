package rasterref

import (
	"context"

	"github.com/tilecol/tilecol/raster"
)

// LazyTile presents a Ref as a read-only tile. CellType, Cols and Rows
// answer from metadata; At and IsNoDataAt realize the Ref on first use.
type LazyTile struct {
	ref *Ref
}

func (t *LazyTile) Ref() *Ref                  { return t.ref }
func (t *LazyTile) CellType() raster.CellType  { return t.ref.source.CellType() }
func (t *LazyTile) Cols() int                  { return t.ref.Cols() }
func (t *LazyTile) Rows() int                  { return t.ref.Rows() }
func (t *LazyTile) Extent() raster.Extent      { return t.ref.Extent() }
func (t *LazyTile) CRS() raster.CRS            { return t.ref.CRS() }

func (t *LazyTile) At(ctx context.Context, col, row int) (float64, error) {
	tile, err := t.ref.Realize(ctx)
	if err != nil {
		return 0, err
	}
	return tile.Get(col, row), nil
}

func (t *LazyTile) IsNoDataAt(ctx context.Context, col, row int) (bool, error) {
	tile, err := t.ref.Realize(ctx)
	if err != nil {
		return false, err
	}
	return tile.IsNoData(col, row), nil
}
