// Package maskops implements the tile masking operator family: a data
// tile combined with a mask tile into a new tile, with masking decided
// either by mask-cell definedness or by membership in a value set, and a
// forward/inverse flag selecting which side of the partition survives.
package maskops

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tilecol/tilecol/raster"
	"github.com/tilecol/tilecol/rowcodec"
)

var (
	// ErrTypeCheck reports an argument that fails the bind-time type
	// rules, before any evaluation happens.
	ErrTypeCheck = errors.New("type check failed")

	// ErrShapeMismatch reports data/mask tiles with different
	// dimensions. Masking never truncates or wraps.
	ErrShapeMismatch = errors.New("data and mask tile dimensions differ")
)

// Mode selects how masking cells are identified in the mask tile.
type Mode int

const (
	// ModeDefined marks every defined (non-no-data) mask cell as masking.
	ModeDefined Mode = iota
	// ModeValue marks mask cells equal to Spec.Value.
	ModeValue
	// ModeValueSet marks mask cells contained in Spec.Values.
	ModeValueSet
)

// Spec is the full parameterization of one masking invocation.
type Spec struct {
	Mode    Mode
	Value   int64
	Values  []int64
	Inverse bool
}

// Context is the optional extent/CRS metadata attached to a tile input.
type Context struct {
	Extent raster.Extent
	CRS    raster.CRS
}

// Ops evaluates mask operators. The logger receives the non-fatal
// context-mismatch warnings; the resolver and encode options serve the
// row-level surface.
type Ops struct {
	logger  *slog.Logger
	res     rowcodec.Resolver
	encOpts []rowcodec.Option
}

func New(logger *slog.Logger, res rowcodec.Resolver, encOpts ...rowcodec.Option) *Ops {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ops{logger: logger, res: res, encOpts: encOpts}
}

// CheckArgs applies the bind-time type rules: both cell types must be
// recognized raster types, and value-based modes require an integral
// mask tile.
func CheckArgs(data, mask raster.CellType, spec Spec) error {
	if data.Size() == 0 {
		return fmt.Errorf("%w: data cell type %s is not a raster type", ErrTypeCheck, data)
	}
	if mask.Size() == 0 {
		return fmt.Errorf("%w: mask cell type %s is not a raster type", ErrTypeCheck, mask)
	}
	if spec.Mode != ModeDefined && !mask.Integral() {
		return fmt.Errorf("%w: mask cell type %s is not integral", ErrTypeCheck, mask)
	}
	return nil
}

// Apply evaluates one masking invocation over realized tiles. The result
// carries the data tile's context; a mask-only or divergent context is
// discarded with a warning.
func (o *Ops) Apply(data, mask *raster.Tile, dataCtx, maskCtx *Context, spec Spec) (*raster.Tile, *Context, error) {
	if err := CheckArgs(data.CellType(), mask.CellType(), spec); err != nil {
		return nil, nil, err
	}
	if data.Cols() != mask.Cols() || data.Rows() != mask.Rows() {
		return nil, nil, fmt.Errorf("%w: data %dx%d vs mask %dx%d",
			ErrShapeMismatch, data.Cols(), data.Rows(), mask.Cols(), mask.Rows())
	}
	outCtx := o.reconcile(dataCtx, maskCtx)

	if spec.Mode == ModeValueSet {
		// Reduce to the by-value primitive over an "is in set" tile.
		mask = isInSet(mask, spec.Values)
		spec = Spec{Mode: ModeValue, Value: 1, Inverse: spec.Inverse}
	}

	out := data.Clone()
	for row := 0; row < data.Rows(); row++ {
		for col := 0; col < data.Cols(); col++ {
			masking := false
			switch spec.Mode {
			case ModeDefined:
				masking = !mask.IsNoData(col, row)
			case ModeValue:
				masking = !mask.IsNoData(col, row) && mask.Get(col, row) == float64(spec.Value)
			}
			// Forward blanks masking cells; inverse blanks the rest.
			if masking != spec.Inverse {
				out.SetNoData(col, row)
			}
		}
	}
	return out, outCtx, nil
}

// isInSet maps a mask tile to a uint8 tile holding 1 where the cell is
// defined and a member of values, 0 elsewhere.
func isInSet(mask *raster.Tile, values []int64) *raster.Tile {
	member := make(map[int64]struct{}, len(values))
	for _, v := range values {
		member[v] = struct{}{}
	}
	out := raster.NewTile(raster.Uint8, mask.Cols(), mask.Rows())
	for row := 0; row < mask.Rows(); row++ {
		for col := 0; col < mask.Cols(); col++ {
			if mask.IsNoData(col, row) {
				continue
			}
			if _, ok := member[int64(mask.Get(col, row))]; ok {
				out.Set(col, row, 1)
			}
		}
	}
	return out
}

// reconcile picks the output context. The data tile always governs the
// result; mismatches are logged, never fatal.
func (o *Ops) reconcile(dataCtx, maskCtx *Context) *Context {
	switch {
	case dataCtx == nil && maskCtx != nil:
		o.logger.Warn("mask tile carries extent/crs but data tile does not; dropping mask context",
			"mask_extent", maskCtx.Extent.String(), "mask_crs", string(maskCtx.CRS))
		return nil
	case dataCtx != nil && maskCtx != nil:
		if !dataCtx.Extent.Equal(maskCtx.Extent) || dataCtx.CRS != maskCtx.CRS {
			o.logger.Warn("data and mask extent/crs differ; preferring data tile context",
				"data_extent", dataCtx.Extent.String(), "data_crs", string(dataCtx.CRS),
				"mask_extent", maskCtx.Extent.String(), "mask_crs", string(maskCtx.CRS))
		}
		return dataCtx
	default:
		return dataCtx
	}
}
