package maskops

import (
	"context"

	"github.com/tilecol/tilecol/rowcodec"
)

// Row-level operator surface. Inputs are encoded rows; references are
// realized as needed and the result is re-encoded as a materialized row.
// The wire format has no context slot for materialized tiles, so the
// reconciled extent/CRS governs warnings and output typing only.

// MaskByDefined blanks data cells wherever the mask cell is defined.
func (o *Ops) MaskByDefined(ctx context.Context, dataRow, maskRow []byte) ([]byte, error) {
	return o.rowOp(ctx, dataRow, maskRow, Spec{Mode: ModeDefined})
}

// InverseMaskByDefined keeps data cells only where the mask cell is defined.
func (o *Ops) InverseMaskByDefined(ctx context.Context, dataRow, maskRow []byte) ([]byte, error) {
	return o.rowOp(ctx, dataRow, maskRow, Spec{Mode: ModeDefined, Inverse: true})
}

// MaskByValue blanks data cells wherever the mask cell equals value.
func (o *Ops) MaskByValue(ctx context.Context, dataRow, maskRow []byte, value int64) ([]byte, error) {
	return o.rowOp(ctx, dataRow, maskRow, Spec{Mode: ModeValue, Value: value})
}

// InverseMaskByValue keeps data cells only where the mask cell equals value.
func (o *Ops) InverseMaskByValue(ctx context.Context, dataRow, maskRow []byte, value int64) ([]byte, error) {
	return o.rowOp(ctx, dataRow, maskRow, Spec{Mode: ModeValue, Value: value, Inverse: true})
}

// MaskByValues masks against membership in values, with the complement
// selected by inverse.
func (o *Ops) MaskByValues(ctx context.Context, dataRow, maskRow []byte, values []int64, inverse bool) ([]byte, error) {
	return o.rowOp(ctx, dataRow, maskRow, Spec{Mode: ModeValueSet, Values: values, Inverse: inverse})
}

func (o *Ops) rowOp(ctx context.Context, dataRow, maskRow []byte, spec Spec) ([]byte, error) {
	dv, err := rowcodec.DecodeValue(ctx, dataRow, o.res, o.logger)
	if err != nil {
		return nil, err
	}
	mv, err := rowcodec.DecodeValue(ctx, maskRow, o.res, o.logger)
	if err != nil {
		return nil, err
	}

	// Type-check on declared cell types before any pixels are fetched.
	if err := CheckArgs(dv.CellType(), mv.CellType(), spec); err != nil {
		return nil, err
	}

	data, err := dv.Realize(ctx)
	if err != nil {
		return nil, err
	}
	mask, err := mv.Realize(ctx)
	if err != nil {
		return nil, err
	}

	out, _, err := o.Apply(data, mask, valueContext(dv), valueContext(mv), spec)
	if err != nil {
		return nil, err
	}
	return rowcodec.EncodeTile(out, o.encOpts...)
}

func valueContext(v *rowcodec.Value) *Context {
	ext, crs, ok := v.Context()
	if !ok {
		return nil
	}
	return &Context{Extent: ext, CRS: crs}
}
