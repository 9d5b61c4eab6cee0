// Package rasterref implements lazy, region-scoped references to raster
// sources. A Ref is cheap to construct, serialize and redistribute; the
// backing pixels are only fetched when a consumer asks for them, and the
// fetch happens at most once per Ref instance.
package rasterref

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tilecol/tilecol/raster"
)

var (
	// ErrMultiband is returned when realization is attempted on a source
	// with more than one band. This is API misuse, not bad data.
	ErrMultiband = errors.New("expected singleband tile")

	// ErrDisjointExtent is returned when a subextent does not intersect
	// the source extent.
	ErrDisjointExtent = errors.New("subextent does not intersect source extent")

	errEmptyRead = errors.New("source read returned no bands")
)

// Ref addresses a rectangular sub-region of a raster source. All
// accessors except Realize (and the Tile view built on it) are pure.
//
// The realized tile is memoized for the lifetime of the Ref. Concurrent
// first access is collapsed into a single source read; independently
// constructed Refs over the same region each read on their own.
type Ref struct {
	source raster.Source
	sub    *raster.Extent
	logger *slog.Logger

	inflight singleflight.Group
	mu       sync.Mutex
	realized *raster.Tile
}

// New builds a Ref over source, optionally narrowed to subextent.
// No I/O is performed. A subextent that misses the source extent
// entirely is rejected.
func New(source raster.Source, subextent *raster.Extent, logger *slog.Logger) (*Ref, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sub *raster.Extent
	if subextent != nil {
		if !subextent.Intersects(source.Extent()) {
			return nil, fmt.Errorf("%w: %s vs %s", ErrDisjointExtent, subextent, source.Extent())
		}
		s := *subextent
		sub = &s
	}
	return &Ref{source: source, sub: sub, logger: logger}, nil
}

func (r *Ref) Source() raster.Source { return r.source }

// Subextent returns the narrowing extent, or nil when the Ref covers the
// whole source.
func (r *Ref) Subextent() *raster.Extent {
	if r.sub == nil {
		return nil
	}
	s := *r.sub
	return &s
}

func (r *Ref) Extent() raster.Extent {
	if r.sub != nil {
		return *r.sub
	}
	return r.source.Extent()
}

func (r *Ref) CRS() raster.CRS { return r.source.CRS() }

// Cols returns the pixel width of the Ref, mapping its extent through the
// source cell size.
func (r *Ref) Cols() int {
	cx, _ := r.source.CellSize()
	return dim(r.Extent().Width(), cx)
}

func (r *Ref) Rows() int {
	_, cy := r.source.CellSize()
	return dim(r.Extent().Height(), cy)
}

func dim(span, cell float64) int {
	n := int(math.Round(span / cell))
	if n < 1 {
		n = 1
	}
	return n
}

// Realize fetches the pixel data for the Ref's extent, returning the
// single band as a materialized tile. The result is cached; subsequent
// calls return the same tile without touching the source.
func (r *Ref) Realize(ctx context.Context) (*raster.Tile, error) {
	r.mu.Lock()
	if t := r.realized; t != nil {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	v, err, _ := r.inflight.Do("realize", func() (interface{}, error) {
		// A caller that lost the race to a completed flight must not
		// start another read.
		r.mu.Lock()
		if t := r.realized; t != nil {
			r.mu.Unlock()
			return t, nil
		}
		r.mu.Unlock()

		if bands := r.source.BandCount(); bands != 1 {
			return nil, fmt.Errorf("%w: source %s has %d bands", ErrMultiband, r.source.URI(), bands)
		}
		ext := r.Extent()
		r.logger.Debug("realizing raster ref", "source", r.source.URI(), "extent", ext.String())
		mb, err := r.source.Read(ctx, ext)
		if err != nil {
			return nil, fmt.Errorf("read %s over %s: %w", r.source.URI(), ext, err)
		}
		if len(mb.Bands) == 0 {
			return nil, errEmptyRead
		}
		t := mb.Bands[0]
		r.mu.Lock()
		r.realized = t
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*raster.Tile), nil
}

// Tile returns a tile-shaped view of the Ref. Metadata accessors are
// pure; pixel accessors trigger realization.
func (r *Ref) Tile() *LazyTile { return &LazyTile{ref: r} }

// Split partitions the Ref along the source's native tiling, keeping one
// Ref per storage chunk that overlaps this Ref's extent. Untiled sources
// yield a single-element result. The returned Refs share the source but
// not the realization cache.
func (r *Ref) Split() ([]*Ref, error) {
	tiling := r.source.NativeTiling()
	if len(tiling) == 0 {
		nr, err := New(r.source, r.sub, r.logger)
		if err != nil {
			return nil, err
		}
		return []*Ref{nr}, nil
	}
	ext := r.Extent()
	out := make([]*Ref, 0, len(tiling))
	for _, nt := range tiling {
		sub, ok := nt.Intersection(ext)
		if !ok {
			continue
		}
		nr, err := New(r.source, &sub, r.logger)
		if err != nil {
			return nil, err
		}
		out = append(out, nr)
	}
	return out, nil
}

// DefaultLayout returns the source's native layout, or a single-tile
// layout sized to the Ref when the source declares none.
func (r *Ref) DefaultLayout() raster.TileLayout {
	if l, ok := r.source.NativeLayout(); ok {
		return l
	}
	return raster.TileLayout{LayoutCols: 1, LayoutRows: 1, TileCols: r.Cols(), TileRows: r.Rows()}
}
