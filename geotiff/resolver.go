package geotiff

import (
	"context"
	"os"
	"strings"
	"sync"

	"gocloud.dev/blob"

	"github.com/tilecol/tilecol/raster"
)

// OpenURI opens a COG by URI: http(s) URLs through range requests,
// anything else as a local file path (with an optional file:// prefix).
// Bucket-backed sources go through NewBlobSource, which needs a caller
// supplied bucket handle.
func OpenURI(ctx context.Context, uri string, opts ...Option) (*Source, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		r, err := NewHTTPRangeReader(uri, nil)
		if err != nil {
			return nil, err
		}
		return Open(r, uri, opts...)
	default:
		path := strings.TrimPrefix(uri, "file://")
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return Open(f, uri, opts...)
	}
}

// NewBlobSource opens a COG stored in a cloud bucket. uri is the
// identity recorded in serialized references; callers that want such
// references to resolve elsewhere must register a resolver that maps it
// back to a bucket.
func NewBlobSource(ctx context.Context, bucket *blob.Bucket, key, uri string, opts ...Option) (*Source, error) {
	r, err := NewBlobReader(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return Open(r, uri, opts...)
}

// Resolver reopens sources named by reference rows, memoizing one Source
// per URI so repeated references share the tile cache.
type Resolver struct {
	opts []Option

	mu      sync.Mutex
	sources map[string]*Source
}

func NewResolver(opts ...Option) *Resolver {
	return &Resolver{opts: opts, sources: make(map[string]*Source)}
}

func (r *Resolver) Resolve(ctx context.Context, uri string) (raster.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[uri]; ok {
		return s, nil
	}
	s, err := OpenURI(ctx, uri, r.opts...)
	if err != nil {
		return nil, err
	}
	r.sources[uri] = s
	return s, nil
}
