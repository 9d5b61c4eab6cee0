package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
)

// BlobReader adapts an object in a cloud bucket (S3, GCS, Azure, ...) to
// io.ReadSeeker and io.ReaderAt through gocloud.dev/blob range readers.
type BlobReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64

	mu     sync.Mutex
	offset int64
}

// NewBlobReader stats the object to learn its size and returns a reader
// over it. The context is retained for subsequent range reads.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for key %s: %w", key, err)
	}
	return &BlobReader{ctx: ctx, bucket: bucket, key: key, size: attrs.Size}, nil
}

func (r *BlobReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offset >= r.size {
		return 0, io.EOF
	}
	n, err := r.readAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

func (r *BlobReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.offset + offset
	case io.SeekEnd:
		next = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	r.offset = next
	return next, nil
}

func (r *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	return r.readAt(p, off)
}

func (r *BlobReader) readAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blob readAt: invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), r.size-off)

	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, want, nil)
	if err != nil {
		return 0, fmt.Errorf("create range reader: %w", err)
	}
	defer reader.Close()
	return io.ReadFull(reader, p[:want])
}
