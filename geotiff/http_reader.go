package geotiff

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPRangeReader adapts a remote file served with byte-range support to
// io.ReadSeeker and io.ReaderAt. ReadAt is stateless and safe for
// concurrent use; it is the path tile fetches take. Sequential
// Read/Seek hold a mutex around the whole request and exist mainly for
// header parsing.
type HTTPRangeReader struct {
	url    string
	client *http.Client
	size   int64

	mu     sync.Mutex
	offset int64
}

// NewHTTPRangeReader probes url with a HEAD request and returns a reader
// over it. A nil client uses http.DefaultClient.
func NewHTTPRangeReader(url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Head(url)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}
	if resp.ContentLength <= 0 {
		return nil, errors.New("could not determine content length")
	}
	return &HTTPRangeReader{url: url, client: client, size: resp.ContentLength}, nil
}

func (h *HTTPRangeReader) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offset >= h.size {
		return 0, io.EOF
	}
	n, err := h.readAt(p, h.offset)
	h.offset += int64(n)
	return n, err
}

func (h *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = h.offset + offset
	case io.SeekEnd:
		next = h.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	h.offset = next
	return next, nil
}

func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	return h.readAt(p, off)
}

func (h *HTTPRangeReader) readAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http readAt: invalid offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), h.size-off)

	req, err := http.NewRequest(http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+want-1))
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}
	return io.ReadFull(resp.Body, p[:want])
}
