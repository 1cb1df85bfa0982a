package cog

import (
	"fmt"
	"io"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultChunkSize is the alignment and size of remote range requests.
	DefaultChunkSize = 64 * 1024
	// DefaultChunkCount bounds the chunks kept in memory per source.
	DefaultChunkCount = 256
)

// HTTPRangeReader serves a remote file through HTTP range requests. Reads
// are split into aligned chunks kept in an LRU so the many small reads of
// a header walk cost one request.
type HTTPRangeReader struct {
	url       string
	client    *fasthttp.Client
	timeout   time.Duration
	size      int64
	chunkSize int64

	chunks   *lru.Cache[int64, []byte]
	inflight singleflight.Group
}

// HTTPOption configures an HTTPRangeReader.
type HTTPOption func(*HTTPRangeReader)

// WithChunkSize sets the range request size.
func WithChunkSize(n int) HTTPOption {
	return func(r *HTTPRangeReader) {
		if n > 0 {
			r.chunkSize = int64(n)
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(r *HTTPRangeReader) { r.timeout = d }
}

// NewHTTPRangeReader probes the size of url with a HEAD request.
func NewHTTPRangeReader(url string, client *fasthttp.Client, chunks int, opts ...HTTPOption) (*HTTPRangeReader, error) {
	if client == nil {
		client = &fasthttp.Client{}
	}
	if chunks <= 0 {
		chunks = DefaultChunkCount
	}
	cache, err := lru.New[int64, []byte](chunks)
	if err != nil {
		return nil, err
	}
	r := &HTTPRangeReader{
		url:       url,
		client:    client,
		timeout:   30 * time.Second,
		chunkSize: DefaultChunkSize,
		chunks:    cache,
	}
	for _, o := range opts {
		o(r)
	}
	if r.size, err = r.probeSize(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *HTTPRangeReader) probeSize() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := r.client.DoTimeout(req, resp, r.timeout); err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", r.url, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return 0, fmt.Errorf("HEAD %s: unexpected status code: %d", r.url, resp.StatusCode())
	}
	n := resp.Header.ContentLength()
	if n <= 0 {
		return 0, fmt.Errorf("HEAD %s: unknown content length", r.url)
	}
	return int64(n), nil
}

// Size returns the remote file size.
func (r *HTTPRangeReader) Size() int64 { return r.size }

// Close drops the cached chunks.
func (r *HTTPRangeReader) Close() error {
	r.chunks.Purge()
	return nil
}

// ReadAt implements io.ReaderAt. It is safe for concurrent use.
func (r *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.size {
			return n, io.EOF
		}
		start := pos - pos%r.chunkSize
		chunk, err := r.chunk(start)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], chunk[pos-start:])
		if c == 0 {
			return n, io.ErrUnexpectedEOF
		}
		n += c
	}
	return n, nil
}

// chunk returns the chunk starting at start, fetching it at most once
// across concurrent callers.
func (r *HTTPRangeReader) chunk(start int64) ([]byte, error) {
	if c, ok := r.chunks.Get(start); ok {
		return c, nil
	}
	v, err, _ := r.inflight.Do(strconv.FormatInt(start, 10), func() (any, error) {
		end := min(start+r.chunkSize, r.size) - 1
		c, err := r.fetchRange(start, end)
		if err != nil {
			return nil, err
		}
		r.chunks.Add(start, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// fetchRange fetches bytes [start, end] of the file.
func (r *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := r.client.DoTimeout(req, resp, r.timeout); err != nil {
		return nil, fmt.Errorf("GET %s [%d-%d]: %w", r.url, start, end, err)
	}

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// The server ignored the range and sent the whole file.
		if int64(len(body)) <= start {
			return nil, io.ErrUnexpectedEOF
		}
		body = body[start:min(int64(len(body)), end+1)]
	default:
		return nil, fmt.Errorf("GET %s: unexpected status code: %d", r.url, resp.StatusCode())
	}
	// The response body is only valid until the response is released.
	return append([]byte(nil), body...), nil
}
