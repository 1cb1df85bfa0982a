package cog

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

// Source is random access to the bytes of a TIFF file.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// fileSource is a memory-mapped local file. Reads never take a lock.
type fileSource struct {
	r *mmap.ReaderAt
}

// OpenFile memory-maps a local file read-only.
func OpenFile(path string) (Source, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if r.Len() == 0 {
		r.Close()
		return nil, fmt.Errorf("%s: empty file", path)
	}
	return &fileSource{r: r}, nil
}

func (f *fileSource) ReadAt(p []byte, off int64) (int, error) { return f.r.ReadAt(p, off) }
func (f *fileSource) Size() int64                              { return int64(f.r.Len()) }
func (f *fileSource) Close() error                             { return f.r.Close() }

// bytesSource serves an in-memory file.
type bytesSource struct {
	*bytes.Reader
}

// BytesSource wraps an in-memory TIFF.
func BytesSource(b []byte) Source { return bytesSource{bytes.NewReader(b)} }

func (bytesSource) Close() error { return nil }
