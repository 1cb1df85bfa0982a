package cog

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultTileCacheSize is the number of decoded blocks kept per file.
const DefaultTileCacheSize = 64

// tileKey identifies a stored block of a file.
type tileKey struct {
	ifd   int
	plane int
	col   int
	row   int
}

func (k tileKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.ifd, k.plane, k.col, k.row)
}

// tileCache holds decoded blocks shared by the bands of one file. Every
// band of a pixel-interleaved image reads the same stored block, so one
// decode serves them all. Concurrent misses on a key decode once.
type tileCache struct {
	lru      *lru.Cache[tileKey, []byte]
	inflight singleflight.Group
}

func newTileCache(entries int) (*tileCache, error) {
	if entries <= 0 {
		entries = DefaultTileCacheSize
	}
	c, err := lru.New[tileKey, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &tileCache{lru: c}, nil
}

// get returns the decoded block for k, calling load on a miss. The
// returned slice is shared and must not be modified.
func (tc *tileCache) get(k tileKey, load func() ([]byte, error)) ([]byte, error) {
	if b, ok := tc.lru.Get(k); ok {
		return b, nil
	}
	v, err, _ := tc.inflight.Do(k.String(), func() (any, error) {
		if b, ok := tc.lru.Get(k); ok {
			return b, nil
		}
		b, err := load()
		if err != nil {
			return nil, err
		}
		tc.lru.Add(k, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (tc *tileCache) purge() { tc.lru.Purge() }
