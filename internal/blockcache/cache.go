// Package blockcache caches fixed-size pixel blocks for raster bands under a
// shared memory ceiling.
//
// Every Cache is bound to the lock of the dataset that owns it. Callers hold
// that lock for all Cache methods; GetLocked releases and retakes it while it
// waits for memory, so no state observed before a GetLocked call may be
// assumed to hold after it.
package blockcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log/level"
)

var (
	// ErrOutOfMemory is returned when a block cannot be allocated.
	ErrOutOfMemory = errors.New("block cache out of memory")
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("block cache closed")
	// ErrReadOnly is returned when a dirty block has no write callback.
	ErrReadOnly = errors.New("block cache is read-only")
	// ErrLocked is returned by Close when handles are still outstanding.
	ErrLocked = errors.New("blocks still locked")
)

// ReadFunc fills dst with the block at (col, row).
type ReadFunc func(col, row int, dst []byte) error

// WriteFunc persists the block at (col, row).
type WriteFunc func(col, row int, src []byte) error

// Config describes the band a Cache serves.
type Config struct {
	Name         string
	BlockBytes   int
	BlocksPerRow int
	BlocksPerCol int
	// DatasetBlocks estimates the block count of the whole dataset and
	// drives StrategyAuto.
	DatasetBlocks int64
	Strategy      Strategy
	// Locker is the owning dataset's lock. Callers hold it while using the
	// cache; the evictor takes it before touching the cache's blocks.
	Locker sync.Locker
	Read   ReadFunc
	// Write may be nil for read-only bands.
	Write WriteFunc
}

// CacheStats is a point-in-time view of a cache.
type CacheStats struct {
	Blocks int
	Dirty  int
	Locked int
}

// Cache owns the resident blocks of one band.
type Cache struct {
	name         string
	blockBytes   int
	blocksPerRow int
	blocksPerCol int
	strategy     Strategy
	locker       sync.Locker
	read         ReadFunc
	write        WriteFunc
	reg          *Registry

	dirtyCount atomic.Int64

	mu      sync.Mutex // guards store, latched, closed
	store   store
	latched error
	closed  bool
}

// New creates a cache registered with reg. A nil reg uses Default().
func New(reg *Registry, cfg Config) (*Cache, error) {
	if reg == nil {
		reg = Default()
	}
	if cfg.BlockBytes <= 0 {
		return nil, fmt.Errorf("invalid block size %d", cfg.BlockBytes)
	}
	if cfg.BlocksPerRow <= 0 || cfg.BlocksPerCol <= 0 {
		return nil, fmt.Errorf("invalid block grid %dx%d", cfg.BlocksPerRow, cfg.BlocksPerCol)
	}
	if cfg.Locker == nil {
		return nil, errors.New("cache needs the owning dataset lock")
	}
	if cfg.Read == nil {
		return nil, errors.New("cache needs a read callback")
	}

	c := &Cache{
		name:         cfg.Name,
		blockBytes:   cfg.BlockBytes,
		blocksPerRow: cfg.BlocksPerRow,
		blocksPerCol: cfg.BlocksPerCol,
		locker:       cfg.Locker,
		read:         cfg.Read,
		write:        cfg.Write,
		reg:          reg,
	}

	estimate := cfg.DatasetBlocks
	if estimate <= 0 {
		estimate = int64(cfg.BlocksPerRow) * int64(cfg.BlocksPerCol)
	}
	c.strategy = cfg.Strategy.resolve(estimate)
	if c.strategy == StrategyArray {
		if int64(cfg.BlocksPerRow)*int64(cfg.BlocksPerCol) > int64(maxArrayBlocks) {
			return nil, fmt.Errorf("%w: %dx%d block array", ErrOutOfMemory, cfg.BlocksPerRow, cfg.BlocksPerCol)
		}
		c.store = newArrayStore(cfg.BlocksPerRow, cfg.BlocksPerCol)
	} else {
		c.store = newHashStore()
	}

	level.Debug(reg.logger).Log("msg", "block cache created", "cache", c.name,
		"strategy", c.strategy, "block_bytes", c.blockBytes,
		"grid", fmt.Sprintf("%dx%d", c.blocksPerRow, c.blocksPerCol))
	return c, nil
}

// maxArrayBlocks bounds the slice an explicit ARRAY strategy may allocate.
const maxArrayBlocks = 1 << 28

// Strategy returns the resolved indexing strategy.
func (c *Cache) Strategy() Strategy { return c.strategy }

// BlockBytes returns the size of one block buffer.
func (c *Cache) BlockBytes() int { return c.blockBytes }

func (c *Cache) checkKey(col, row int) error {
	if col < 0 || col >= c.blocksPerRow || row < 0 || row >= c.blocksPerCol {
		return fmt.Errorf("block (%d,%d) outside %dx%d grid", col, row, c.blocksPerRow, c.blocksPerCol)
	}
	return nil
}

func (c *Cache) lookup(k Key) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.get(k)
}

// TryGetLocked returns the resident block at (col, row) with its lock count
// raised, or nil when it is not resident.
func (c *Cache) TryGetLocked(col, row int) *Handle {
	if c.checkKey(col, row) != nil {
		return nil
	}
	b := c.lookup(Key{col, row})
	if b == nil || !b.tryLock() {
		return nil
	}
	return &Handle{b: b}
}

// GetLocked returns the block at (col, row), creating it on a miss. Unless
// justInitialize is set, a new block is filled by the read callback before it
// becomes visible; a failed read leaves the cache unchanged.
//
// The owning dataset lock is released while memory is reserved, which may
// evict blocks of any dataset, and retaken before the block is read.
func (c *Cache) GetLocked(col, row int, justInitialize bool) (*Handle, error) {
	if err := c.checkKey(col, row); err != nil {
		return nil, err
	}
	if h := c.TryGetLocked(col, row); h != nil {
		c.reg.metrics.hits.Inc()
		return h, nil
	}
	c.reg.metrics.misses.Inc()

	size := int64(c.blockBytes)
	c.locker.Unlock()
	err := c.reg.Reserve(size)
	c.locker.Lock()
	if err != nil {
		return nil, err
	}

	// Another goroutine may have loaded the block while the lock was dropped.
	if h := c.TryGetLocked(col, row); h != nil {
		c.reg.unreserve(size)
		return h, nil
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.reg.unreserve(size)
		return nil, ErrClosed
	}

	b := &Block{key: Key{col, row}, owner: c, data: getBuffer(c.blockBytes)}
	b.locks.Store(1)
	if !justInitialize {
		if err := c.read(col, row, b.data); err != nil {
			putBuffer(b.data)
			c.reg.unreserve(size)
			return nil, fmt.Errorf("reading block (%d,%d): %w", col, row, err)
		}
	}

	c.mu.Lock()
	c.store.put(b)
	c.mu.Unlock()
	c.reg.adopted()
	return &Handle{b: b}, nil
}

// claim moves an unlocked or evictor-claimed block to the destroyed state.
func claim(b *Block) bool {
	for {
		n := b.locks.Load()
		if n != 0 && n != stateClaimed {
			return false
		}
		if b.locks.CompareAndSwap(n, stateDestroyed) {
			return true
		}
	}
}

// writeBack persists a dirty block and clears its dirty flag.
func (c *Cache) writeBack(b *Block) error {
	if !b.dirty.Load() {
		return nil
	}
	if c.write == nil {
		return fmt.Errorf("block (%d,%d): %w", b.key.Col, b.key.Row, ErrReadOnly)
	}
	c.reg.metrics.flushes.Inc()
	if err := c.write(b.key.Col, b.key.Row, b.data); err != nil {
		return fmt.Errorf("writing block (%d,%d): %w", b.key.Col, b.key.Row, err)
	}
	if b.dirty.CompareAndSwap(true, false) {
		c.dirtyCount.Add(-1)
	}
	return nil
}

// destroy removes a claimed block and frees its memory.
func (c *Cache) destroy(b *Block) {
	c.mu.Lock()
	if c.store.get(b.key) == b {
		c.store.remove(b.key)
	}
	c.mu.Unlock()
	if b.dirty.Swap(false) {
		c.dirtyCount.Add(-1)
	}
	c.reg.free(b)
	putBuffer(b.data)
	b.data = nil
}

// restore returns a claimed block to the evictable state.
func (c *Cache) restore(b *Block) {
	b.locks.Store(0)
	c.reg.touch(b)
}

// Flush writes the block at (col, row) if it is dirty and writeIfDirty is
// set, then frees it. A locked block is written but stays resident. A block
// whose write fails stays resident and dirty.
func (c *Cache) Flush(col, row int, writeIfDirty bool) error {
	if err := c.checkKey(col, row); err != nil {
		return err
	}
	b := c.lookup(Key{col, row})
	if b == nil {
		return nil
	}
	if !claim(b) {
		if writeIfDirty {
			return c.writeBack(b)
		}
		return nil
	}
	if writeIfDirty {
		if err := c.writeBack(b); err != nil {
			c.restore(b)
			return err
		}
	}
	c.destroy(b)
	return nil
}

func (c *Cache) snapshot() []*Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocks := make([]*Block, 0, c.store.len())
	c.store.each(func(b *Block) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks
}

// FlushAll writes every dirty block and frees every unlocked block. Locked
// blocks are written but stay resident. The first write error is returned;
// blocks that failed to write stay resident and dirty.
func (c *Cache) FlushAll() error {
	var first error
	for _, b := range c.snapshot() {
		if !claim(b) {
			if err := c.writeBack(b); err != nil && first == nil {
				first = err
			}
			continue
		}
		if err := c.writeBack(b); err != nil {
			c.restore(b)
			if first == nil {
				first = err
			}
			continue
		}
		c.destroy(b)
	}
	return first
}

// FlushDirty writes every dirty block without freeing any.
func (c *Cache) FlushDirty() error {
	if c.dirtyCount.Load() == 0 {
		return nil
	}
	var first error
	for _, b := range c.snapshot() {
		if err := c.writeBack(b); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// latch records an error raised while the evictor flushed one of this
// cache's blocks.
func (c *Cache) latch(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latched == nil {
		c.latched = err
	} else {
		c.latched = errors.Join(c.latched, err)
	}
}

// TakeError returns and clears the error latched by background eviction.
func (c *Cache) TakeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.latched
	c.latched = nil
	return err
}

// Stats returns block counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{Blocks: c.store.len(), Dirty: int(c.dirtyCount.Load())}
	c.store.each(func(b *Block) bool {
		if b.locks.Load() > 0 {
			s.Locked++
		}
		return true
	})
	return s
}

// Close flushes and frees every block and refuses further loads. Unlocked
// blocks that fail to write are discarded after the write error is
// returned. Blocks still locked are reported with ErrLocked.
func (c *Cache) Close() error {
	err := c.FlushAll()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if lost := c.release(); lost > 0 {
		level.Warn(c.reg.logger).Log("msg", "discarding dirty blocks that failed to write", "cache", c.name, "blocks", lost)
	}
	if locked := c.Stats().Locked; locked > 0 {
		lerr := fmt.Errorf("%s: %d %w", c.name, locked, ErrLocked)
		level.Warn(c.reg.logger).Log("msg", "closing cache with locked blocks", "cache", c.name, "locked", locked)
		if err == nil {
			return lerr
		}
		return errors.Join(err, lerr)
	}
	return err
}

// release frees every unlocked block left after a flush, returning how many
// of them were still dirty.
func (c *Cache) release() int {
	lost := 0
	for _, b := range c.snapshot() {
		if !claim(b) {
			continue
		}
		if b.dirty.Load() {
			lost++
		}
		c.destroy(b)
	}
	return lost
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
