package blockcache

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pspoerri/rasterband/internal/config"
)

// Registry enforces a memory ceiling across every cache attached to it and
// keeps unlocked blocks in least-recently-unlocked order.
//
// The registry mutex is never held while a dataset lock is acquired: an
// eviction claims its victim under the mutex, drops it, and only then takes
// the owner's dataset lock.
type Registry struct {
	mu         sync.Mutex
	maxBytes   int64
	usedBytes  int64
	head, tail *Block // head is the most recently unlocked block

	logger  log.Logger
	metrics *metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxBytes sets the memory ceiling.
func WithMaxBytes(n int64) Option {
	return func(r *Registry) { r.maxBytes = n }
}

// WithLogger sets the logger used for eviction events.
func WithLogger(l log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegisterer registers the registry's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.metrics = newMetrics(reg) }
}

// NewRegistry creates an isolated registry. Without WithMaxBytes the ceiling
// comes from config.Default.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logger: log.NewNopLogger()}
	for _, o := range opts {
		o(r)
	}
	if r.maxBytes <= 0 {
		r.maxBytes = config.Default().CacheMax
	}
	if r.metrics == nil {
		r.metrics = newMetrics(nil)
	}
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry(WithMaxBytes(config.Default().CacheMax))
	})
	return defaultReg
}

// MaxBytes returns the memory ceiling.
func (r *Registry) MaxBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxBytes
}

// UsedBytes returns the bytes reserved by resident blocks.
func (r *Registry) UsedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedBytes
}

// SetMaxBytes changes the ceiling and evicts down to it. The caller must not
// hold any dataset lock.
func (r *Registry) SetMaxBytes(n int64) {
	r.mu.Lock()
	r.maxBytes = n
	r.mu.Unlock()
	r.Shrink()
}

// Shrink evicts unlocked blocks until usage is within the ceiling. The caller
// must not hold any dataset lock.
func (r *Registry) Shrink() {
	r.mu.Lock()
	for r.usedBytes > r.maxBytes {
		victim := r.claimVictim()
		if victim == nil {
			break
		}
		r.mu.Unlock()
		r.evict(victim)
		r.mu.Lock()
	}
	r.mu.Unlock()
}

// Reserve accounts n bytes for a new block, evicting unlocked blocks while
// the ceiling would be exceeded. When every resident block is locked the
// reservation is granted anyway. The caller must not hold any dataset lock.
func (r *Registry) Reserve(n int64) error {
	r.mu.Lock()
	if n > r.maxBytes {
		max := r.maxBytes
		r.mu.Unlock()
		return fmt.Errorf("%w: %d byte block exceeds %d byte ceiling", ErrOutOfMemory, n, max)
	}
	for r.usedBytes+n > r.maxBytes {
		victim := r.claimVictim()
		if victim == nil {
			level.Debug(r.logger).Log("msg", "cache over ceiling with every block locked",
				"used", r.usedBytes, "max", r.maxBytes)
			break
		}
		r.mu.Unlock()
		r.evict(victim)
		r.mu.Lock()
	}
	r.usedBytes += n
	r.metrics.usedBytes.Set(float64(r.usedBytes))
	r.mu.Unlock()
	return nil
}

func (r *Registry) unreserve(n int64) {
	r.mu.Lock()
	r.usedBytes -= n
	r.metrics.usedBytes.Set(float64(r.usedBytes))
	r.mu.Unlock()
}

func (r *Registry) adopted() {
	r.metrics.blocks.Inc()
}

// claimVictim walks from the least recently unlocked block and claims the
// first one still unlocked. r.mu must be held.
func (r *Registry) claimVictim() *Block {
	for b := r.tail; b != nil; b = b.prev {
		if b.locks.CompareAndSwap(0, stateClaimed) {
			r.unlink(b)
			return b
		}
	}
	return nil
}

// evict finishes an eviction claimed by claimVictim. No registry or dataset
// lock may be held by the caller.
func (r *Registry) evict(b *Block) {
	c := b.owner
	c.locker.Lock()
	defer c.locker.Unlock()

	// The owner may have rescued or flushed the block meanwhile.
	if !b.locks.CompareAndSwap(stateClaimed, stateDestroyed) {
		return
	}

	var err error
	if b.dirty.Load() {
		if c.isClosed() {
			err = fmt.Errorf("block (%d,%d): %w", b.key.Col, b.key.Row, ErrClosed)
		} else {
			err = c.writeBack(b)
		}
	}
	key := b.key
	c.destroy(b)
	r.metrics.evictions.Inc()

	if err != nil {
		r.metrics.flushErrors.Inc()
		c.latch(err)
		level.Warn(r.logger).Log("msg", "dirty block lost during eviction", "cache", c.name,
			"col", key.Col, "row", key.Row, "err", err)
		return
	}
	level.Debug(r.logger).Log("msg", "evicted block", "cache", c.name, "col", key.Col, "row", key.Row)
}

// free releases the memory of a destroyed block.
func (r *Registry) free(b *Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.linked {
		r.unlink(b)
	}
	r.usedBytes -= int64(len(b.data))
	r.metrics.usedBytes.Set(float64(r.usedBytes))
	r.metrics.blocks.Dec()
}

// touch moves an unlocked block to the head of the LRU list.
func (r *Registry) touch(b *Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.locks.Load() != 0 {
		return
	}
	if b.linked {
		if r.head == b {
			return
		}
		r.unlink(b)
	}
	b.next = r.head
	b.prev = nil
	if r.head != nil {
		r.head.prev = b
	}
	r.head = b
	if r.tail == nil {
		r.tail = b
	}
	b.linked = true
}

// unlink removes b from the LRU list. r.mu must be held.
func (r *Registry) unlink(b *Block) {
	if !b.linked {
		return
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		r.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		r.tail = b.prev
	}
	b.prev, b.next = nil, nil
	b.linked = false
}
