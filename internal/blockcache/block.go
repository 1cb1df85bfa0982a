package blockcache

import (
	"sync/atomic"
)

// Lock count states below zero.
const (
	stateClaimed   = -1 // taken by an evictor, not yet removed
	stateDestroyed = -2
)

// Key identifies a block within one cache.
type Key struct {
	Col, Row int
}

// Block is one cached tile of decoded pixel data.
type Block struct {
	key   Key
	owner *Cache
	data  []byte
	dirty atomic.Bool

	// locks is >0 while handles are outstanding, 0 when evictable, and
	// stateClaimed/stateDestroyed during eviction.
	locks atomic.Int32

	// LRU links, guarded by the registry mutex.
	prev, next *Block
	linked     bool
}

// tryLock increments the lock count of a live block. A block claimed by an
// evictor is rescued. Returns false once the block is destroyed.
func (b *Block) tryLock() bool {
	for {
		n := b.locks.Load()
		switch {
		case n == stateDestroyed:
			return false
		case n == stateClaimed:
			if b.locks.CompareAndSwap(stateClaimed, 1) {
				return true
			}
		default:
			if b.locks.CompareAndSwap(n, n+1) {
				return true
			}
		}
	}
}

// Handle is a locked reference to a block. Release must be called once the
// caller is done with Data; further calls are no-ops.
type Handle struct {
	b *Block
}

// Data returns the block buffer. It must not be used after Release.
func (h *Handle) Data() []byte {
	return h.b.data
}

// Col returns the block column.
func (h *Handle) Col() int { return h.b.key.Col }

// Row returns the block row.
func (h *Handle) Row() int { return h.b.key.Row }

// MarkDirty flags the block as modified so it is written back before it is
// freed.
func (h *Handle) MarkDirty() {
	if h.b.dirty.CompareAndSwap(false, true) {
		h.b.owner.dirtyCount.Add(1)
	}
}

// IsDirty reports whether the block holds unwritten changes.
func (h *Handle) IsDirty() bool {
	return h.b.dirty.Load()
}

// Release drops the lock taken when the handle was obtained. The block stays
// resident and becomes evictable once no handle references it.
func (h *Handle) Release() {
	b := h.b
	if b == nil {
		return
	}
	h.b = nil
	if b.locks.Add(-1) == 0 {
		b.owner.reg.touch(b)
	}
}
