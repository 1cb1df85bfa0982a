package blockcache

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_BlockLargerThanCeiling(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(100))
	err := reg.Reserve(101)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Zero(t, reg.UsedBytes())
}

func TestEviction_PreservesDirtyData(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewRegistry(WithMaxBytes(3*testBlockBytes), WithRegisterer(promReg))
	drv := newFakeDriver()
	var mu sync.Mutex
	c := newTestCache(t, reg, drv, StrategyArray, &mu)
	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < 20; i++ {
		h, err := c.GetLocked(i%8, i/8, true)
		require.NoError(t, err)
		for j := range h.Data() {
			h.Data()[j] = byte(i)
		}
		h.MarkDirty()
		h.Release()
		assert.LessOrEqual(t, reg.UsedBytes(), int64(3*testBlockBytes))
	}
	assert.LessOrEqual(t, c.Stats().Blocks, 3)
	assert.Greater(t, testutil.ToFloat64(reg.metrics.evictions), 0.0)

	for i := 0; i < 20; i++ {
		h, err := c.GetLocked(i%8, i/8, false)
		require.NoError(t, err)
		assert.Equal(t, byte(i), h.Data()[0], "block %d", i)
		assert.Equal(t, byte(i), h.Data()[testBlockBytes-1], "block %d", i)
		h.Release()
	}
	assert.NoError(t, c.TakeError())
}

func TestEviction_LeastRecentlyUnlockedFirst(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(3 * testBlockBytes))
	drv := newFakeDriver()
	var mu sync.Mutex
	c := newTestCache(t, reg, drv, StrategyHash, &mu)
	mu.Lock()
	defer mu.Unlock()

	for col := 0; col < 3; col++ {
		h, err := c.GetLocked(col, 0, true)
		require.NoError(t, err)
		h.Release()
	}
	// Touch block 0 again so block 1 becomes the oldest.
	h := c.TryGetLocked(0, 0)
	require.NotNil(t, h)
	h.Release()

	h, err := c.GetLocked(3, 0, true)
	require.NoError(t, err)
	h.Release()

	assert.NotNil(t, c.lookup(Key{0, 0}))
	assert.Nil(t, c.lookup(Key{1, 0}))
	assert.NotNil(t, c.lookup(Key{2, 0}))
}

func TestEviction_SkipsLockedBlocks(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(2 * testBlockBytes))
	var mu sync.Mutex
	c := newTestCache(t, reg, newFakeDriver(), StrategyArray, &mu)
	mu.Lock()

	h0, err := c.GetLocked(0, 0, true)
	require.NoError(t, err)
	h1, err := c.GetLocked(1, 0, true)
	require.NoError(t, err)
	// Everything is locked: the reservation overcommits.
	h2, err := c.GetLocked(2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3*testBlockBytes), reg.UsedBytes())
	assert.Equal(t, 3, c.Stats().Locked)
	h0.Release()
	h1.Release()
	h2.Release()
	mu.Unlock()

	// Shrink takes the owner's dataset lock for each victim.
	reg.Shrink()
	assert.LessOrEqual(t, reg.UsedBytes(), int64(2*testBlockBytes))
}

func TestEviction_LatchesWriteFailure(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewRegistry(WithMaxBytes(testBlockBytes), WithRegisterer(promReg))
	drv := newFakeDriver()
	drv.failWrit = errors.New("quota exceeded")
	var mu sync.Mutex
	c := newTestCache(t, reg, drv, StrategyArray, &mu)
	mu.Lock()
	defer mu.Unlock()

	h, err := c.GetLocked(0, 0, true)
	require.NoError(t, err)
	h.MarkDirty()
	h.Release()

	// Loading another block evicts the dirty one; the failure cannot be
	// returned to this caller.
	h, err = c.GetLocked(1, 0, false)
	require.NoError(t, err)
	h.Release()

	err = c.TakeError()
	require.Error(t, err)
	assert.ErrorIs(t, err, drv.failWrit)
	assert.NoError(t, c.TakeError(), "latched error must be cleared once taken")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.metrics.flushErrors))
}

func TestClose_ReleasesBlocksThatFailedToWrite(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(1 << 20))
	drv := newFakeDriver()
	drv.failWrit = errors.New("read-only media")
	var mu sync.Mutex
	c := newTestCache(t, reg, drv, StrategyArray, &mu)
	mu.Lock()
	defer mu.Unlock()

	h, err := c.GetLocked(2, 2, true)
	require.NoError(t, err)
	h.MarkDirty()
	h.Release()

	assert.ErrorIs(t, c.Close(), drv.failWrit)
	assert.Zero(t, c.Stats().Blocks)
	assert.Zero(t, reg.UsedBytes())
	assert.Nil(t, reg.tail, "nothing of the closed cache is left to evict")
}

func TestEviction_DirtyBlockOfClosedCache(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewRegistry(WithMaxBytes(1<<20), WithRegisterer(promReg))
	drv := newFakeDriver()
	drv.failWrit = errors.New("quota exceeded")
	var mu sync.Mutex
	c := newTestCache(t, reg, drv, StrategyArray, &mu)

	mu.Lock()
	h, err := c.GetLocked(0, 0, true)
	require.NoError(t, err)
	h.MarkDirty()
	err = c.Close()
	assert.ErrorIs(t, err, drv.failWrit)
	assert.ErrorIs(t, err, ErrLocked)
	h.Release()
	mu.Unlock()

	reg.SetMaxBytes(0)
	assert.Zero(t, reg.UsedBytes())
	assert.ErrorIs(t, c.TakeError(), ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.metrics.flushErrors))
}

func TestEviction_OwnerRescuesClaimedBlock(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(1 << 20))
	var mu sync.Mutex
	c := newTestCache(t, reg, newFakeDriver(), StrategyArray, &mu)

	mu.Lock()
	h, err := c.GetLocked(0, 0, true)
	require.NoError(t, err)
	h.Release()

	reg.mu.Lock()
	victim := reg.claimVictim()
	reg.mu.Unlock()
	require.NotNil(t, victim)

	// The owner finds the claimed block and takes it back.
	h = c.TryGetLocked(0, 0)
	require.NotNil(t, h)
	mu.Unlock()

	reg.evict(victim)
	mu.Lock()
	assert.Equal(t, 1, c.Stats().Blocks)
	h.Release()
	mu.Unlock()

	reg.mu.Lock()
	linked := victim.linked
	reg.mu.Unlock()
	assert.True(t, linked, "rescued block returns to the LRU on release")
}

func TestSetMaxBytes_Shrinks(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(8 * testBlockBytes))
	drv := newFakeDriver()
	var mu sync.Mutex
	c := newTestCache(t, reg, drv, StrategyArray, &mu)

	mu.Lock()
	for col := 0; col < 8; col++ {
		h, err := c.GetLocked(col, 0, true)
		require.NoError(t, err)
		h.MarkDirty()
		h.Release()
	}
	mu.Unlock()

	reg.SetMaxBytes(2 * testBlockBytes)
	assert.Equal(t, int64(2*testBlockBytes), reg.MaxBytes())
	assert.LessOrEqual(t, reg.UsedBytes(), int64(2*testBlockBytes))
	_, writes := drv.counts()
	assert.Equal(t, 6, writes)
}

// Several datasets, each with its own lock, share one tiny registry so that
// loading a block keeps evicting blocks of the other datasets.
func TestCrossDatasetEvictionDoesNotDeadlock(t *testing.T) {
	reg := NewRegistry(WithMaxBytes(4 * testBlockBytes))
	const datasets = 6

	type ds struct {
		mu    sync.Mutex
		drv   *fakeDriver
		cache *Cache
	}
	all := make([]*ds, datasets)
	for i := range all {
		d := &ds{drv: newFakeDriver()}
		d.cache = newTestCache(t, reg, d.drv, StrategyHash, &d.mu)
		all[i] = d
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i, d := range all {
		wg.Add(1)
		go func(seed int64, d *ds) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < 300; n++ {
				col, row := rng.Intn(8), rng.Intn(8)
				d.mu.Lock()
				h, err := d.cache.GetLocked(col, row, false)
				if err == nil {
					h.Data()[0] = byte(col*8 + row)
					h.MarkDirty()
					h.Release()
				}
				d.mu.Unlock()
				if err != nil {
					t.Errorf("GetLocked: %v", err)
					return
				}
			}
		}(int64(i), d)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	waitOrFail(t, 30*time.Second, done)

	for _, d := range all {
		d.mu.Lock()
		assert.Zero(t, d.cache.Stats().Locked)
		require.NoError(t, d.cache.FlushAll())
		assert.NoError(t, d.cache.TakeError())
		d.mu.Unlock()
		for k, b := range d.drv.blocks {
			assert.Equal(t, byte(k.Col*8+k.Row), b[0])
		}
	}
	assert.Zero(t, reg.UsedBytes())
}
