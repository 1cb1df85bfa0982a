package raster

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemDriver keeps the blocks of one band in memory. Blocks never written
// read as zeros.
type MemDriver struct {
	mu           sync.Mutex
	width        int
	height       int
	blockW       int
	blockH       int
	blocksPerRow int
	dtype        DataType
	blocks       map[[2]int][]byte

	reads     atomic.Int64
	writes    atomic.Int64
	failWrite atomic.Pointer[error]
}

// NewMemDriver creates an empty store laid out like info.
func NewMemDriver(info BandInfo) *MemDriver {
	if info.BlockWidth == 0 && info.BlockHeight == 0 {
		info.BlockWidth, info.BlockHeight = info.Width, 1
	}
	return &MemDriver{
		width:        info.Width,
		height:       info.Height,
		blockW:       info.BlockWidth,
		blockH:       info.BlockHeight,
		blocksPerRow: (info.Width + info.BlockWidth - 1) / info.BlockWidth,
		dtype:        info.Type,
		blocks:       make(map[[2]int][]byte),
	}
}

func (m *MemDriver) blockBytes() int { return m.blockW * m.blockH * m.dtype.Size() }

// ReadBlock implements BlockReader.
func (m *MemDriver) ReadBlock(col, row int, dst []byte) error {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk, ok := m.blocks[[2]int{col, row}]; ok {
		copy(dst, blk)
		return nil
	}
	clear(dst[:min(len(dst), m.blockBytes())])
	return nil
}

// WriteBlock implements BlockWriter.
func (m *MemDriver) WriteBlock(col, row int, src []byte) error {
	m.writes.Add(1)
	if err := m.failWrite.Load(); err != nil {
		return *err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockLocked(col, row)
	copy(m.blocks[[2]int{col, row}], src)
	return nil
}

func (m *MemDriver) blockLocked(col, row int) []byte {
	k := [2]int{col, row}
	blk, ok := m.blocks[k]
	if !ok {
		blk = make([]byte, m.blockBytes())
		m.blocks[k] = blk
	}
	return blk
}

// FailWrites makes every following WriteBlock return err; nil restores
// normal writes.
func (m *MemDriver) FailWrites(err error) {
	if err == nil {
		m.failWrite.Store(nil)
		return
	}
	m.failWrite.Store(&err)
}

// Reads returns the number of ReadBlock calls.
func (m *MemDriver) Reads() int64 { return m.reads.Load() }

// Writes returns the number of WriteBlock calls, failed ones included.
func (m *MemDriver) Writes() int64 { return m.writes.Load() }

// MemWindowDriver is a MemDriver that also serves whole windows, bypassing
// the block cache.
type MemWindowDriver struct {
	*MemDriver
	windows atomic.Int64
}

// NewMemWindowDriver creates an empty store with a window path.
func NewMemWindowDriver(info BandInfo) *MemWindowDriver {
	return &MemWindowDriver{MemDriver: NewMemDriver(info)}
}

// Windows returns the number of WindowIO calls.
func (m *MemWindowDriver) Windows() int64 { return m.windows.Load() }

// WindowIO implements WindowIO with nearest-neighbour scaling.
func (m *MemWindowDriver) WindowIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int) error {
	m.windows.Add(1)
	if mode == Write {
		if err := m.failWrite.Load(); err != nil {
			return *err
		}
	}
	if x < 0 || y < 0 || x+w > m.width || y+h > m.height {
		return fmt.Errorf("window (%d,%d) %dx%d outside %dx%d: %w", x, y, w, h, m.width, m.height, ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.dtype.Size()
	pixel := func(px, py int) ([]byte, int) {
		col, row := px/m.blockW, py/m.blockH
		return m.blockLocked(col, row), ((py-row*m.blockH)*m.blockW + px - col*m.blockW) * size
	}
	if mode == Read {
		for j := 0; j < bufH; j++ {
			py := nearestIndex(y, h, bufH, j)
			for i := 0; i < bufW; i++ {
				blk, off := pixel(nearestIndex(x, w, bufW, i), py)
				copyWords(blk, m.dtype, off, size, buf, bufType, j*lineSpace+i*pixelSpace, pixelSpace, 1)
			}
		}
		return nil
	}
	for j := 0; j < h; j++ {
		sy := nearestIndex(0, bufH, h, j)
		for i := 0; i < w; i++ {
			blk, off := pixel(x+i, y+j)
			sx := nearestIndex(0, bufW, w, i)
			copyWords(buf, bufType, sy*lineSpace+sx*pixelSpace, pixelSpace, blk, m.dtype, off, size, 1)
		}
	}
	return nil
}

// NewMemDataset creates a dataset of bandCount updatable in-memory bands.
// A zero block size selects one line per block.
func NewMemDataset(width, height, bandCount int, t DataType, blockW, blockH int, opts ...DatasetOption) (*Dataset, error) {
	d, err := NewDataset(width, height, opts...)
	if err != nil {
		return nil, err
	}
	for i := 0; i < bandCount; i++ {
		info := BandInfo{Width: width, Height: height, BlockWidth: blockW, BlockHeight: blockH, Type: t, Access: Update}
		if _, err := d.AddBand(info, NewMemDriver(info)); err != nil {
			return nil, err
		}
	}
	return d, nil
}
