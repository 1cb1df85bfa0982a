package blockcache

import (
	"fmt"
	"strings"
)

// Strategy selects how a cache indexes its blocks.
type Strategy int

const (
	// StrategyAuto picks StrategyArray below ArrayThreshold blocks per
	// dataset, StrategyHash otherwise.
	StrategyAuto Strategy = iota
	// StrategyArray indexes blocks in a dense slice covering the whole band.
	StrategyArray
	// StrategyHash keeps only touched blocks in a map.
	StrategyHash
)

// ArrayThreshold is the dataset block count from which AUTO switches to the
// hash strategy.
const ArrayThreshold = 1024 * 1024

func (s Strategy) String() string {
	switch s {
	case StrategyArray:
		return "ARRAY"
	case StrategyHash:
		return "HASHSET"
	default:
		return "AUTO"
	}
}

// ParseStrategy parses "AUTO", "ARRAY" or "HASHSET" (case-insensitive).
// The empty string is AUTO.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUTO":
		return StrategyAuto, nil
	case "ARRAY":
		return StrategyArray, nil
	case "HASHSET":
		return StrategyHash, nil
	}
	return StrategyAuto, fmt.Errorf("unknown block cache strategy %q", s)
}

// resolve turns AUTO into a concrete strategy.
func (s Strategy) resolve(datasetBlocks int64) Strategy {
	if s != StrategyAuto {
		return s
	}
	if datasetBlocks < ArrayThreshold {
		return StrategyArray
	}
	return StrategyHash
}

// store indexes the resident blocks of one cache.
type store interface {
	get(k Key) *Block
	put(b *Block)
	remove(k Key)
	// each visits resident blocks until fn returns false.
	each(fn func(*Block) bool)
	len() int
}

type arrayStore struct {
	blocksPerRow int
	blocks       []*Block
	n            int
}

func newArrayStore(blocksPerRow, blocksPerCol int) *arrayStore {
	return &arrayStore{
		blocksPerRow: blocksPerRow,
		blocks:       make([]*Block, blocksPerRow*blocksPerCol),
	}
}

func (s *arrayStore) index(k Key) int { return k.Row*s.blocksPerRow + k.Col }

func (s *arrayStore) get(k Key) *Block { return s.blocks[s.index(k)] }

func (s *arrayStore) put(b *Block) {
	i := s.index(b.key)
	if s.blocks[i] == nil {
		s.n++
	}
	s.blocks[i] = b
}

func (s *arrayStore) remove(k Key) {
	i := s.index(k)
	if s.blocks[i] != nil {
		s.blocks[i] = nil
		s.n--
	}
}

func (s *arrayStore) each(fn func(*Block) bool) {
	if s.n == 0 {
		return
	}
	for _, b := range s.blocks {
		if b != nil && !fn(b) {
			return
		}
	}
}

func (s *arrayStore) len() int { return s.n }

type hashStore struct {
	blocks map[Key]*Block
}

func newHashStore() *hashStore {
	return &hashStore{blocks: make(map[Key]*Block)}
}

func (s *hashStore) get(k Key) *Block { return s.blocks[k] }
func (s *hashStore) put(b *Block)     { s.blocks[b.key] = b }
func (s *hashStore) remove(k Key)     { delete(s.blocks, k) }
func (s *hashStore) len() int         { return len(s.blocks) }

func (s *hashStore) each(fn func(*Block) bool) {
	for _, b := range s.blocks {
		if !fn(b) {
			return
		}
	}
}
