package indexer

import (
	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
)

// Indexer builds IndexedPMAMM views.
type Indexer struct{}

// New creates a new Indexer.
func New() *Indexer {
	return &Indexer{}
}

// Index creates an indexed PMAMM system from a raw slice of pools.
func (i *Indexer) Index(pools []pmamm.Pool) IndexedPMAMM {
	return NewIndexablePMAMMSystem(pools)
}

// IndexablePMAMMSystem provides fast, indexed access to an ordered pool set.
type IndexablePMAMMSystem struct {
	byID map[uint64]int
	all  []pmamm.Pool
}

// NewIndexablePMAMMSystem creates a new indexed PMAMM system. When IDs repeat,
// the first occurrence wins.
func NewIndexablePMAMMSystem(pools []pmamm.Pool) *IndexablePMAMMSystem {
	byID := make(map[uint64]int, len(pools))

	for i, p := range pools {
		if _, exists := byID[p.ID]; !exists {
			byID[p.ID] = i
		}
	}

	return &IndexablePMAMMSystem{
		byID: byID,
		all:  pools,
	}
}

// GetByID retrieves a pool by its unique ID.
func (s *IndexablePMAMMSystem) GetByID(id uint64) (pmamm.Pool, bool) {
	i, ok := s.byID[id]
	if !ok {
		return pmamm.Pool{}, false
	}
	return s.all[i], true
}

// IndexOf returns the position of the pool with the given ID in the pool set.
func (s *IndexablePMAMMSystem) IndexOf(id uint64) (int, bool) {
	i, ok := s.byID[id]
	return i, ok
}

// All returns a defensive copy of the slice of all pools.
func (s *IndexablePMAMMSystem) All() []pmamm.Pool {
	allCopy := make([]pmamm.Pool, len(s.all))
	copy(allCopy, s.all)
	return allCopy
}
