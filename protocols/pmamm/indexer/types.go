package indexer

import pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"

// IndexedPMAMM defines the read-only lookups over an ordered pool set.
type IndexedPMAMM interface {
	GetByID(id uint64) (pmamm.Pool, bool)
	IndexOf(id uint64) (int, bool)
	All() []pmamm.Pool
}
