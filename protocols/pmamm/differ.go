package pmamm

// PMAMMSystemDiff describes how one pool set turns into another.
type PMAMMSystemDiff struct {
	Additions []Pool   `json:"additions,omitempty"`
	Updates   []Pool   `json:"updates,omitempty"`
	Deletions []uint64 `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d PMAMMSystemDiff) IsEmpty() bool {
	return len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

// Differ calculates the difference between two pool sets keyed by pool ID.
// Additions and updates follow the order of new, deletions the order of old,
// so the same inputs always produce the same diff.
func Differ(old, new []Pool) PMAMMSystemDiff {
	oldPoolsMap := make(map[uint64]Pool, len(old))
	for _, pool := range old {
		oldPoolsMap[pool.ID] = pool
	}

	newPoolsMap := make(map[uint64]struct{}, len(new))

	var additions []Pool
	var updates []Pool
	var deletions []uint64

	for _, newPool := range new {
		newPoolsMap[newPool.ID] = struct{}{}

		oldPool, exists := oldPoolsMap[newPool.ID]
		if !exists {
			additions = append(additions, newPool.Clone())
			continue
		}
		if changed(oldPool, newPool) {
			updates = append(updates, newPool.Clone())
		}
	}

	for _, oldPool := range old {
		if _, exists := newPoolsMap[oldPool.ID]; !exists {
			deletions = append(deletions, oldPool.ID)
		}
	}

	return PMAMMSystemDiff{
		Additions: additions,
		Updates:   updates,
		Deletions: deletions,
	}
}

// changed compares the fields a swap or an external update can move.
func changed(a, b Pool) bool {
	if a.FeeBps != b.FeeBps {
		return true
	}
	if (a.X == nil) != (b.X == nil) || (a.Y == nil) != (b.Y == nil) {
		return true
	}
	if a.X != nil && a.X.Cmp(b.X) != 0 {
		return true
	}
	return a.Y != nil && a.Y.Cmp(b.Y) != 0
}
