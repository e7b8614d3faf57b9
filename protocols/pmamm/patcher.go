package pmamm

import "fmt"

// Patcher builds a new pool set by applying diff to prevState. Pool order is
// significant, so the patch keeps it: updates replace pools in place, deletions
// drop them and additions are appended. prevState is never mutated and the
// result shares no *big.Int with either input.
func Patcher(prevState []Pool, diff PMAMMSystemDiff) ([]Pool, error) {
	for _, p := range diff.Updates {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("patcher: update: %w", err)
		}
	}
	for _, p := range diff.Additions {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("patcher: addition: %w", err)
		}
	}

	deleted := make(map[uint64]struct{}, len(diff.Deletions))
	for _, id := range diff.Deletions {
		deleted[id] = struct{}{}
	}

	// an update or addition for an ID already present replaces it in place
	replacements := make(map[uint64]Pool, len(diff.Updates)+len(diff.Additions))
	for _, p := range diff.Updates {
		replacements[p.ID] = p
	}
	for _, p := range diff.Additions {
		replacements[p.ID] = p
	}

	finalState := make([]Pool, 0, len(prevState)+len(diff.Additions))
	present := make(map[uint64]struct{}, len(prevState))
	for _, pool := range prevState {
		if _, ok := deleted[pool.ID]; ok {
			continue
		}
		if r, ok := replacements[pool.ID]; ok {
			pool = r
		}
		present[pool.ID] = struct{}{}
		finalState = append(finalState, pool.Clone())
	}

	for _, group := range [][]Pool{diff.Updates, diff.Additions} {
		for _, p := range group {
			if _, ok := present[p.ID]; ok {
				continue
			}
			present[p.ID] = struct{}{}
			finalState = append(finalState, replacements[p.ID].Clone())
		}
	}

	return finalState, nil
}
