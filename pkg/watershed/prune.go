package watershed

import (
	"fmt"
	"sort"
)

// PruneWeak removes seed candidates whose watershed region grew by
// less than minGrowth cells beyond the seeds themselves. A real
// source anchored by a seed captures a neighbourhood many times the
// seed's size once flooded; a candidate that barely grows is noise
// that stole a label.
//
// For every positive id, growth = (cells labeled id in result) -
// (cells labeled id in markers). All growths are computed from one
// snapshot and the removals applied as a single batch, so pruning one
// id never changes the decision for another. Removed ids are zeroed
// in both markers and result in place; the caller is expected to
// re-run Flood exactly once with the pruned markers.
//
// Returns the removed ids in ascending order. Fails with
// ErrInvalidShape when markers and result differ in length.
func PruneWeak(markers, result []int32, minGrowth float64) ([]int32, error) {
	if len(markers) != len(result) {
		return nil, fmt.Errorf("%w: markers %d vs result %d", ErrInvalidShape, len(markers), len(result))
	}

	seedCount := make(map[int32]int)
	for _, id := range markers {
		if id > 0 {
			seedCount[id]++
		}
	}
	grownCount := make(map[int32]int)
	for _, id := range result {
		if id > 0 {
			grownCount[id]++
		}
	}

	var removed []int32
	for id, seeds := range seedCount {
		if float64(grownCount[id]-seeds) < minGrowth {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	drop := make(map[int32]bool, len(removed))
	for _, id := range removed {
		drop[id] = true
	}
	for i, id := range markers {
		if drop[id] {
			markers[i] = 0
		}
	}
	for i, id := range result {
		if drop[id] {
			result[i] = 0
		}
	}
	return removed, nil
}
