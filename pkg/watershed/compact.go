package watershed

import "sort"

// CompactLabels renumbers a non-negative label array so that the
// distinct ids map, in ascending order, onto 0..N-1. Background 0 is
// treated as always present and always maps to itself, so positive
// ids end up as the dense range 1..N-1 and no cell changes meaning.
// The input is not modified.
//
// Applying CompactLabels to an already compact array returns an
// identical copy. The second return value is the number of positive
// labels after renumbering.
func CompactLabels(labels []int32) ([]int32, int) {
	distinct := map[int32]bool{0: true}
	for _, id := range labels {
		distinct[id] = true
	}
	ids := make([]int32, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	remap := make(map[int32]int32, len(ids))
	for rank, id := range ids {
		remap[id] = int32(rank)
	}

	out := make([]int32, len(labels))
	for i, id := range labels {
		out[i] = remap[id]
	}
	return out, len(ids) - 1
}
