// Package watershed implements seeded flood-fill segmentation over a
// cost surface, plus the growth-based seed pruning and label
// compaction used around it.
//
// The engine is generic: every stage of the pair-splitting pipeline
// calls the same Flood with a different seed set. Cost is "negative
// height": flooding starts at the lowest-cost cells (in this system
// the brightest flux, since callers negate the cube) and climbs
// outward. Assignment order is fully deterministic, so repeated runs
// over the same inputs produce identical label arrays.
package watershed

import (
	"container/heap"
	"errors"
	"fmt"
)

var (
	// ErrInvalidShape reports arrays whose lengths or rank disagree.
	ErrInvalidShape = errors.New("watershed: mismatched array shape")

	// ErrBadAdjacency reports an unknown adjacency value.
	ErrBadAdjacency = errors.New("watershed: unknown adjacency")

	// ErrEmptySeedSet reports a flood with no seed inside the validity
	// mask when the caller required at least one.
	ErrEmptySeedSet = errors.New("watershed: no seed inside the validity mask")
)

// Adjacency selects which neighbours a cell floods into. The names
// describe the shared boundary between two grid cells; the neighbour
// count depends on the rank of the array.
type Adjacency uint8

const (
	// AdjFace connects cells sharing a face: 4 neighbours in 2D,
	// 6 in 3D.
	AdjFace Adjacency = iota

	// AdjEdge additionally connects cells sharing an edge: 8
	// neighbours in 2D, 18 in 3D.
	AdjEdge

	// AdjVertex connects every touching cell: 8 neighbours in 2D,
	// 26 in 3D.
	AdjVertex
)

// ParseAdjacency resolves a connectivity name ("face", "edge" or
// "vertex") to its Adjacency value.
func ParseAdjacency(name string) (Adjacency, error) {
	switch name {
	case "face":
		return AdjFace, nil
	case "edge":
		return AdjEdge, nil
	case "vertex":
		return AdjVertex, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadAdjacency, name)
}

// String returns the connectivity name understood by ParseAdjacency.
func (a Adjacency) String() string {
	switch a {
	case AdjFace:
		return "face"
	case AdjEdge:
		return "edge"
	case AdjVertex:
		return "vertex"
	}
	return fmt.Sprintf("adjacency(%d)", uint8(a))
}

// Options controls a single Flood invocation.
type Options struct {
	// Adjacency is the neighbourhood used for flooding.
	Adjacency Adjacency

	// RequireSeed makes Flood fail with ErrEmptySeedSet when no
	// positive marker lies inside the validity mask. When false the
	// flood simply returns an all-zero result, which is a valid
	// (empty) segmentation.
	RequireSeed bool
}

// offsets returns the neighbour deltas (dchan, dy, dx) for the given
// rank in a fixed lexicographic order. Rank 2 keeps dchan = 0.
func (a Adjacency) offsets(rank int) ([][3]int, error) {
	if a > AdjVertex {
		return nil, fmt.Errorf("%w: %d", ErrBadAdjacency, a)
	}

	clo, chi := -1, 1
	if rank == 2 {
		clo, chi = 0, 0
	}
	var deltas [][3]int
	for dc := clo; dc <= chi; dc++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dc == 0 && dy == 0 && dx == 0 {
					continue
				}
				nz := 0
				for _, d := range [3]int{dc, dy, dx} {
					if d != 0 {
						nz++
					}
				}
				switch a {
				case AdjFace:
					if nz > 1 {
						continue
					}
				case AdjEdge:
					if nz > 2 {
						continue
					}
				}
				deltas = append(deltas, [3]int{dc, dy, dx})
			}
		}
	}
	return deltas, nil
}

// floodItem is one pending assignment: cell index would take label,
// prioritized by the cell's own cost.
type floodItem struct {
	cost  float64
	index int
	label int32
	seq   uint64
}

// floodQueue is a min-heap ordered by (cost, flat index, push
// sequence). The index tie-break makes equal-cost plateaus fill in
// ascending scan order; the sequence tie-break hands a contested cell
// to the neighbour that reached it first, which is the neighbour
// assigned at the lowest cost so far.
type floodQueue []*floodItem

func (q floodQueue) Len() int { return len(q) }

func (q floodQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].index != q[j].index {
		return q[i].index < q[j].index
	}
	return q[i].seq < q[j].seq
}

func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *floodQueue) Push(x any) { *q = append(*q, x.(*floodItem)) }

func (q *floodQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Flood segments a rank 2 or rank 3 array by growing the seed labels
// in markers outward across the cost surface, ascending in cost.
//
// Cells are assigned in non-decreasing cost order: a previously
// unlabeled valid cell takes the label of the already-labeled
// neighbour with the lowest cost seen so far, with ties broken by
// ascending flat index and then by push order. Cells outside the
// validity mask are never assigned and block flooding, so two
// footprints separated by invalid cells can never bridge. Seeds
// outside the mask are ignored. Cost values inside the mask must not
// be NaN.
//
// cost, markers and valid must all have len equal to the product of
// shape, and shape must have rank 2 or 3. The input slices are never
// modified; the segmentation is returned as a fresh array. A flood
// with no in-mask seed returns ErrEmptySeedSet when opts.RequireSeed
// is set, otherwise an all-zero result.
func Flood(cost []float64, shape []int, markers []int32, valid []bool, opts Options) ([]int32, error) {
	if len(shape) != 2 && len(shape) != 3 {
		return nil, fmt.Errorf("%w: rank %d", ErrInvalidShape, len(shape))
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
		n *= d
	}
	if len(cost) != n || len(markers) != n || len(valid) != n {
		return nil, fmt.Errorf("%w: shape %v vs cost %d, markers %d, valid %d",
			ErrInvalidShape, shape, len(cost), len(markers), len(valid))
	}
	deltas, err := opts.Adjacency.offsets(len(shape))
	if err != nil {
		return nil, err
	}

	// flatten rank 2 as a single-channel volume
	nchan, ny, nx := 1, shape[0], shape[1]
	if len(shape) == 3 {
		nchan, ny, nx = shape[0], shape[1], shape[2]
	}
	plane := ny * nx

	out := make([]int32, n)
	seeds := 0
	for i := 0; i < n; i++ {
		if markers[i] > 0 && valid[i] {
			out[i] = markers[i]
			seeds++
		}
	}
	if seeds == 0 {
		if opts.RequireSeed {
			return nil, ErrEmptySeedSet
		}
		return out, nil
	}

	queue := make(floodQueue, 0, n/4)
	heap.Init(&queue)
	var seq uint64
	push := func(index int, label int32) {
		heap.Push(&queue, &floodItem{cost: cost[index], index: index, label: label, seq: seq})
		seq++
	}

	// offer every unlabeled valid neighbour of a cell
	offer := func(index int, label int32) {
		ch := index / plane
		rem := index % plane
		y := rem / nx
		x := rem % nx
		for _, d := range deltas {
			nc, nyy, nxx := ch+d[0], y+d[1], x+d[2]
			if nc < 0 || nc >= nchan || nyy < 0 || nyy >= ny || nxx < 0 || nxx >= nx {
				continue
			}
			j := (nc*ny+nyy)*nx + nxx
			if valid[j] && out[j] == 0 {
				push(j, label)
			}
		}
	}

	for i := 0; i < n; i++ {
		if out[i] > 0 {
			offer(i, out[i])
		}
	}

	for queue.Len() > 0 {
		item := heap.Pop(&queue).(*floodItem)
		if out[item.index] != 0 {
			continue
		}
		out[item.index] = item.label
		offer(item.index, item.label)
	}
	return out, nil
}
