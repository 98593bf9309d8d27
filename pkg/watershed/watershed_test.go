package watershed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allValid(n int) []bool {
	v := make([]bool, n)
	for i := range v {
		v[i] = true
	}
	return v
}

func TestFloodFillsSingleRegion(t *testing.T) {
	// one seed in a fully valid region claims every cell
	cost := make([]float64, 9)
	markers := make([]int32, 9)
	markers[4] = 1

	out, err := Flood(cost, []int{3, 3}, markers, allValid(9), Options{Adjacency: AdjFace})
	require.NoError(t, err)
	for i, id := range out {
		assert.Equal(t, int32(1), id, "cell %d", i)
	}
}

func TestFloodNeverInventsLabels(t *testing.T) {
	cost := make([]float64, 15)
	markers := make([]int32, 15)
	markers[0] = 3
	markers[14] = 7

	out, err := Flood(cost, []int{3, 5}, markers, allValid(15), Options{Adjacency: AdjEdge})
	require.NoError(t, err)
	for i, id := range out {
		assert.Contains(t, []int32{3, 7}, id, "cell %d", i)
	}
	assert.Equal(t, int32(3), out[0])
	assert.Equal(t, int32(7), out[14])
}

func TestFloodMaskBlocksBridging(t *testing.T) {
	// two footprints separated by an invalid gap stay disjoint
	cost := make([]float64, 5)
	markers := []int32{1, 0, 0, 0, 2}
	valid := []bool{true, true, false, true, true}

	out, err := Flood(cost, []int{1, 5}, markers, valid, Options{Adjacency: AdjFace})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1, 0, 2, 2}, out)
}

func TestFloodDeterministicTieBreak(t *testing.T) {
	// flat cost surface: the equidistant midpoint goes to the lower
	// flat index
	cost := make([]float64, 5)
	markers := []int32{1, 0, 0, 0, 2}

	out, err := Flood(cost, []int{1, 5}, markers, allValid(5), Options{Adjacency: AdjFace})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1, 1, 2, 2}, out)

	// and it is reproducible
	again, err := Flood(cost, []int{1, 5}, markers, allValid(5), Options{Adjacency: AdjFace})
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestFloodClimbsInCostOrder(t *testing.T) {
	// label 1 crests its low wall and sweeps the whole valley before
	// label 2 gets over the high wall on its side: assignment follows
	// cost order, not hop distance
	cost := []float64{0, 5, 1, 1, 1, 5, 0}
	markers := []int32{1, 0, 0, 0, 0, 0, 2}

	out, err := Flood(cost, []int{1, 7}, markers, allValid(7), Options{Adjacency: AdjFace})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 2, 2}, out)
}

func TestFloodEmptySeedSet(t *testing.T) {
	cost := make([]float64, 4)
	valid := []bool{true, true, false, false}

	t.Run("all-zero result by default", func(t *testing.T) {
		out, err := Flood(cost, []int{2, 2}, make([]int32, 4), valid, Options{Adjacency: AdjFace})
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 0, 0, 0}, out)
	})

	t.Run("seed outside the mask does not count", func(t *testing.T) {
		markers := []int32{0, 0, 5, 0}
		_, err := Flood(cost, []int{2, 2}, markers, valid, Options{Adjacency: AdjFace, RequireSeed: true})
		assert.ErrorIs(t, err, ErrEmptySeedSet)
	})

	t.Run("required", func(t *testing.T) {
		_, err := Flood(cost, []int{2, 2}, make([]int32, 4), valid, Options{Adjacency: AdjFace, RequireSeed: true})
		assert.ErrorIs(t, err, ErrEmptySeedSet)
	})
}

func TestFloodAdjacency2D(t *testing.T) {
	// only the two diagonal cells are valid
	cost := make([]float64, 4)
	markers := []int32{1, 0, 0, 0}
	valid := []bool{true, false, false, true}

	out, err := Flood(cost, []int{2, 2}, markers, valid, Options{Adjacency: AdjFace})
	require.NoError(t, err)
	assert.Equal(t, int32(0), out[3], "face adjacency must not cross a diagonal")

	out, err = Flood(cost, []int{2, 2}, markers, valid, Options{Adjacency: AdjEdge})
	require.NoError(t, err)
	assert.Equal(t, int32(1), out[3], "edge adjacency crosses a 2D diagonal")
}

func TestFloodAdjacency3D(t *testing.T) {
	// seed at (0,0,0), the only other valid voxel at the opposite
	// corner (1,1,1): face and edge adjacency cannot reach it, vertex
	// adjacency can
	cost := make([]float64, 8)
	markers := make([]int32, 8)
	markers[0] = 1
	valid := make([]bool, 8)
	valid[0] = true
	valid[7] = true

	for _, tc := range []struct {
		name string
		adj  Adjacency
		want int32
	}{
		{"face", AdjFace, 0},
		{"edge", AdjEdge, 0},
		{"vertex", AdjVertex, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Flood(cost, []int{2, 2, 2}, markers, valid, Options{Adjacency: tc.adj})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out[7])
		})
	}
}

func TestFloodNeighbourCounts(t *testing.T) {
	for _, tc := range []struct {
		rank int
		adj  Adjacency
		want int
	}{
		{2, AdjFace, 4},
		{2, AdjEdge, 8},
		{2, AdjVertex, 8},
		{3, AdjFace, 6},
		{3, AdjEdge, 18},
		{3, AdjVertex, 26},
	} {
		deltas, err := tc.adj.offsets(tc.rank)
		require.NoError(t, err)
		assert.Len(t, deltas, tc.want, "rank %d adjacency %d", tc.rank, tc.adj)
	}
}

func TestFloodInputErrors(t *testing.T) {
	cost := make([]float64, 4)
	markers := make([]int32, 4)
	valid := allValid(4)

	t.Run("rank", func(t *testing.T) {
		_, err := Flood(cost, []int{4}, markers, valid, Options{})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
	t.Run("length mismatch", func(t *testing.T) {
		_, err := Flood(cost, []int{2, 3}, markers, valid, Options{})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
	t.Run("unknown adjacency", func(t *testing.T) {
		_, err := Flood(cost, []int{2, 2}, markers, valid, Options{Adjacency: Adjacency(9)})
		assert.ErrorIs(t, err, ErrBadAdjacency)
	})
}

func TestFloodCoversReachableCells(t *testing.T) {
	// pseudo-random valid pattern: every valid cell connected to a
	// seed ends up labeled, every invalid cell stays 0, and each
	// label's region is connected inside the mask
	const ny, nx = 12, 17
	n := ny * nx
	cost := make([]float64, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		cost[i] = float64((i*2654435761)%97) / 97.0
		valid[i] = (i*40503)%11 != 0
	}
	markers := make([]int32, n)
	markers[0] = 1
	markers[n-1] = 2
	valid[0] = true
	valid[n-1] = true

	out, err := Flood(cost, []int{ny, nx}, markers, valid, Options{Adjacency: AdjEdge})
	require.NoError(t, err)

	// reachability of valid cells from the seeds, mask only
	reach := make([]bool, n)
	stack := []int{0, n - 1}
	reach[0], reach[n-1] = true, true
	deltas, err := AdjEdge.offsets(2)
	require.NoError(t, err)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		y, x := i/nx, i%nx
		for _, d := range deltas {
			yy, xx := y+d[1], x+d[2]
			if yy < 0 || yy >= ny || xx < 0 || xx >= nx {
				continue
			}
			j := yy*nx + xx
			if valid[j] && !reach[j] {
				reach[j] = true
				stack = append(stack, j)
			}
		}
	}

	for i := 0; i < n; i++ {
		if !valid[i] {
			assert.Equal(t, int32(0), out[i], "invalid cell %d must stay background", i)
			continue
		}
		if reach[i] {
			assert.Positive(t, out[i], "reachable valid cell %d must be labeled", i)
		} else {
			assert.Equal(t, int32(0), out[i], "unreachable cell %d must stay background", i)
		}
	}
}
