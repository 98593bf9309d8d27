package peaks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grid builds an all-zero cube with helpers for poking values in.
type grid struct {
	data  []float64
	shape []int
	nx    int
	plane int
}

func newGrid(nchan, ny, nx int) *grid {
	return &grid{
		data:  make([]float64, nchan*ny*nx),
		shape: []int{nchan, ny, nx},
		nx:    nx,
		plane: ny * nx,
	}
}

func (g *grid) set(ch, y, x int, v float64) { g.data[ch*g.plane+y*g.nx+x] = v }

func (g *grid) find(t *testing.T, thresh float64, opts Options) []Peak {
	t.Helper()
	n := len(g.data)
	got, err := Find(g.data, g.shape, UniformThreshold(n, thresh), make([]bool, n), opts)
	require.NoError(t, err)
	return got
}

func TestFindSinglePeak(t *testing.T) {
	g := newGrid(5, 7, 7)
	g.set(2, 3, 3, 10)
	g.set(2, 3, 4, 4) // shoulder, not a local max

	got := g.find(t, 1, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, Peak{Chan: 2, Y: 3, X: 3, Value: 10}, got[0])
}

func TestFindStrictThreshold(t *testing.T) {
	g := newGrid(3, 3, 3)
	g.set(1, 1, 1, 5)

	assert.Empty(t, g.find(t, 5, Options{}), "value equal to the threshold must not qualify")
	assert.Len(t, g.find(t, 4.999, Options{}), 1)
}

func TestFindPlateauReportsAll(t *testing.T) {
	g := newGrid(1, 3, 4)
	g.set(0, 1, 1, 7)
	g.set(0, 1, 2, 7)

	got := g.find(t, 0, Options{})
	require.Len(t, got, 2)
	// ascending flat-index order
	assert.Equal(t, Peak{Chan: 0, Y: 1, X: 1, Value: 7}, got[0])
	assert.Equal(t, Peak{Chan: 0, Y: 1, X: 2, Value: 7}, got[1])
}

func TestFindExclusionMask(t *testing.T) {
	g := newGrid(1, 5, 5)
	g.set(0, 1, 1, 9)
	g.set(0, 1, 2, 2) // above threshold but shadowed by the excluded 9
	g.set(0, 3, 3, 5)
	n := len(g.data)
	exclude := make([]bool, n)
	exclude[1*5+1] = true

	got, err := Find(g.data, g.shape, UniformThreshold(n, 1), exclude, Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5.0, got[0].Value, "excluded voxel must not be returned")

	// the excluded bright voxel still dominates its neighbourhood, so
	// none of its neighbours become peaks in its place
	for _, p := range got {
		assert.False(t, p.Y <= 2 && p.X <= 2, "no peak may appear beside the excluded maximum, got %+v", p)
	}
}

func TestFindBorderWidth(t *testing.T) {
	g := newGrid(3, 5, 5)
	g.set(1, 0, 2, 8) // on the y face
	g.set(1, 2, 2, 6) // interior

	got := g.find(t, 1, Options{BorderWidth: 1})
	require.Len(t, got, 1)
	assert.Equal(t, Peak{Chan: 1, Y: 2, X: 2, Value: 6}, got[0])
}

func TestFindCornerClipped(t *testing.T) {
	// a maximum in the array corner is found with its box clipped,
	// not rejected
	g := newGrid(2, 3, 3)
	g.set(0, 0, 0, 4)

	got := g.find(t, 1, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, Peak{Chan: 0, Y: 0, X: 0, Value: 4}, got[0])
}

func TestFindNaNNeverQualifies(t *testing.T) {
	g := newGrid(1, 3, 3)
	g.set(0, 1, 1, 6)
	g.set(0, 0, 0, math.NaN())
	g.set(0, 2, 2, math.NaN())

	got := g.find(t, 0, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, 6.0, got[0].Value)
}

func TestFindLargerBox(t *testing.T) {
	// two maxima four cells apart: both survive a 3-wide box, only
	// the brighter survives a 9-wide box
	g := newGrid(1, 3, 11)
	g.set(0, 1, 3, 5)
	g.set(0, 1, 7, 6)

	assert.Len(t, g.find(t, 0, Options{BoxSize: 3}), 2)

	got := g.find(t, 0, Options{BoxSize: 9})
	require.Len(t, got, 1)
	assert.Equal(t, 6.0, got[0].Value)
}

func TestFindCapBrightest(t *testing.T) {
	g := newGrid(1, 5, 15)
	g.set(0, 1, 2, 5)
	g.set(0, 1, 7, 9)
	g.set(0, 3, 12, 7)

	got := g.find(t, 0, Options{MaxPeaks: 2, Policy: CapBrightest})
	require.Len(t, got, 2)
	assert.Equal(t, 9.0, got[0].Value)
	assert.Equal(t, 7.0, got[1].Value)
}

func TestFindCapScanOrder(t *testing.T) {
	g := newGrid(1, 5, 15)
	g.set(0, 1, 2, 5)
	g.set(0, 1, 7, 9)
	g.set(0, 3, 12, 7)

	got := g.find(t, 0, Options{MaxPeaks: 2, Policy: CapScanOrder})
	require.Len(t, got, 2)
	assert.Equal(t, 5.0, got[0].Value)
	assert.Equal(t, 9.0, got[1].Value)
}

func TestFindParallelMatchesSequential(t *testing.T) {
	g := newGrid(8, 9, 10)
	for i := range g.data {
		g.data[i] = math.Sin(float64(i)*0.61) + math.Cos(float64(i)*0.13)
	}

	sequential := g.find(t, 0.5, Options{Workers: 1})
	parallel := g.find(t, 0.5, Options{Workers: 4})
	assert.Equal(t, sequential, parallel)
	assert.NotEmpty(t, sequential)
}

func TestFindInputErrors(t *testing.T) {
	data := make([]float64, 8)
	shape := []int{2, 2, 2}
	thresh := UniformThreshold(8, 0)
	exclude := make([]bool, 8)

	t.Run("rank", func(t *testing.T) {
		_, err := Find(data, []int{4, 2}, thresh, exclude, Options{})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
	t.Run("length mismatch", func(t *testing.T) {
		_, err := Find(data[:7], shape, thresh, exclude, Options{})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
	t.Run("even box", func(t *testing.T) {
		_, err := Find(data, shape, thresh, exclude, Options{BoxSize: 4})
		assert.ErrorIs(t, err, ErrBadBoxSize)
	})
}
