package watershed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactLabels(t *testing.T) {
	in := []int32{0, 5, 5, 9, 9, 0}
	out, n := CompactLabels(in)
	assert.Equal(t, []int32{0, 1, 1, 2, 2, 0}, out)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int32{0, 5, 5, 9, 9, 0}, in, "input must not be modified")
}

func TestCompactLabelsIdempotent(t *testing.T) {
	in := []int32{0, 5, 5, 9, 9, 0}
	once, n1 := CompactLabels(in)
	twice, n2 := CompactLabels(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, n1, n2)
}

func TestCompactLabelsReservesBackground(t *testing.T) {
	// background stays 0 even when no cell carries it
	out, n := CompactLabels([]int32{5, 9, 5})
	assert.Equal(t, []int32{1, 2, 1}, out)
	assert.Equal(t, 2, n)
}

func TestCompactLabelsEmpty(t *testing.T) {
	out, n := CompactLabels(nil)
	assert.Empty(t, out)
	assert.Equal(t, 0, n)
}

func TestCompactLabelsAlreadyCompact(t *testing.T) {
	in := []int32{0, 1, 2, 2, 1, 0}
	out, n := CompactLabels(in)
	assert.Equal(t, in, out)
	assert.Equal(t, 2, n)
}
