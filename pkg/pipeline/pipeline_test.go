package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetaGem/wallaby-galaxy-pair/internal/synth"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/watershed"
)

func TestNewRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero factor", func(p *Params) { p.UpsampleFactor = 0 }},
		{"negative growth", func(p *Params) { p.GrowthCoef = -1 }},
		{"zero mask epsilon", func(p *Params) { p.MaskEpsilon = 0 }},
		{"zero peak epsilon", func(p *Params) { p.PeakMaskEpsilon = 0 }},
		{"even peak box", func(p *Params) { p.PeakBoxSize = 4 }},
		{"negative SNR", func(p *Params) { p.PeakSNR = -3 }},
		{"negative seed box", func(p *Params) { p.SeedBox = [3]int{3, -1, 2} }},
		{"negative bin width", func(p *Params) { p.SpectralBinWidth = -2 }},
		{"negative sigma", func(p *Params) { p.SpectralSigma = -0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := DefaultParams()
			tc.mutate(&params)
			_, err := New(params)
			require.ErrorIs(t, err, ErrBadParams)
		})
	}
}

func TestNewDefaultsWorkers(t *testing.T) {
	p, err := New(DefaultParams())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p.params.Workers, 1)
}

func TestRunRejectsMismatchedInputs(t *testing.T) {
	scene := synth.PairScene()
	flux, weights, prior := scene.Flux(), scene.Weights(), scene.Prior()

	params := DefaultParams()
	params.UpsampleFactor = scene.Factor
	p, err := New(params)
	require.NoError(t, err)

	_, err = p.Run(nil, weights, prior)
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = p.Run(flux, cube.NewCube(scene.NChan, scene.NY, scene.NX+1), prior)
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = p.Run(flux, weights, prior[1:])
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestRunSeparatesBlendedPair(t *testing.T) {
	scene := synth.PairScene()
	flux, weights, prior := scene.Flux(), scene.Weights(), scene.Prior()

	params := DefaultParams()
	params.UpsampleFactor = scene.Factor

	var calls []int
	params.Progress = func(completed, total int, message string) {
		calls = append(calls, completed)
		require.Equal(t, 8, total)
		require.NotEmpty(t, message)
	}

	p, err := New(params)
	require.NoError(t, err)
	result, err := p.Run(flux, weights, prior)
	require.NoError(t, err)

	k := scene.Factor
	require.Equal(t, []int{scene.NChan, scene.NY * k, scene.NX * k}, result.Shape)
	require.Len(t, result.Labels, scene.NChan*scene.NY*k*scene.NX*k)

	// Both sources survive pruning and come out as the two compact ids.
	assert.Empty(t, result.Stats.Removed2D)
	assert.Empty(t, result.Stats.Removed3D)
	require.Equal(t, 2, result.Stats.NumSources)
	assert.Greater(t, result.Stats.SeedCount2D, 0)
	assert.GreaterOrEqual(t, result.Stats.PeakCount, 2)
	assert.Greater(t, result.Stats.LabeledVoxels, 0)
	assert.Greater(t, result.Stats.NoiseRMS, 0.0)

	// The fine-grid voxels at the two blob cores must land in
	// different sources, in both the 2D and the final segmentation.
	nyUp, nxUp := scene.NY*k, scene.NX*k
	y1, x1 := 5*k+1, 4*k+1
	y2, x2 := 6*k+1, 11*k+1
	first := result.Seg2D[y1*nxUp+x1]
	second := result.Seg2D[y2*nxUp+x2]
	assert.Positive(t, first)
	assert.Positive(t, second)
	assert.NotEqual(t, first, second)

	plane := nyUp * nxUp
	core1 := result.Labels[2*plane+y1*nxUp+x1]
	core2 := result.Labels[4*plane+y2*nxUp+x2]
	assert.Positive(t, core1)
	assert.Positive(t, core2)
	assert.NotEqual(t, core1, core2)

	// Compacted ids are dense, so no label exceeds the source count.
	for _, id := range result.Labels {
		assert.GreaterOrEqual(t, id, int32(0))
		assert.LessOrEqual(t, id, int32(result.Stats.NumSources))
	}

	// Every stage reported in order.
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, calls)
	require.Len(t, result.Stats.StageTimes, 8)
}

func TestRunIsDeterministic(t *testing.T) {
	scene := synth.PairScene()
	params := DefaultParams()
	params.UpsampleFactor = scene.Factor
	p, err := New(params)
	require.NoError(t, err)

	a, err := p.Run(scene.Flux(), scene.Weights(), scene.Prior())
	require.NoError(t, err)
	b, err := p.Run(scene.Flux(), scene.Weights(), scene.Prior())
	require.NoError(t, err)

	require.Equal(t, a.Labels, b.Labels)
	require.Equal(t, a.Peaks, b.Peaks)
	require.Equal(t, a.Stats.NumSources, b.Stats.NumSources)
}

func TestRunWithSpectralBinning(t *testing.T) {
	scene := synth.PairScene()
	params := DefaultParams()
	params.UpsampleFactor = scene.Factor
	params.SpectralBinWidth = 2
	params.SpectralSigma = 0.8
	p, err := New(params)
	require.NoError(t, err)

	result, err := p.Run(scene.Flux(), scene.Weights(), scene.Prior())
	require.NoError(t, err)

	// Binning halves the channel axis before resampling.
	require.Equal(t, []int{scene.NChan / 2, scene.NY * scene.Factor, scene.NX * scene.Factor}, result.Shape)
	assert.Equal(t, 2, result.Stats.NumSources)
}

func TestRunEdgeAdjacency(t *testing.T) {
	scene := synth.PairScene()
	params := DefaultParams()
	params.UpsampleFactor = scene.Factor
	params.Adjacency2D = watershed.AdjEdge
	params.Adjacency3D = watershed.AdjEdge
	p, err := New(params)
	require.NoError(t, err)

	result, err := p.Run(scene.Flux(), scene.Weights(), scene.Prior())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stats.NumSources)
}
