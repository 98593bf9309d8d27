// Package pipeline orchestrates the multi-stage watershed separation
// of blended sources in a spectral cube: spectral preconditioning,
// resampling onto the optical prior's grid, the seeded 2D pass, the
// broadcast fixed-3D pass, peak-driven re-seeding, and final label
// compaction. Each stage feeds the next explicitly; no stage mutates
// its inputs.
package pipeline

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/markers"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/peaks"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/resample"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/watershed"
)

var (
	// ErrBadParams reports invalid pipeline parameters.
	ErrBadParams = errors.New("pipeline: invalid parameters")

	// ErrInvalidShape reports inputs whose shapes disagree with each
	// other or with the upsample factor.
	ErrInvalidShape = errors.New("pipeline: mismatched input shapes")
)

// ProgressFunc receives coarse progress updates: completed stages out
// of total, plus a short human-readable stage description.
type ProgressFunc func(completed, total int, message string)

// Params holds the tunable parameters of a separation run. The zero
// value is not usable; start from DefaultParams.
type Params struct {
	// UpsampleFactor is the integer ratio between the prior's pixel
	// grid and the cube's spatial grid.
	UpsampleFactor int

	// Smooth applies Gaussian smoothing (FWHM = UpsampleFactor) to
	// every resampled plane, washing out the replication blocks.
	Smooth bool

	// SeedMultiplier scales the per-source seed cutoff: pixels above
	// mean + SeedMultiplier*sigma of their source's flux become seeds.
	SeedMultiplier float64

	// GrowthCoef scales the growth thresholds used to prune weak
	// seeds. The 2D threshold is GrowthCoef * factor^2; the 3D
	// threshold is additionally scaled by the channel count.
	GrowthCoef float64

	// MaskEpsilon is the strict footprint cut: resampled mask-cube
	// voxels with magnitude above it are valid in the 2D and fixed-3D
	// stages.
	MaskEpsilon float64

	// PeakMaskEpsilon is the looser cut used by the final peak-seeded
	// stage. It should be at most MaskEpsilon; the final pass then
	// relabels a slightly wider halo around the footprint validated
	// by the fixed-3D stage.
	PeakMaskEpsilon float64

	// Adjacency2D and Adjacency3D select the flood neighbourhoods.
	Adjacency2D watershed.Adjacency
	Adjacency3D watershed.Adjacency

	// PeakBoxSize is the full width of the local-maximum search box.
	PeakBoxSize int

	// PeakBorder excludes peak candidates within this many voxels of
	// the resampled cube's faces.
	PeakBorder int

	// MaxPeaks caps how many peaks re-seed the final stage (<= 0
	// means unlimited), using PeakPolicy to pick survivors.
	MaxPeaks   int
	PeakPolicy peaks.CapPolicy

	// PeakSNR sets the peak threshold to PeakSNR times the noise RMS
	// measured outside the strict footprint.
	PeakSNR float64

	// SeedBox is the half-extent (spectral, y, x) of the label box
	// stamped around each peak.
	SeedBox [3]int

	// SpectralBinWidth sums groups of this many channels before
	// anything else runs; 0 disables binning.
	SpectralBinWidth int

	// SpectralSigma Gaussian-smooths each spectrum along the spectral
	// axis (in channels) after binning; 0 disables smoothing.
	SpectralSigma float64

	// Workers bounds the goroutines used by the parallel stages;
	// values < 1 mean runtime.NumCPU().
	Workers int

	// Progress, when set, receives stage-level updates.
	Progress ProgressFunc
}

// DefaultParams returns the parameter set used for WALLABY pair
// separation runs.
func DefaultParams() Params {
	return Params{
		UpsampleFactor:  4,
		Smooth:          true,
		SeedMultiplier:  1.0,
		GrowthCoef:      1.0,
		MaskEpsilon:     1e-3,
		PeakMaskEpsilon: 1e-6,
		Adjacency2D:     watershed.AdjFace,
		Adjacency3D:     watershed.AdjFace,
		PeakBoxSize:     3,
		PeakSNR:         3.0,
		SeedBox:         markers.DefaultSeedBox,
	}
}

// StageTime records how long one stage of a run took.
type StageTime struct {
	Stage    string
	Duration time.Duration
}

// Stats aggregates the diagnostics of a run.
type Stats struct {
	// SeedCount2D is the number of seed pixels derived from the
	// prior before any pruning.
	SeedCount2D int

	// Removed2D and Removed3D list the source ids dropped by the 2D
	// and fixed-3D growth pruning.
	Removed2D []int32
	Removed3D []int32

	// PeakCount is the number of peaks that re-seeded the final
	// stage.
	PeakCount int

	// NumSources is the number of positive labels in the final
	// compacted volume.
	NumSources int

	// LabeledVoxels counts the non-background voxels of the final
	// volume.
	LabeledVoxels int

	// NoiseRMS is the noise estimate used for the peak threshold.
	NoiseRMS float64

	// StageTimes records per-stage wall-clock durations in run order.
	StageTimes []StageTime
}

// Result carries the artifacts of a completed run. Labels is the
// primary deliverable; the intermediate segmentations are kept for
// diagnostic comparison.
type Result struct {
	// Labels is the final peak-seeded segmentation, compacted to the
	// dense id range 1..NumSources, on the resampled grid.
	Labels []int32

	// Shape is the resampled grid (spectral, y, x).
	Shape []int

	// Seg2D is the post-pruning 2D segmentation of the moment-0 map.
	Seg2D []int32

	// Fixed3D is the broadcast-seeded 3D segmentation before peak
	// re-seeding, with its original (prior) ids.
	Fixed3D []int32

	// Markers2D is the pruned 2D marker image that seeded Fixed3D.
	Markers2D []int32

	// Peaks are the local maxima that re-seeded the final stage, in
	// the order they were applied.
	Peaks []peaks.Peak

	// Moment0 is the resampled, smoothed moment-0 map used by the 2D
	// pass.
	Moment0 *cube.Image

	// Stats holds the run diagnostics.
	Stats Stats
}

// Pipeline validates its parameters once and then runs any number of
// separations with them.
type Pipeline struct {
	params Params
}

// New checks params and returns a ready pipeline.
func New(params Params) (*Pipeline, error) {
	if params.UpsampleFactor < 1 {
		return nil, fmt.Errorf("%w: upsample factor %d", ErrBadParams, params.UpsampleFactor)
	}
	if params.GrowthCoef < 0 {
		return nil, fmt.Errorf("%w: growth coefficient %g", ErrBadParams, params.GrowthCoef)
	}
	if params.MaskEpsilon <= 0 || params.PeakMaskEpsilon <= 0 {
		return nil, fmt.Errorf("%w: mask epsilons must be positive, got %g and %g",
			ErrBadParams, params.MaskEpsilon, params.PeakMaskEpsilon)
	}
	if params.PeakBoxSize != 0 && (params.PeakBoxSize < 1 || params.PeakBoxSize%2 == 0) {
		return nil, fmt.Errorf("%w: peak box size %d", ErrBadParams, params.PeakBoxSize)
	}
	if params.PeakSNR < 0 {
		return nil, fmt.Errorf("%w: peak SNR %g", ErrBadParams, params.PeakSNR)
	}
	for _, h := range params.SeedBox {
		if h < 0 {
			return nil, fmt.Errorf("%w: seed box %v", ErrBadParams, params.SeedBox)
		}
	}
	if params.SpectralBinWidth < 0 {
		return nil, fmt.Errorf("%w: spectral bin width %d", ErrBadParams, params.SpectralBinWidth)
	}
	if params.SpectralSigma < 0 {
		return nil, fmt.Errorf("%w: spectral sigma %g", ErrBadParams, params.SpectralSigma)
	}
	if params.Workers < 1 {
		params.Workers = runtime.NumCPU()
	}
	return &Pipeline{params: params}, nil
}

// Run separates the sources of one target. flux is the spectral cube,
// weights the congruent source-finder mask cube (its non-zero voxels
// define the footprint), and prior the 2D segmentation on the fine
// grid, whose spatial dimensions must equal the cube's times the
// upsample factor.
func (p *Pipeline) Run(flux, weights *cube.Cube, prior []int32) (*Result, error) {
	const totalStages = 8

	if flux == nil || weights == nil {
		return nil, fmt.Errorf("%w: flux and weights cubes are required", ErrInvalidShape)
	}
	if flux.NChan != weights.NChan || flux.NY != weights.NY || flux.NX != weights.NX {
		return nil, fmt.Errorf("%w: flux %v vs weights %v", ErrInvalidShape, flux.Shape(), weights.Shape())
	}
	if flux.Len() != len(flux.Data) || weights.Len() != len(weights.Data) {
		return nil, fmt.Errorf("%w: cube data length disagrees with its dimensions", ErrInvalidShape)
	}
	k := p.params.UpsampleFactor
	if len(prior) != flux.NY*k*flux.NX*k {
		return nil, fmt.Errorf("%w: prior %d pixels vs %dx%d grid",
			ErrInvalidShape, len(prior), flux.NY*k, flux.NX*k)
	}

	result := &Result{}
	stage := 0
	tick := func(name string, start time.Time) {
		stage++
		result.Stats.StageTimes = append(result.Stats.StageTimes, StageTime{Stage: name, Duration: time.Since(start)})
		if p.params.Progress != nil {
			p.params.Progress(stage, totalStages, name)
		}
	}

	// Stage 1: spectral preconditioning (optional binning, smoothing)
	start := time.Now()
	var err error
	if p.params.SpectralBinWidth > 1 {
		if flux, err = cube.SpectralBin(flux, p.params.SpectralBinWidth); err != nil {
			return nil, fmt.Errorf("spectral binning: %w", err)
		}
		if weights, err = cube.SpectralBin(weights, p.params.SpectralBinWidth); err != nil {
			return nil, fmt.Errorf("spectral binning: %w", err)
		}
	}
	if p.params.SpectralSigma > 0 {
		if flux, err = cube.SpectralSmooth(flux, p.params.SpectralSigma); err != nil {
			return nil, fmt.Errorf("spectral smoothing: %w", err)
		}
	}
	tick("spectral preconditioning", start)

	// Stage 2: masked moment-0 projection on the coarse grid
	start = time.Now()
	mom0, err := flux.Moment0(weights)
	if err != nil {
		return nil, fmt.Errorf("moment-0: %w", err)
	}
	tick("moment-0 projection", start)

	// Stage 3: resampling onto the prior's grid
	start = time.Now()
	fluxUp, err := resample.EnlargeCube(flux, k, p.params.Smooth, p.params.Workers)
	if err != nil {
		return nil, fmt.Errorf("resampling cube: %w", err)
	}
	weightsUp, err := resample.EnlargeCube(weights, k, p.params.Smooth, p.params.Workers)
	if err != nil {
		return nil, fmt.Errorf("resampling weights: %w", err)
	}
	mom0Up, err := resample.EnlargeImage(mom0, k, p.params.Smooth)
	if err != nil {
		return nil, fmt.Errorf("resampling moment-0: %w", err)
	}
	shape := fluxUp.Shape()
	plane := fluxUp.NY * fluxUp.NX
	validStrict := cube.Footprint(weightsUp.Data, p.params.MaskEpsilon)
	validLoose := cube.Footprint(weightsUp.Data, p.params.PeakMaskEpsilon)
	valid2D := collapseMask(validStrict, fluxUp.NChan, plane)
	result.Shape = shape
	result.Moment0 = mom0Up
	tick("grid resampling", start)

	// Stage 4: prior-driven 2D pass (seed, flood, prune, re-run)
	start = time.Now()
	seeds2D, err := markers.FromPrior(prior, mom0Up.Data, p.params.SeedMultiplier)
	if err != nil {
		return nil, fmt.Errorf("2D seeding: %w", err)
	}
	for _, id := range seeds2D {
		if id > 0 {
			result.Stats.SeedCount2D++
		}
	}
	opts2D := watershed.Options{Adjacency: p.params.Adjacency2D, RequireSeed: true}
	cost2D := negate(mom0Up.Data)
	shape2D := []int{fluxUp.NY, fluxUp.NX}
	seg2DFirst, err := watershed.Flood(cost2D, shape2D, seeds2D, valid2D, opts2D)
	if err != nil {
		return nil, fmt.Errorf("2D watershed: %w", err)
	}
	growth2D := p.params.GrowthCoef * float64(k*k)
	removed2D, err := watershed.PruneWeak(seeds2D, seg2DFirst, growth2D)
	if err != nil {
		return nil, fmt.Errorf("2D pruning: %w", err)
	}
	seg2D, err := watershed.Flood(cost2D, shape2D, seeds2D, valid2D, opts2D)
	if err != nil {
		return nil, fmt.Errorf("2D watershed re-run: %w", err)
	}
	result.Seg2D = seg2D
	result.Markers2D = seeds2D
	result.Stats.Removed2D = removed2D
	tick("2D watershed pass", start)

	// Stage 5: fixed-3D pass from broadcast seeds
	start = time.Now()
	opts3D := watershed.Options{Adjacency: p.params.Adjacency3D, RequireSeed: true}
	cost3D := negate(fluxUp.Data)
	growth3D := p.params.GrowthCoef * float64(k*k) * float64(fluxUp.NChan)
	fixed3D, _, removed3D, err := markers.Fixed3D(cost3D, shape, seeds2D, validStrict, growth3D, opts3D)
	if err != nil {
		return nil, fmt.Errorf("fixed-3D stage: %w", err)
	}
	result.Fixed3D = fixed3D
	result.Stats.Removed3D = removed3D
	tick("fixed-3D watershed pass", start)

	// Stage 6: local maxima of the resampled cube
	start = time.Now()
	noise := noiseRMS(fluxUp.Data, validStrict)
	exclude := make([]bool, len(validStrict))
	for i, ok := range validStrict {
		exclude[i] = !ok
	}
	pks, err := peaks.Find(fluxUp.Data, shape,
		peaks.UniformThreshold(len(fluxUp.Data), p.params.PeakSNR*noise), exclude,
		peaks.Options{
			BoxSize:     p.params.PeakBoxSize,
			BorderWidth: p.params.PeakBorder,
			MaxPeaks:    p.params.MaxPeaks,
			Policy:      p.params.PeakPolicy,
			Workers:     p.params.Workers,
		})
	if err != nil {
		return nil, fmt.Errorf("peak search: %w", err)
	}
	result.Peaks = pks
	result.Stats.PeakCount = len(pks)
	result.Stats.NoiseRMS = noise
	tick("peak search", start)

	// Stage 7: peak-seeded final pass over the looser mask. With no
	// peaks the final volume is legitimately empty, so the flood is
	// not required to find a seed here.
	start = time.Now()
	peak3D, _, err := markers.Peak3D(cost3D, shape, fixed3D, validLoose, pks,
		p.params.SeedBox, watershed.Options{Adjacency: p.params.Adjacency3D})
	if err != nil {
		return nil, fmt.Errorf("peak-3D stage: %w", err)
	}
	tick("peak-3D watershed pass", start)

	// Stage 8: compaction to a dense id range
	start = time.Now()
	result.Labels, result.Stats.NumSources = watershed.CompactLabels(peak3D)
	for _, id := range result.Labels {
		if id > 0 {
			result.Stats.LabeledVoxels++
		}
	}
	tick("label compaction", start)

	return result, nil
}

// negate returns the elementwise negation: bright flux becomes low
// cost, so flooding starts at the sources.
func negate(data []float64) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = -v
	}
	return out
}

// collapseMask projects a 3D validity mask onto the spatial plane:
// a pixel is valid when any of its channels is.
func collapseMask(valid []bool, nchan, plane int) []bool {
	out := make([]bool, plane)
	for ch := 0; ch < nchan; ch++ {
		row := ch * plane
		for i := 0; i < plane; i++ {
			if valid[row+i] {
				out[i] = true
			}
		}
	}
	return out
}

// noiseRMS estimates the noise level from the voxels outside the
// footprint; when the footprint covers everything it falls back to
// the whole cube.
func noiseRMS(data []float64, valid []bool) float64 {
	outside := make([]float64, 0, len(data)/4)
	for i, v := range data {
		if !valid[i] {
			outside = append(outside, v)
		}
	}
	if len(outside) == 0 {
		return cube.RMS(data)
	}
	return cube.RMS(outside)
}
