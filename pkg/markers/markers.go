// Package markers builds the seed arrays that drive each watershed
// stage of the pair-splitting pipeline: per-source seeds picked from
// the optical prior in 2D, their broadcast into the spectral axis,
// and the peak-driven re-seeding of the final 3D pass.
package markers

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/peaks"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/watershed"
)

// ErrInvalidShape reports arrays whose lengths disagree.
var ErrInvalidShape = errors.New("markers: mismatched array shape")

// DefaultSeedBox is the half-extent (spectral, y, x) of the box
// copied around each peak when re-seeding the final watershed pass.
var DefaultSeedBox = [3]int{3, 2, 2}

// FromPrior derives 2D seeds from a prior segmentation and a smoothed
// flux image of the same length. For every positive id the flux mean
// and population standard deviation are computed over the id's
// footprint, and exactly the footprint pixels with flux strictly
// above mean + multiplier*sigma become seeds of that id. Statistics
// never cross ids.
//
// Uniform or single-pixel footprints have sigma 0, so no pixel
// exceeds its own mean and the id simply contributes no seeds; that
// is a valid outcome, not an error. Only a length mismatch fails.
func FromPrior(prior []int32, flux []float64, multiplier float64) ([]int32, error) {
	if len(prior) != len(flux) {
		return nil, fmt.Errorf("%w: prior %d vs flux %d", ErrInvalidShape, len(prior), len(flux))
	}

	footprints := make(map[int32][]float64)
	for i, id := range prior {
		if id > 0 {
			footprints[id] = append(footprints[id], flux[i])
		}
	}

	cutoffs := make(map[int32]float64, len(footprints))
	for id, values := range footprints {
		mean := stat.Mean(values, nil)
		sigma := stat.PopStdDev(values, nil)
		cutoffs[id] = mean + multiplier*sigma
	}

	out := make([]int32, len(prior))
	for i, id := range prior {
		if id > 0 && flux[i] > cutoffs[id] {
			out[i] = id
		}
	}
	return out, nil
}

// Broadcast replicates a 2D marker image into every spectral channel,
// forming the initial marker volume of the fixed-3D stage. A
// non-positive channel count yields nil.
func Broadcast(markers2D []int32, nchan int) []int32 {
	if nchan < 1 {
		return nil
	}
	out := make([]int32, nchan*len(markers2D))
	for ch := 0; ch < nchan; ch++ {
		copy(out[ch*len(markers2D):(ch+1)*len(markers2D)], markers2D)
	}
	return out
}

// StampSeeds copies the labels of an existing segmentation into dst
// inside a box around every peak, transferring established ids to the
// exact brightness maxima. The box spans peak +- half per axis
// (spectral, y, x) and is clipped at the array faces. Stamping only
// transfers labels, it never invents one; background cells inside a
// box are copied as background. Later peaks overwrite earlier ones
// where boxes overlap, which is harmless because overlapping boxes
// carry the same source's label.
func StampSeeds(dst, labels []int32, shape []int, pks []peaks.Peak, half [3]int) error {
	if len(shape) != 3 {
		return fmt.Errorf("%w: rank %d", ErrInvalidShape, len(shape))
	}
	nchan, ny, nx := shape[0], shape[1], shape[2]
	n := nchan * ny * nx
	if len(dst) != n || len(labels) != n {
		return fmt.Errorf("%w: shape %v vs dst %d, labels %d", ErrInvalidShape, shape, len(dst), len(labels))
	}

	for _, p := range pks {
		clo, chi := cube.ClipInterval(p.Chan-half[0], p.Chan+half[0]+1, nchan)
		ylo, yhi := cube.ClipInterval(p.Y-half[1], p.Y+half[1]+1, ny)
		xlo, xhi := cube.ClipInterval(p.X-half[2], p.X+half[2]+1, nx)
		for c := clo; c < chi; c++ {
			for y := ylo; y < yhi; y++ {
				row := (c*ny + y) * nx
				copy(dst[row+xlo:row+xhi], labels[row+xlo:row+xhi])
			}
		}
	}
	return nil
}

// Fixed3D runs the first 3D stage: the pruned 2D seeds are broadcast
// into every channel, flooded over the cost surface, pruned again
// with the 3D growth threshold, and flooded once more. It returns the
// resulting segmentation, the pruned marker volume that produced it,
// and the ids dropped by the 3D pruning.
func Fixed3D(cost []float64, shape []int, seeds2D []int32, valid []bool, minGrowth float64, opts watershed.Options) (seg, markerVol []int32, removed []int32, err error) {
	if len(shape) != 3 {
		return nil, nil, nil, fmt.Errorf("%w: rank %d", ErrInvalidShape, len(shape))
	}
	if len(seeds2D) != shape[1]*shape[2] {
		return nil, nil, nil, fmt.Errorf("%w: 2D seeds %d vs plane %dx%d",
			ErrInvalidShape, len(seeds2D), shape[1], shape[2])
	}

	markerVol = Broadcast(seeds2D, shape[0])
	first, err := watershed.Flood(cost, shape, markerVol, valid, opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fixed-3D first flood: %w", err)
	}
	removed, err = watershed.PruneWeak(markerVol, first, minGrowth)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fixed-3D pruning: %w", err)
	}
	seg, err = watershed.Flood(cost, shape, markerVol, valid, opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fixed-3D re-run: %w", err)
	}
	return seg, markerVol, removed, nil
}

// Peak3D runs the second 3D stage: a fresh marker volume is seeded by
// stamping the fixed-3D labels around the supplied peaks, then
// flooded over the same cost surface, typically with a looser
// validity mask than the fixed-3D stage. It returns the segmentation
// and the marker volume used.
func Peak3D(cost []float64, shape []int, fixed []int32, valid []bool, pks []peaks.Peak, half [3]int, opts watershed.Options) (seg, markerVol []int32, err error) {
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("%w: rank %d", ErrInvalidShape, len(shape))
	}

	markerVol = make([]int32, shape[0]*shape[1]*shape[2])
	if err := StampSeeds(markerVol, fixed, shape, pks, half); err != nil {
		return nil, nil, fmt.Errorf("peak-3D seeding: %w", err)
	}
	seg, err = watershed.Flood(cost, shape, markerVol, valid, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("peak-3D flood: %w", err)
	}
	return seg, markerVol, nil
}
