// Package synth generates small synthetic observations of blended
// galaxy pairs: a noisy spectral cube, the matching source-finder
// mask, and a higher-resolution prior segmentation. The pipeline
// tests and the demo command share these fixtures.
package synth

import (
	"math"
	"math/rand"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
)

// Blob is one Gaussian source. Positions are in coarse-grid units
// with the spatial origin at pixel centre (0, 0).
type Blob struct {
	Chan, Y, X                float64
	Amp                       float64
	SigmaChan, SigmaY, SigmaX float64
}

// profile2D evaluates the blob's spatial profile at (y, x), ignoring
// the spectral term.
func (b Blob) profile2D(y, x float64) float64 {
	dy := (y - b.Y) / b.SigmaY
	dx := (x - b.X) / b.SigmaX
	return b.Amp * math.Exp(-0.5*(dy*dy+dx*dx))
}

// profile3D evaluates the full profile at (ch, y, x).
func (b Blob) profile3D(ch, y, x float64) float64 {
	dc := (ch - b.Chan) / b.SigmaChan
	return b.profile2D(y, x) * math.Exp(-0.5*dc*dc)
}

// Scene describes a synthetic observation. Flux, Weights and Prior
// are deterministic functions of the scene, so equal scenes always
// produce identical data.
type Scene struct {
	// NChan, NY, NX are the coarse cube dimensions.
	NChan, NY, NX int

	// Factor is the ratio between the prior's grid and the cube's.
	Factor int

	// Blobs are the sources; blob i gets prior id i+1.
	Blobs []Blob

	// NoiseSigma is the standard deviation of the Gaussian noise
	// added to the flux cube.
	NoiseSigma float64

	// MaskCut thresholds the noiseless flux to build the mask cube.
	MaskCut float64

	// PriorCut thresholds each blob's spatial profile to build the
	// prior footprints.
	PriorCut float64

	// Seed drives the noise generator.
	Seed int64
}

// Flux renders the noisy spectral cube on the coarse grid.
func (s Scene) Flux() *cube.Cube {
	c := cube.NewCube(s.NChan, s.NY, s.NX)
	rng := rand.New(rand.NewSource(s.Seed))
	i := 0
	for ch := 0; ch < s.NChan; ch++ {
		for y := 0; y < s.NY; y++ {
			for x := 0; x < s.NX; x++ {
				v := 0.0
				for _, b := range s.Blobs {
					v += b.profile3D(float64(ch), float64(y), float64(x))
				}
				c.Data[i] = v + s.NoiseSigma*rng.NormFloat64()
				i++
			}
		}
	}
	return c
}

// Weights renders the mask cube: 1 where the noiseless flux exceeds
// MaskCut, 0 elsewhere.
func (s Scene) Weights() *cube.Cube {
	c := cube.NewCube(s.NChan, s.NY, s.NX)
	i := 0
	for ch := 0; ch < s.NChan; ch++ {
		for y := 0; y < s.NY; y++ {
			for x := 0; x < s.NX; x++ {
				v := 0.0
				for _, b := range s.Blobs {
					v += b.profile3D(float64(ch), float64(y), float64(x))
				}
				if v > s.MaskCut {
					c.Data[i] = 1
				}
				i++
			}
		}
	}
	return c
}

// Prior renders the fine-grid prior segmentation. Each pixel takes
// the id of the blob with the strongest spatial profile there,
// provided that profile exceeds PriorCut; everything else stays
// background.
func (s Scene) Prior() []int32 {
	ny, nx := s.NY*s.Factor, s.NX*s.Factor
	out := make([]int32, ny*nx)
	for y := 0; y < ny; y++ {
		// Fine pixel centres in coarse-grid units.
		cy := (float64(y) + 0.5) / float64(s.Factor)
		for x := 0; x < nx; x++ {
			cx := (float64(x) + 0.5) / float64(s.Factor)
			best, bestVal := int32(0), s.PriorCut
			for i, b := range s.Blobs {
				if v := b.profile2D(cy, cx); v > bestVal {
					best, bestVal = int32(i+1), v
				}
			}
			out[y*nx+x] = best
		}
	}
	return out
}

// PairScene is the canonical blended-pair fixture: two equal-flux
// sources whose footprints merge into a single island, offset from
// each other both spatially and in velocity.
func PairScene() Scene {
	return Scene{
		NChan:  6,
		NY:     12,
		NX:     16,
		Factor: 3,
		Blobs: []Blob{
			{Chan: 2.2, Y: 5.5, X: 4.5, Amp: 1.0, SigmaChan: 1.0, SigmaY: 1.6, SigmaX: 1.6},
			{Chan: 3.8, Y: 6.5, X: 11.5, Amp: 1.0, SigmaChan: 1.0, SigmaY: 1.6, SigmaX: 1.6},
		},
		NoiseSigma: 0.02,
		MaskCut:    0.05,
		PriorCut:   0.15,
		Seed:       1,
	}
}
