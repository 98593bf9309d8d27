package resample

import (
	"math"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
)

// fwhmToSigma converts a Gaussian full width at half maximum to its
// standard deviation (FWHM = 2*sqrt(2*ln 2)*sigma).
const fwhmToSigma = 0.42466090014400953

// kernelForFactor returns a normalized 1D Gaussian whose FWHM equals
// the upsample factor, truncated at radius ceil(1.5*factor) (support
// about 3*factor+1 samples). Applied separably along both spatial
// axes it matches the scale of the factor x factor replication
// blocks.
func kernelForFactor(factor int) []float64 {
	sigma := float64(factor) * fwhmToSigma
	radius := int(math.Ceil(1.5 * float64(factor)))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// smoothPlane convolves a ny x nx plane with the kernel along x, then
// along y. Near the edges the out-of-range kernel weights are dropped
// and the remainder renormalized, so constant planes pass through
// unchanged and no flux is smeared in from outside the array.
func smoothPlane(src []float64, ny, nx int, kernel []float64) []float64 {
	radius := len(kernel) / 2

	tmp := make([]float64, len(src))
	for y := 0; y < ny; y++ {
		row := y * nx
		for x := 0; x < nx; x++ {
			var acc, wsum float64
			lo, hi := cube.ClipInterval(x-radius, x+radius+1, nx)
			for k := lo; k < hi; k++ {
				w := kernel[k-x+radius]
				acc += w * src[row+k]
				wsum += w
			}
			tmp[row+x] = acc / wsum
		}
	}

	out := make([]float64, len(src))
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			var acc, wsum float64
			lo, hi := cube.ClipInterval(y-radius, y+radius+1, ny)
			for k := lo; k < hi; k++ {
				w := kernel[k-y+radius]
				acc += w * tmp[k*nx+x]
				wsum += w
			}
			out[y*nx+x] = acc / wsum
		}
	}
	return out
}
