package cube

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrBadBin reports a spectral bin width that is not a positive
	// divisor of the spectral axis.
	ErrBadBin = errors.New("cube: invalid spectral bin width")

	// ErrBadSigma reports a non-positive smoothing width.
	ErrBadSigma = errors.New("cube: smoothing sigma must be positive")
)

// SpectralBin sums groups of width consecutive channels, returning a
// cube with NChan/width channels. Binning trades velocity resolution
// for per-channel signal to noise before segmentation; because the
// sum is exact, total flux is preserved. The width must divide the
// spectral axis evenly.
func SpectralBin(c *Cube, width int) (*Cube, error) {
	if width < 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadBin, width)
	}
	if c.NChan%width != 0 {
		return nil, fmt.Errorf("%w: %d does not divide %d channels", ErrBadBin, width, c.NChan)
	}

	out := NewCube(c.NChan/width, c.NY, c.NX)
	plane := c.NY * c.NX
	for ch := 0; ch < c.NChan; ch++ {
		dst := out.Data[(ch/width)*plane : (ch/width+1)*plane]
		src := c.Data[ch*plane : (ch+1)*plane]
		for i, v := range src {
			dst[i] += v
		}
	}
	return out, nil
}

// SpectralSmooth convolves every spatial pixel's spectrum with a
// normalized Gaussian of the given sigma (in channels). The kernel is
// truncated at 4 sigma; near the spectral edges the in-range kernel
// weights are renormalized, so constant spectra pass through
// unchanged. The channel count is preserved.
func SpectralSmooth(c *Cube, sigma float64) (*Cube, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("%w: %g", ErrBadSigma, sigma)
	}

	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2
	out := NewCube(c.NChan, c.NY, c.NX)
	plane := c.NY * c.NX

	for y := 0; y < c.NY; y++ {
		for x := 0; x < c.NX; x++ {
			base := y*c.NX + x
			for ch := 0; ch < c.NChan; ch++ {
				var acc, wsum float64
				lo, hi := ClipInterval(ch-radius, ch+radius+1, c.NChan)
				for k := lo; k < hi; k++ {
					w := kernel[k-ch+radius]
					acc += w * c.Data[k*plane+base]
					wsum += w
				}
				out.Data[ch*plane+base] = acc / wsum
			}
		}
	}
	return out, nil
}

// gaussianKernel returns a normalized symmetric Gaussian of the given
// sigma, truncated at 4 sigma (support 2*ceil(4*sigma)+1).
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
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
