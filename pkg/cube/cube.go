// Package cube defines the in-memory value types shared by the
// segmentation stages: 3D spectral-spatial flux cubes, 2D flux images,
// boolean source footprints, and the bounds-clipping helper used for
// box placement near array edges.
//
// All arrays are flat, row-major float64 slices with explicit
// dimensions. Cube axes are ordered (spectral channel, y, x), so the
// element (ch, y, x) lives at index (ch*NY+y)*NX+x. Values are never
// mutated in place by the pipeline; smoothed, binned, resampled or
// cropped variants are always new values.
package cube

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrInvalidShape reports arrays whose dimensions do not agree.
	ErrInvalidShape = errors.New("cube: mismatched array shape")

	// ErrBounds reports a requested range (including its margin) that
	// exceeds the array extent.
	ErrBounds = errors.New("cube: requested range exceeds array extent")
)

// Cube is a 3D flux array with axes ordered (spectral channel, y, x).
type Cube struct {
	// Data is the flux in row-major order, spectral axis slowest.
	Data []float64

	// NChan is the number of spectral channels.
	NChan int

	// NY and NX are the spatial dimensions in pixels.
	NY, NX int
}

// NewCube allocates a zero-filled cube with the given dimensions.
func NewCube(nchan, ny, nx int) *Cube {
	return &Cube{
		Data:  make([]float64, nchan*ny*nx),
		NChan: nchan,
		NY:    ny,
		NX:    nx,
	}
}

// Clone returns a deep copy of the cube.
func (c *Cube) Clone() *Cube {
	out := NewCube(c.NChan, c.NY, c.NX)
	copy(out.Data, c.Data)
	return out
}

// Len returns the number of voxels.
func (c *Cube) Len() int {
	return c.NChan * c.NY * c.NX
}

// Index returns the flat index of the voxel at (ch, y, x).
func (c *Cube) Index(ch, y, x int) int {
	return (ch*c.NY+y)*c.NX + x
}

// At returns the flux value at (ch, y, x).
func (c *Cube) At(ch, y, x int) float64 {
	return c.Data[(ch*c.NY+y)*c.NX+x]
}

// Shape returns the dimensions as (spectral, y, x).
func (c *Cube) Shape() []int {
	return []int{c.NChan, c.NY, c.NX}
}

// Moment0 integrates the cube along the spectral axis, returning the
// 2D map of sum(flux * weight) per spatial pixel. A nil weights cube
// integrates the flux unweighted; otherwise weights must be congruent
// with the cube. In the pair-splitting pipeline the weights are the
// source-finder mask cube, so the map only accumulates flux inside
// the detection.
func (c *Cube) Moment0(weights *Cube) (*Image, error) {
	if weights != nil {
		if weights.NChan != c.NChan || weights.NY != c.NY || weights.NX != c.NX {
			return nil, fmt.Errorf("%w: cube %v vs weights %v", ErrInvalidShape, c.Shape(), weights.Shape())
		}
	}

	out := NewImage(c.NY, c.NX)
	plane := c.NY * c.NX
	for ch := 0; ch < c.NChan; ch++ {
		src := c.Data[ch*plane : (ch+1)*plane]
		if weights == nil {
			floats.Add(out.Data, src)
			continue
		}
		w := weights.Data[ch*plane : (ch+1)*plane]
		for i, v := range src {
			out.Data[i] += v * w[i]
		}
	}
	return out, nil
}

// CropSpectral returns a copy of the channels [lo, hi) widened by
// margin channels on both sides. Unlike box placement during
// segmentation, cropping is an explicit request, so a margin that
// would leave the spectral extent fails with ErrBounds instead of
// being clipped.
func (c *Cube) CropSpectral(lo, hi, margin int) (*Cube, error) {
	lo -= margin
	hi += margin
	if lo < 0 || hi > c.NChan || lo >= hi {
		return nil, fmt.Errorf("%w: channels [%d, %d) of %d", ErrBounds, lo, hi, c.NChan)
	}

	out := NewCube(hi-lo, c.NY, c.NX)
	plane := c.NY * c.NX
	copy(out.Data, c.Data[lo*plane:hi*plane])
	return out, nil
}

// CropSpatial returns a copy of the spatial window [ylo, yhi) x
// [xlo, xhi) widened by margin pixels on every side, for all
// channels. Fails with ErrBounds when the widened window leaves the
// array.
func (c *Cube) CropSpatial(ylo, yhi, xlo, xhi, margin int) (*Cube, error) {
	ylo -= margin
	yhi += margin
	xlo -= margin
	xhi += margin
	if ylo < 0 || yhi > c.NY || ylo >= yhi || xlo < 0 || xhi > c.NX || xlo >= xhi {
		return nil, fmt.Errorf("%w: window y[%d, %d) x[%d, %d) of %dx%d",
			ErrBounds, ylo, yhi, xlo, xhi, c.NY, c.NX)
	}

	out := NewCube(c.NChan, yhi-ylo, xhi-xlo)
	for ch := 0; ch < c.NChan; ch++ {
		for y := ylo; y < yhi; y++ {
			srcRow := c.Index(ch, y, xlo)
			dstRow := out.Index(ch, y-ylo, 0)
			copy(out.Data[dstRow:dstRow+out.NX], c.Data[srcRow:srcRow+out.NX])
		}
	}
	return out, nil
}

// Image is a 2D flux array, row-major.
type Image struct {
	// Data is the pixel data in row-major order.
	Data []float64

	// NY and NX are the dimensions in pixels.
	NY, NX int
}

// NewImage allocates a zero-filled image with the given dimensions.
func NewImage(ny, nx int) *Image {
	return &Image{Data: make([]float64, ny*nx), NY: ny, NX: nx}
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := NewImage(im.NY, im.NX)
	copy(out.Data, im.Data)
	return out
}

// Len returns the number of pixels.
func (im *Image) Len() int {
	return im.NY * im.NX
}

// Index returns the flat index of the pixel at (y, x).
func (im *Image) Index(y, x int) int {
	return y*im.NX + x
}

// At returns the value at (y, x).
func (im *Image) At(y, x int) float64 {
	return im.Data[y*im.NX+x]
}

// Shape returns the dimensions as (y, x).
func (im *Image) Shape() []int {
	return []int{im.NY, im.NX}
}

// Crop returns a copy of the window [ylo, yhi) x [xlo, xhi) widened
// by margin pixels on every side. Fails with ErrBounds when the
// widened window leaves the array.
func (im *Image) Crop(ylo, yhi, xlo, xhi, margin int) (*Image, error) {
	ylo -= margin
	yhi += margin
	xlo -= margin
	xhi += margin
	if ylo < 0 || yhi > im.NY || ylo >= yhi || xlo < 0 || xhi > im.NX || xlo >= xhi {
		return nil, fmt.Errorf("%w: window y[%d, %d) x[%d, %d) of %dx%d",
			ErrBounds, ylo, yhi, xlo, xhi, im.NY, im.NX)
	}

	out := NewImage(yhi-ylo, xhi-xlo)
	for y := ylo; y < yhi; y++ {
		srcRow := im.Index(y, xlo)
		dstRow := out.Index(y-ylo, 0)
		copy(out.Data[dstRow:dstRow+out.NX], im.Data[srcRow:srcRow+out.NX])
	}
	return out, nil
}

// Footprint returns the validity mask of an array: true exactly where
// the flux magnitude strictly exceeds eps. NaN never passes. The mask
// is how the stages distinguish source voxels from the empty sky, so
// eps should sit well below the faintest real signal.
func Footprint(data []float64, eps float64) []bool {
	mask := make([]bool, len(data))
	for i, v := range data {
		mask[i] = math.Abs(v) > eps
	}
	return mask
}

// RMS returns the root mean square of the finite values in data.
// NaN and infinite entries are skipped; an array with no finite
// values yields 0.
func RMS(data []float64) float64 {
	var sum float64
	var n int
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v * v
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// ClipInterval clamps the half-open range [lo, hi) to [0, n). The
// result is always a valid, possibly empty range with
// 0 <= lo <= hi <= n, so callers can loop over it directly instead of
// guarding each index. This is the bounds policy for every box placed
// near an array edge (peak boxes, seed stamps): clip, never fail.
func ClipInterval(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if lo > n {
		lo = n
	}
	if hi > n {
		hi = n
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
