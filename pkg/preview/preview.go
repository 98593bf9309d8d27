// Package preview renders quick-look images of segmentation runs:
// per-channel grayscale slices of the resampled cube, color label
// maps, and the moment-0 projection. The images are diagnostic
// aids, not science products.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
)

// palette colors the positive labels; ids wrap around when a run
// produces more sources than entries. Background stays black.
var palette = []color.RGBA{
	{230, 57, 70, 255},
	{69, 123, 157, 255},
	{244, 162, 97, 255},
	{42, 157, 143, 255},
	{168, 218, 220, 255},
	{233, 196, 106, 255},
	{144, 103, 198, 255},
	{107, 163, 104, 255},
	{201, 124, 93, 255},
	{87, 117, 144, 255},
}

// Renderer draws slices of one segmented cube. flux and labels are
// congruent flat arrays on the resampled grid; labels may be nil when
// only flux previews are needed.
type Renderer struct {
	flux   []float64
	labels []int32

	nchan, ny, nx int

	// flux scaling, fixed at construction so every channel of a
	// sequence shares one gray scale
	lo, hi float64
}

// NewRenderer validates the arrays against shape (spectral, y, x) and
// returns a renderer.
func NewRenderer(flux []float64, labels []int32, shape []int) (*Renderer, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("shape must have rank 3, got %v", shape)
	}
	n := shape[0] * shape[1] * shape[2]
	if len(flux) != n {
		return nil, fmt.Errorf("flux has %d values, shape %v needs %d", len(flux), shape, n)
	}
	if labels != nil && len(labels) != n {
		return nil, fmt.Errorf("labels has %d values, shape %v needs %d", len(labels), shape, n)
	}

	lo, hi := finiteRange(flux)
	return &Renderer{
		flux:   flux,
		labels: labels,
		nchan:  shape[0],
		ny:     shape[1],
		nx:     shape[2],
		lo:     lo,
		hi:     hi,
	}, nil
}

// FluxSlice renders one spectral channel as a 16-bit grayscale image,
// scaled to the cube-wide flux range.
func (r *Renderer) FluxSlice(channel int) (image.Image, error) {
	if channel < 0 || channel >= r.nchan {
		return nil, fmt.Errorf("channel %d exceeds depth %d", channel, r.nchan)
	}

	img := image.NewGray16(image.Rect(0, 0, r.nx, r.ny))
	span := r.hi - r.lo
	base := channel * r.ny * r.nx
	for y := 0; y < r.ny; y++ {
		for x := 0; x < r.nx; x++ {
			v := r.flux[base+y*r.nx+x]
			var value uint16
			if span > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
				value = uint16(math.Max(0, math.Min(65535, (v-r.lo)/span*65535)))
			}
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// LabelSlice renders one spectral channel of the label volume with a
// fixed color per source id and black background.
func (r *Renderer) LabelSlice(channel int) (image.Image, error) {
	if r.labels == nil {
		return nil, fmt.Errorf("renderer has no label volume")
	}
	if channel < 0 || channel >= r.nchan {
		return nil, fmt.Errorf("channel %d exceeds depth %d", channel, r.nchan)
	}

	img := image.NewRGBA(image.Rect(0, 0, r.nx, r.ny))
	base := channel * r.ny * r.nx
	for y := 0; y < r.ny; y++ {
		for x := 0; x < r.nx; x++ {
			if id := r.labels[base+y*r.nx+x]; id > 0 {
				img.SetRGBA(x, y, palette[int(id-1)%len(palette)])
			} else {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	return img, nil
}

// SaveSequence writes one image per spectral channel into dir, named
// prefix_NNN.png. When withLabels is set the label maps are saved,
// otherwise the flux slices.
func (r *Renderer) SaveSequence(dir, prefix string, withLabels bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating preview directory: %w", err)
	}
	for ch := 0; ch < r.nchan; ch++ {
		var img image.Image
		var err error
		if withLabels {
			img, err = r.LabelSlice(ch)
		} else {
			img, err = r.FluxSlice(ch)
		}
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%03d.png", prefix, ch))
		if err := SavePNG(img, path); err != nil {
			return err
		}
	}
	return nil
}

// GrayImage renders a 2D map (for example the moment-0 projection) as
// a min-max scaled 16-bit grayscale image.
func GrayImage(im *cube.Image) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, im.NX, im.NY))
	lo, hi := finiteRange(im.Data)
	span := hi - lo
	for y := 0; y < im.NY; y++ {
		for x := 0; x < im.NX; x++ {
			v := im.Data[y*im.NX+x]
			var value uint16
			if span > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
				value = uint16(math.Max(0, math.Min(65535, (v-lo)/span*65535)))
			}
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// SavePNG writes img to path, creating parent directories as needed.
func SavePNG(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating image file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("error encoding image: %w", err)
	}
	return nil
}

// finiteRange scans for the finite min and max; non-finite values are
// ignored. An all-non-finite array yields (0, 0).
func finiteRange(data []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}
