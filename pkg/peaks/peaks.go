// Package peaks locates local flux maxima in a 3D spectral-spatial
// array. The pair-splitting pipeline uses them to re-seed the final
// watershed pass at the true brightness peaks of each source, which
// sharpens boundaries beyond what the broadcast 2D prior can give.
package peaks

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
)

var (
	// ErrInvalidShape reports arrays whose lengths or rank disagree.
	ErrInvalidShape = errors.New("peaks: mismatched array shape")

	// ErrBadBoxSize reports an even or non-positive search box.
	ErrBadBoxSize = errors.New("peaks: box size must be odd and at least 1")
)

// Peak is one local maximum: its voxel coordinates (spectral channel,
// y, x) and the flux value there.
type Peak struct {
	Chan, Y, X int
	Value      float64
}

// CapPolicy selects which peaks survive when more candidates qualify
// than the configured cap.
type CapPolicy uint8

const (
	// CapBrightest keeps the globally brightest peaks, returned
	// brightest first (ties by ascending flat index).
	CapBrightest CapPolicy = iota

	// CapScanOrder keeps the first peaks in ascending flat-index scan
	// order, ignoring relative brightness.
	CapScanOrder
)

// ParseCapPolicy resolves a policy name ("brightest" or "scan") to
// its CapPolicy value.
func ParseCapPolicy(name string) (CapPolicy, error) {
	switch name {
	case "brightest":
		return CapBrightest, nil
	case "scan":
		return CapScanOrder, nil
	}
	return 0, fmt.Errorf("peaks: unknown cap policy %q", name)
}

// String returns the policy name understood by ParseCapPolicy.
func (p CapPolicy) String() string {
	switch p {
	case CapBrightest:
		return "brightest"
	case CapScanOrder:
		return "scan"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// Options controls a Find invocation.
type Options struct {
	// BoxSize is the full width of the cubic search neighbourhood.
	// Must be odd; 0 means the default of 3 (direct neighbours only).
	BoxSize int

	// BorderWidth excludes candidates closer than this many voxels to
	// any array face. Negative values count as 0.
	BorderWidth int

	// MaxPeaks caps the number of returned peaks; values <= 0 mean
	// unlimited.
	MaxPeaks int

	// Policy picks the survivors when MaxPeaks is exceeded.
	Policy CapPolicy

	// Workers bounds the goroutines scanning channel slabs; values
	// < 1 mean one.
	Workers int
}

// UniformThreshold returns a constant threshold field of length n.
func UniformThreshold(n int, value float64) []float64 {
	field := make([]float64, n)
	for i := range field {
		field[i] = value
	}
	return field
}

// Find returns the local maxima of a rank 3 array. A voxel qualifies
// when it equals the maximum of its box neighbourhood (clipped to the
// array near edges, never rejected), its value strictly exceeds the
// threshold field at its location, it is not excluded, and it keeps
// the configured distance from the array faces.
//
// Excluded voxels cannot become peaks but their values still shape
// the neighbourhood maxima around them. NaN values are treated as the
// finite minimum of the array, so they never qualify and never poison
// a neighbourhood. Equal-valued plateaus report every qualifying
// voxel. Without a cap the peaks come back in ascending flat-index
// order; with one, in the order of the cap policy.
func Find(data []float64, shape []int, threshold []float64, exclude []bool, opts Options) ([]Peak, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: rank %d", ErrInvalidShape, len(shape))
	}
	nchan, ny, nx := shape[0], shape[1], shape[2]
	n := nchan * ny * nx
	if nchan < 0 || ny < 0 || nx < 0 || len(data) != n || len(threshold) != n || len(exclude) != n {
		return nil, fmt.Errorf("%w: shape %v vs data %d, threshold %d, exclude %d",
			ErrInvalidShape, shape, len(data), len(threshold), len(exclude))
	}
	box := opts.BoxSize
	if box == 0 {
		box = 3
	}
	if box < 1 || box%2 == 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBadBoxSize, box)
	}
	border := opts.BorderWidth
	if border < 0 {
		border = 0
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	values := sanitize(data)
	radius := box / 2
	plane := ny * nx

	// candidates per channel slab, merged in slab order so the result
	// matches a sequential ascending scan
	found := make([][]Peak, nchan)
	var g errgroup.Group
	g.SetLimit(workers)
	for ch := 0; ch < nchan; ch++ {
		ch := ch
		g.Go(func() error {
			if ch < border || ch >= nchan-border {
				return nil
			}
			var local []Peak
			clo, chi := cube.ClipInterval(ch-radius, ch+radius+1, nchan)
			for y := border; y < ny-border; y++ {
				ylo, yhi := cube.ClipInterval(y-radius, y+radius+1, ny)
				for x := border; x < nx-border; x++ {
					i := ch*plane + y*nx + x
					v := values[i]
					if v <= threshold[i] || exclude[i] {
						continue
					}
					xlo, xhi := cube.ClipInterval(x-radius, x+radius+1, nx)
					if v >= boxMax(values, plane, nx, clo, chi, ylo, yhi, xlo, xhi) {
						local = append(local, Peak{Chan: ch, Y: y, X: x, Value: v})
					}
				}
			}
			found[ch] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var peaks []Peak
	for _, local := range found {
		peaks = append(peaks, local...)
	}

	if opts.MaxPeaks > 0 && len(peaks) > opts.MaxPeaks {
		switch opts.Policy {
		case CapScanOrder:
			peaks = peaks[:opts.MaxPeaks]
		default:
			sort.SliceStable(peaks, func(i, j int) bool {
				if peaks[i].Value != peaks[j].Value {
					return peaks[i].Value > peaks[j].Value
				}
				return flatIndex(peaks[i], plane, nx) < flatIndex(peaks[j], plane, nx)
			})
			peaks = peaks[:opts.MaxPeaks]
		}
	}
	return peaks, nil
}

// sanitize replaces NaN with the finite minimum of the array. The
// copy is skipped when there is nothing to replace.
func sanitize(data []float64) []float64 {
	low := math.Inf(1)
	hasNaN := false
	for _, v := range data {
		if math.IsNaN(v) {
			hasNaN = true
		} else if v < low {
			low = v
		}
	}
	if !hasNaN {
		return data
	}
	if math.IsInf(low, 1) {
		low = 0
	}
	out := make([]float64, len(data))
	for i, v := range data {
		if math.IsNaN(v) {
			out[i] = low
		} else {
			out[i] = v
		}
	}
	return out
}

// boxMax returns the maximum over the clipped box.
func boxMax(values []float64, plane, nx, clo, chi, ylo, yhi, xlo, xhi int) float64 {
	high := math.Inf(-1)
	for c := clo; c < chi; c++ {
		for y := ylo; y < yhi; y++ {
			row := c*plane + y*nx
			for x := xlo; x < xhi; x++ {
				if values[row+x] > high {
					high = values[row+x]
				}
			}
		}
	}
	return high
}

func flatIndex(p Peak, plane, nx int) int {
	return p.Chan*plane + p.Y*nx + p.X
}
