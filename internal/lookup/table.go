// Package lookup precomputes gate membership over every bin combination of
// a gate's axes, so evaluating an event is a digitize plus an index.
package lookup

import (
	"errors"
	"fmt"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/transform"
)

// ErrMissingScale is returned when a gate axis has no scale in the view.
var ErrMissingScale = errors.New("no scale for gate axis")

// Table is an immutable membership table for one gate. For two axes the
// flat index is ix*(Dims[1]) + iy.
type Table struct {
	Gate     string
	Kind     gating.Kind
	Channels []string
	Versions []uint64
	Dims     []int
	// One flag slice per region; len 1 except for quadrants.
	Regions [][]bool
	// Split is, per axis, the bin holding a quadrant divider; nil for other
	// kinds. Events in those bins are classified from their raw values.
	Split []int

	source gating.Geometry
}

// Size is the number of cells per region.
func (t *Table) Size() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Index combines per-axis bin indices, clamping each into range.
func (t *Table) Index(bins ...int) int {
	idx := 0
	for a, b := range bins {
		d := t.Dims[a]
		if b < 0 {
			b = 0
		} else if b >= d {
			b = d - 1
		}
		idx = idx*d + b
	}
	return idx
}

// Classify writes the region flags of one event given its raw values and
// bins. Events on a quadrant divider bin are resolved against the divider.
func (t *Table) Classify(point []float64, bins []int, out []bool) {
	if t.Split != nil {
		for a, b := range bins {
			if b == t.Split[a] {
				t.source.Classify(point, out)
				return
			}
		}
	}
	idx := t.Index(bins...)
	for r := range out {
		out[r] = t.Regions[r][idx]
	}
}

// Current reports whether the table matches geo and the scales in set.
func (t *Table) Current(geo gating.Geometry, set transform.Set) bool {
	if t.source != geo {
		return false
	}
	for i, ch := range t.Channels {
		sc, ok := set.Get(ch)
		if !ok || sc.Version() != t.Versions[i] {
			return false
		}
	}
	return true
}

// Build evaluates geo at the sample point of every bin combination.
func Build(name string, geo gating.Geometry, set transform.Set) (*Table, error) {
	dims := geo.Dimensions()
	t := &Table{
		Gate:     name,
		Kind:     geo.Kind(),
		Channels: dims,
		Versions: make([]uint64, len(dims)),
		Dims:     make([]int, len(dims)),
		source:   geo,
	}
	samples := make([][]float64, len(dims))
	for i, ch := range dims {
		sc, ok := set.Get(ch)
		if !ok {
			return nil, fmt.Errorf("%w: gate %q, channel %q", ErrMissingScale, name, ch)
		}
		samples[i] = sc.SamplePoints()
		t.Versions[i] = sc.Version()
		t.Dims[i] = sc.Bins() + 1
	}
	if q, ok := geo.(*gating.Quadrant); ok {
		sx, _ := set.Get(q.X)
		sy, _ := set.Get(q.Y)
		t.Split = []int{sx.Digitize(q.DX), sy.Digitize(q.DY)}
	}

	size := t.Size()
	t.Regions = make([][]bool, geo.Regions())
	for r := range t.Regions {
		t.Regions[r] = make([]bool, size)
	}
	out := make([]bool, geo.Regions())

	switch len(dims) {
	case 1:
		point := make([]float64, 1)
		for i, x := range samples[0] {
			point[0] = x
			geo.Classify(point, out)
			for r, v := range out {
				t.Regions[r][i] = v
			}
		}
	case 2:
		point := make([]float64, 2)
		ny := t.Dims[1]
		for i, x := range samples[0] {
			point[0] = x
			for j, y := range samples[1] {
				point[1] = y
				geo.Classify(point, out)
				for r, v := range out {
					t.Regions[r][i*ny+j] = v
				}
			}
		}
	default:
		return nil, fmt.Errorf("gate %q has %d axes", name, len(dims))
	}
	return t, nil
}
