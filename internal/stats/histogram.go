package stats

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/spectraflow/server/internal/transform"
)

// Histogram1D counts masked values per scale bin. A nil mask counts all.
func Histogram1D(sc *transform.Scale, xs []float64, mask []bool) []uint64 {
	out := make([]uint64, sc.Bins()+1)
	for i, x := range xs {
		if mask != nil && !mask[i] {
			continue
		}
		out[sc.Digitize(x)]++
	}
	return out
}

// Grid is a 2-D histogram; Counts[ix*NY+iy].
type Grid struct {
	NX, NY int
	Counts []uint64
	Max    uint64
}

// At returns the count of a cell.
func (g Grid) At(ix, iy int) uint64 { return g.Counts[ix*g.NY+iy] }

// Add accumulates other into g; both must share dimensions.
func (g *Grid) Add(other Grid) {
	for i, c := range other.Counts {
		g.Counts[i] += c
		if g.Counts[i] > g.Max {
			g.Max = g.Counts[i]
		}
	}
}

// Histogram2D counts masked events per bin pair. A nil mask counts all.
func Histogram2D(sx, sy *transform.Scale, xs, ys []float64, mask []bool) Grid {
	g := Grid{NX: sx.Bins() + 1, NY: sy.Bins() + 1}
	g.Counts = make([]uint64, g.NX*g.NY)
	for i := range xs {
		if mask != nil && !mask[i] {
			continue
		}
		idx := sx.Digitize(xs[i])*g.NY + sy.Digitize(ys[i])
		g.Counts[idx]++
		if g.Counts[idx] > g.Max {
			g.Max = g.Counts[idx]
		}
	}
	return g
}

// Median returns the empirical median (the lower middle value for an even
// count) of the masked values. ok is false when no value is selected.
func Median(xs []float64, mask []bool) (median float64, ok bool) {
	sel := make([]float64, 0, len(xs))
	for i, x := range xs {
		if mask == nil || mask[i] {
			sel = append(sel, x)
		}
	}
	if len(sel) == 0 {
		return 0, false
	}
	sort.Float64s(sel)
	return stat.Quantile(0.5, stat.Empirical, sel, nil), true
}
