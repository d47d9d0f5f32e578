// Package geom holds the geometric predicates behind every gate kind.
//
// All predicates work in raw data coordinates and count points on a boundary
// as inside.
package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate is returned for shapes that enclose no area.
var ErrDegenerate = errors.New("degenerate shape")

// InRange reports min <= x <= max.
func InRange(x, min, max float64) bool {
	return x >= min && x <= max
}

// InBox reports whether (x, y) lies in the closed box.
func InBox(x, y, xmin, xmax, ymin, ymax float64) bool {
	return x >= xmin && x <= xmax && y >= ymin && y <= ymax
}

// Quadrant classifies a point against two dividers. A coordinate equal to
// its divider is on the positive side.
func Quadrant(x, y, dx, dy float64) (xPositive, yPositive bool) {
	return x >= dx, y >= dy
}

// Polygon is a closed polygon given by its vertices in order.
type Polygon struct {
	X, Y []float64
}

// NewPolygon validates the vertex list.
func NewPolygon(xs, ys []float64) (Polygon, error) {
	if len(xs) != len(ys) {
		return Polygon{}, fmt.Errorf("polygon has %d x and %d y coordinates", len(xs), len(ys))
	}
	if len(xs) < 3 {
		return Polygon{}, fmt.Errorf("%w: polygon needs 3 vertices, got %d", ErrDegenerate, len(xs))
	}
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
			return Polygon{}, fmt.Errorf("polygon vertex %d is NaN", i)
		}
	}
	return Polygon{X: append([]float64(nil), xs...), Y: append([]float64(nil), ys...)}, nil
}

// Contains uses even-odd ray casting; points on an edge are inside.
func (p Polygon) Contains(x, y float64) bool {
	n := len(p.X)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := p.X[i], p.Y[i]
		xj, yj := p.X[j], p.Y[j]
		if onSegment(x, y, xi, yi, xj, yj) {
			return true
		}
		if (yi > y) != (yj > y) {
			cross := (xj-xi)*(y-yi)/(yj-yi) + xi
			if x < cross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(x, y, x1, y1, x2, y2 float64) bool {
	cross := (x2-x1)*(y-y1) - (y2-y1)*(x-x1)
	scale := math.Max(math.Abs(x2-x1), math.Abs(y2-y1))
	if math.Abs(cross) > 1e-12*math.Max(scale*scale, 1) {
		return false
	}
	return x >= math.Min(x1, x2) && x <= math.Max(x1, x2) &&
		y >= math.Min(y1, y2) && y <= math.Max(y1, y2)
}

// Ellipse is the set of points whose squared Mahalanobis distance from the
// center, under the given covariance, is at most Threshold.
type Ellipse struct {
	CX, CY     float64
	Covariance [4]float64 // row-major 2x2
	Threshold  float64

	inv [4]float64
}

// NewEllipse inverts the covariance once.
func NewEllipse(cx, cy float64, cov [4]float64, threshold float64) (*Ellipse, error) {
	if !(threshold > 0) {
		return nil, fmt.Errorf("%w: ellipse threshold must be positive", ErrDegenerate)
	}
	if cov[1] != cov[2] {
		return nil, fmt.Errorf("ellipse covariance must be symmetric")
	}
	c := mat.NewDense(2, 2, cov[:])
	var inv mat.Dense
	if err := inv.Inverse(c); err != nil {
		return nil, fmt.Errorf("%w: covariance not invertible: %v", ErrDegenerate, err)
	}
	if mat.Det(c) <= 0 || cov[0] <= 0 {
		return nil, fmt.Errorf("%w: covariance must be positive definite", ErrDegenerate)
	}
	e := &Ellipse{CX: cx, CY: cy, Covariance: cov, Threshold: threshold}
	e.inv = [4]float64{inv.At(0, 0), inv.At(0, 1), inv.At(1, 0), inv.At(1, 1)}
	return e, nil
}

// Distance returns the squared Mahalanobis distance of (x, y).
func (e *Ellipse) Distance(x, y float64) float64 {
	dx, dy := x-e.CX, y-e.CY
	return dx*(e.inv[0]*dx+e.inv[1]*dy) + dy*(e.inv[2]*dx+e.inv[3]*dy)
}

// Contains reports Distance(x, y) <= Threshold.
func (e *Ellipse) Contains(x, y float64) bool {
	return e.Distance(x, y) <= e.Threshold
}

// Outline returns n points on the ellipse boundary, for drawing.
func (e *Ellipse) Outline(n int) (xs, ys []float64) {
	var eig mat.EigenSym
	sym := mat.NewSymDense(2, []float64{e.Covariance[0], e.Covariance[1], e.Covariance[2], e.Covariance[3]})
	if !eig.Factorize(sym, true) {
		return nil, nil
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	r := math.Sqrt(e.Threshold)
	a0, a1 := r*math.Sqrt(vals[0]), r*math.Sqrt(vals[1])
	xs = make([]float64, n)
	ys = make([]float64, n)
	for i := 0; i < n; i++ {
		t := 2 * math.Pi * float64(i) / float64(n)
		u, v := a0*math.Cos(t), a1*math.Sin(t)
		xs[i] = e.CX + vecs.At(0, 0)*u + vecs.At(0, 1)*v
		ys[i] = e.CY + vecs.At(1, 0)*u + vecs.At(1, 1)*v
	}
	return xs, ys
}
