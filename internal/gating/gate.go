// Package gating defines the gate kinds and the gating hierarchy.
//
// The set of geometries is closed: Geometry has an unexported method, so only
// the five kinds in this package implement it, and every switch over them in
// this package and its callers is checked against Kind.
package gating

import (
	"errors"
	"fmt"
	"math"

	"github.com/spectraflow/server/internal/geom"
)

// Kind names a gate geometry.
type Kind string

const (
	KindRange     Kind = "range"
	KindRectangle Kind = "rectangle"
	KindPolygon   Kind = "polygon"
	KindEllipse   Kind = "ellipse"
	KindQuadrant  Kind = "quadrant"
)

var (
	ErrDuplicateName   = errors.New("gate name already in use")
	ErrMissingParent   = errors.New("parent gate does not exist")
	ErrUnknownGate     = errors.New("unknown gate")
	ErrInvalidGeometry = errors.New("invalid gate geometry")
	ErrAxisScope       = errors.New("gate axis not available in this view")
)

// Geometry is a gate's predicate over one or two channels, in raw data
// coordinates.
type Geometry interface {
	Kind() Kind
	// Dimensions lists the channel of each axis.
	Dimensions() []string
	// Regions returns the region count; 1 for all kinds but quadrants.
	Regions() int
	// Classify writes one membership flag per region for point, which holds
	// one value per dimension.
	Classify(point []float64, out []bool)

	validate() error
}

// Range is a one-axis interval gate.
type Range struct {
	Channel  string
	Min, Max float64
}

func (g *Range) Kind() Kind           { return KindRange }
func (g *Range) Dimensions() []string { return []string{g.Channel} }
func (g *Range) Regions() int         { return 1 }
func (g *Range) Classify(p []float64, out []bool) {
	out[0] = geom.InRange(p[0], g.Min, g.Max)
}

func (g *Range) validate() error {
	if g.Channel == "" {
		return fmt.Errorf("%w: range needs a channel", ErrInvalidGeometry)
	}
	if !(g.Max >= g.Min) {
		return fmt.Errorf("%w: range [%g, %g] is empty", ErrInvalidGeometry, g.Min, g.Max)
	}
	return nil
}

// Rectangle is an axis-aligned box over two channels.
type Rectangle struct {
	X, Y       string
	XMin, XMax float64
	YMin, YMax float64
}

func (g *Rectangle) Kind() Kind           { return KindRectangle }
func (g *Rectangle) Dimensions() []string { return []string{g.X, g.Y} }
func (g *Rectangle) Regions() int         { return 1 }
func (g *Rectangle) Classify(p []float64, out []bool) {
	out[0] = geom.InBox(p[0], p[1], g.XMin, g.XMax, g.YMin, g.YMax)
}

func (g *Rectangle) validate() error {
	if err := twoAxes(g.X, g.Y); err != nil {
		return err
	}
	if !(g.XMax >= g.XMin) || !(g.YMax >= g.YMin) {
		return fmt.Errorf("%w: rectangle has inverted bounds", ErrInvalidGeometry)
	}
	return nil
}

// Polygon is a closed polygon over two channels.
type Polygon struct {
	X, Y     string
	Vertices [][2]float64

	shape geom.Polygon
}

func (g *Polygon) Kind() Kind           { return KindPolygon }
func (g *Polygon) Dimensions() []string { return []string{g.X, g.Y} }
func (g *Polygon) Regions() int         { return 1 }
func (g *Polygon) Classify(p []float64, out []bool) {
	out[0] = g.shape.Contains(p[0], p[1])
}

func (g *Polygon) validate() error {
	if err := twoAxes(g.X, g.Y); err != nil {
		return err
	}
	xs := make([]float64, len(g.Vertices))
	ys := make([]float64, len(g.Vertices))
	for i, v := range g.Vertices {
		xs[i], ys[i] = v[0], v[1]
	}
	shape, err := geom.NewPolygon(xs, ys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	g.shape = shape
	return nil
}

// Ellipse accepts points within Threshold squared Mahalanobis distance.
type Ellipse struct {
	X, Y       string
	Center     [2]float64
	Covariance [4]float64
	Threshold  float64

	shape *geom.Ellipse
}

func (g *Ellipse) Kind() Kind           { return KindEllipse }
func (g *Ellipse) Dimensions() []string { return []string{g.X, g.Y} }
func (g *Ellipse) Regions() int         { return 1 }
func (g *Ellipse) Classify(p []float64, out []bool) {
	out[0] = g.shape.Contains(p[0], p[1])
}

func (g *Ellipse) validate() error {
	if err := twoAxes(g.X, g.Y); err != nil {
		return err
	}
	shape, err := geom.NewEllipse(g.Center[0], g.Center[1], g.Covariance, g.Threshold)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	g.shape = shape
	return nil
}

// Outline returns boundary points for drawing.
func (g *Ellipse) Outline(n int) (xs, ys []float64) {
	if g.shape == nil {
		return nil, nil
	}
	return g.shape.Outline(n)
}

// Quadrant region indices.
const (
	RegionPP = iota // x+, y+
	RegionPM        // x+, y-
	RegionMP        // x-, y+
	RegionMM        // x-, y-
)

var regionSuffix = [4]string{"+,+", "+,-", "-,+", "-,-"}

// Quadrant splits two channels into four named regions. A coordinate equal
// to its divider counts as positive, so a point on both dividers is in +,+.
type Quadrant struct {
	X, Y   string
	DX, DY float64
	// Names of the regions in RegionPP..RegionMM order. Empty names are
	// filled in when the gate joins a hierarchy.
	Names [4]string
}

func (g *Quadrant) Kind() Kind           { return KindQuadrant }
func (g *Quadrant) Dimensions() []string { return []string{g.X, g.Y} }
func (g *Quadrant) Regions() int         { return 4 }
func (g *Quadrant) Classify(p []float64, out []bool) {
	xp, yp := geom.Quadrant(p[0], p[1], g.DX, g.DY)
	out[RegionPP] = xp && yp
	out[RegionPM] = xp && !yp
	out[RegionMP] = !xp && yp
	out[RegionMM] = !xp && !yp
}

func (g *Quadrant) validate() error {
	if err := twoAxes(g.X, g.Y); err != nil {
		return err
	}
	if math.IsNaN(g.DX) || math.IsNaN(g.DY) {
		return fmt.Errorf("%w: quadrant divider is NaN", ErrInvalidGeometry)
	}
	seen := map[string]bool{}
	for _, n := range g.Names {
		if n == "" {
			continue
		}
		if seen[n] {
			return fmt.Errorf("%w: quadrant region %q named twice", ErrDuplicateName, n)
		}
		seen[n] = true
	}
	return nil
}

// DefaultRegionName names a quadrant region after its gate.
func DefaultRegionName(gate string, region int) string {
	return gate + " " + regionSuffix[region]
}

func (g *Quadrant) fillNames(gate string) {
	for i := range g.Names {
		if g.Names[i] == "" {
			g.Names[i] = DefaultRegionName(gate, i)
		}
	}
}

func twoAxes(x, y string) error {
	if x == "" || y == "" {
		return fmt.Errorf("%w: two channels required", ErrInvalidGeometry)
	}
	if x == y {
		return fmt.Errorf("%w: both axes use %q", ErrInvalidGeometry, x)
	}
	return nil
}

// Gate is a named geometry attached to a parent mask key ("" for the root).
type Gate struct {
	Name     string
	Parent   string
	Geometry Geometry
}

// cloneGeometry deep-copies g so a hierarchy never shares geometry with its
// caller.
func cloneGeometry(g Geometry) Geometry {
	switch v := g.(type) {
	case *Range:
		c := *v
		return &c
	case *Rectangle:
		c := *v
		return &c
	case *Polygon:
		c := *v
		c.Vertices = append([][2]float64(nil), v.Vertices...)
		return &c
	case *Ellipse:
		c := *v
		return &c
	case *Quadrant:
		c := *v
		return &c
	}
	panic(fmt.Sprintf("gating: unhandled geometry %T", g))
}
