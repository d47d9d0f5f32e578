// Package colormap maps normalized event densities to plot colors.
package colormap

import (
	"image/color"
	"sort"
)

// Colormap maps a value in [0, 1] to a color.
type Colormap interface {
	At(t float64) color.Color
}

// Stop is one anchor of a gradient.
type Stop struct {
	Pos   float64
	Color color.RGBA
}

// Gradient interpolates linearly between stops ordered by Pos, the first at
// 0 and the last at 1.
type Gradient []Stop

// At returns the color at t, clamped to the end stops.
func (g Gradient) At(t float64) color.Color {
	if t <= g[0].Pos {
		return g[0].Color
	}
	last := len(g) - 1
	if t >= g[last].Pos {
		return g[last].Color
	}
	// First stop strictly above t; t lies in [g[i-1].Pos, g[i].Pos).
	i := sort.Search(len(g), func(i int) bool { return g[i].Pos > t })
	lo, hi := g[i-1], g[i]
	return mix(lo.Color, hi.Color, (t-lo.Pos)/(hi.Pos-lo.Pos))
}

func mix(a, b color.RGBA, f float64) color.RGBA {
	ch := func(x, y uint8) uint8 {
		return uint8(float64(x) + f*(float64(y)-float64(x)) + 0.5)
	}
	return color.RGBA{R: ch(a.R, b.R), G: ch(a.G, b.G), B: ch(a.B, b.B), A: 255}
}

// evenly spaces colors over [0, 1].
func evenly(colors ...color.RGBA) Gradient {
	g := make(Gradient, len(colors))
	for i, c := range colors {
		g[i] = Stop{Pos: float64(i) / float64(len(colors)-1), Color: c}
	}
	return g
}

// Jet is the usual density scale of cytometry dot plots.
var Jet = Gradient{
	{0, color.RGBA{0, 0, 143, 255}},
	{0.125, color.RGBA{0, 0, 255, 255}},
	{0.375, color.RGBA{0, 255, 255, 255}},
	{0.625, color.RGBA{255, 255, 0, 255}},
	{0.875, color.RGBA{255, 0, 0, 255}},
	{1, color.RGBA{127, 0, 0, 255}},
}

// Viridis is a perceptually uniform scale, coarsened to five anchors.
var Viridis = evenly(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{59, 82, 139, 255},
	color.RGBA{33, 145, 140, 255},
	color.RGBA{94, 201, 98, 255},
	color.RGBA{253, 231, 37, 255},
)

// Hot runs through black, red and yellow to white.
var Hot = Gradient{
	{0, color.RGBA{10, 0, 0, 255}},
	{0.375, color.RGBA{255, 0, 0, 255}},
	{0.75, color.RGBA{255, 255, 0, 255}},
	{1, color.RGBA{255, 255, 255, 255}},
}

// Gray runs from light gray to black, for print.
var Gray = evenly(color.RGBA{220, 220, 220, 255}, color.RGBA{0, 0, 0, 255})

var byName = map[string]Colormap{
	"jet":     Jet,
	"viridis": Viridis,
	"hot":     Hot,
	"gray":    Gray,
}

// ByName returns a named colormap.
func ByName(name string) (Colormap, bool) {
	c, ok := byName[name]
	return c, ok
}

// Names lists the colormap names.
func Names() []string {
	out := make([]string, 0, len(byName))
	for n := range byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
