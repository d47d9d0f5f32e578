// Package render draws density plots, histograms and gate outlines using
// fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/stats"
	"github.com/spectraflow/server/internal/transform"
	"github.com/spectraflow/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Size            int
	DefaultColormap string
}

const ellipseSegments = 72

var (
	gateColor     = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	histogramFill = color.RGBA{R: 64, G: 67, B: 135, A: 255}
)

// Renderer renders plots to PNG.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if _, ok := colormap.ByName(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "jet"
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the default plot edge length in pixels.
func (r *Renderer) Size() int { return r.config.Size }

func (r *Renderer) colormap(name string) colormap.Colormap {
	if c, ok := colormap.ByName(name); ok {
		return c
	}
	c, _ := colormap.ByName(r.config.DefaultColormap)
	return c
}

// axis maps raw channel values to [0, 1] along a scale's display range.
type axis struct {
	sc     *transform.Scale
	lo, hi float64
}

func newAxis(sc *transform.Scale) axis {
	p := sc.Params()
	return axis{sc: sc, lo: sc.Forward(p.Min), hi: sc.Forward(p.Max)}
}

func (a axis) pos(x float64) float64 {
	if a.hi == a.lo {
		return 0
	}
	return (a.sc.Forward(x) - a.lo) / (a.hi - a.lo)
}

// cell folds the off-scale bins of a digitized index into the edge cells.
func cell(i, bins int) int {
	if i <= 0 {
		return 0
	}
	if i >= bins {
		return bins - 2
	}
	return i - 1
}

// Density renders a 2-D histogram with a log colour scale, empty cells
// white, and the outlines of gates drawn over the same axes.
func (r *Renderer) Density(grid stats.Grid, sx, sy *transform.Scale, gates []gating.Gate, colormapName string, size int) ([]byte, error) {
	if size <= 0 {
		size = r.config.Size
	}
	dc := gg.NewContext(size, size)
	dc.SetColor(color.White)
	dc.Clear()

	cmap := r.colormap(colormapName)
	nx, ny := max(sx.Bins()-1, 1), max(sy.Bins()-1, 1)
	if grid.Max > 0 && grid.NX == sx.Bins()+1 && grid.NY == sy.Bins()+1 {
		folded := make([]uint64, nx*ny)
		var peak uint64
		for ix := 0; ix < grid.NX; ix++ {
			for iy := 0; iy < grid.NY; iy++ {
				n := grid.At(ix, iy)
				if n == 0 {
					continue
				}
				idx := cell(ix, sx.Bins())*ny + cell(iy, sy.Bins())
				folded[idx] += n
				peak = max(peak, folded[idx])
			}
		}

		cw, ch := float64(size)/float64(nx), float64(size)/float64(ny)
		logPeak := math.Log1p(float64(peak))
		for ix := 0; ix < nx; ix++ {
			for iy := 0; iy < ny; iy++ {
				n := folded[ix*ny+iy]
				if n == 0 {
					continue
				}
				dc.SetColor(cmap.At(math.Log1p(float64(n)) / logPeak))
				// y grows upwards
				dc.DrawRectangle(float64(ix)*cw, float64(size)-float64(iy+1)*ch, cw, ch)
				dc.Fill()
			}
		}
	}

	ax, ay := newAxis(sx), newAxis(sy)
	for _, g := range gates {
		drawGate(dc, g, ax, ay, float64(size))
	}
	return r.encode(dc.Image())
}

// Histogram renders a 1-D histogram as bars, with range gates on the
// channel drawn as vertical markers.
func (r *Renderer) Histogram(counts []uint64, sc *transform.Scale, gates []gating.Gate, size int) ([]byte, error) {
	if size <= 0 {
		size = r.config.Size
	}
	dc := gg.NewContext(size, size)
	dc.SetColor(color.White)
	dc.Clear()

	n := max(sc.Bins()-1, 1)
	folded := make([]uint64, n)
	var peak uint64
	for i, c := range counts {
		idx := cell(i, sc.Bins())
		if idx >= n {
			continue
		}
		folded[idx] += c
		peak = max(peak, folded[idx])
	}
	if peak > 0 {
		w := float64(size) / float64(n)
		dc.SetColor(histogramFill)
		for i, c := range folded {
			h := float64(c) / float64(peak) * float64(size) * 0.95
			dc.DrawRectangle(float64(i)*w, float64(size)-h, w, h)
		}
		dc.Fill()
	}

	a := newAxis(sc)
	dc.SetColor(gateColor)
	dc.SetLineWidth(1.5)
	for _, g := range gates {
		rg, ok := g.Geometry.(*gating.Range)
		if !ok {
			continue
		}
		for _, x := range []float64{rg.Min, rg.Max} {
			px := a.pos(x) * float64(size)
			dc.DrawLine(px, 0, px, float64(size))
		}
		dc.Stroke()
		dc.DrawString(g.Name, a.pos(rg.Min)*float64(size)+3, 14)
	}
	return r.encode(dc.Image())
}

// OnAxes selects the gates drawn on an x/y plot: two-axis gates over exactly
// x and y, and range gates on x. With y empty only range gates on x are kept.
func OnAxes(gates []gating.Gate, x, y string) []gating.Gate {
	var out []gating.Gate
	for _, g := range gates {
		if g.Geometry == nil {
			continue
		}
		dims := g.Geometry.Dimensions()
		switch {
		case len(dims) == 1 && dims[0] == x:
			out = append(out, g)
		case y != "" && len(dims) == 2 && dims[0] == x && dims[1] == y:
			out = append(out, g)
		}
	}
	return out
}

// drawGate outlines one gate in pixel space.
func drawGate(dc *gg.Context, g gating.Gate, ax, ay axis, size float64) {
	toX := func(v float64) float64 { return ax.pos(v) * size }
	toY := func(v float64) float64 { return size - ay.pos(v)*size }

	dc.SetColor(gateColor)
	dc.SetLineWidth(1.5)
	switch geo := g.Geometry.(type) {
	case *gating.Rectangle:
		x0, x1 := toX(geo.XMin), toX(geo.XMax)
		y0, y1 := toY(geo.YMax), toY(geo.YMin)
		dc.DrawRectangle(x0, y0, x1-x0, y1-y0)
		dc.Stroke()
		dc.DrawString(g.Name, x0+3, y0+14)

	case *gating.Polygon:
		if len(geo.Vertices) < 3 {
			return
		}
		for _, v := range geo.Vertices {
			dc.LineTo(toX(v[0]), toY(v[1]))
		}
		dc.ClosePath()
		dc.Stroke()
		dc.DrawString(g.Name, toX(geo.Vertices[0][0])+3, toY(geo.Vertices[0][1])-3)

	case *gating.Ellipse:
		xs, ys := geo.Outline(ellipseSegments)
		if len(xs) == 0 {
			return
		}
		for i := range xs {
			dc.LineTo(toX(xs[i]), toY(ys[i]))
		}
		dc.ClosePath()
		dc.Stroke()
		dc.DrawString(g.Name, toX(geo.Center[0])+3, toY(geo.Center[1]))

	case *gating.Quadrant:
		x, y := toX(geo.DX), toY(geo.DY)
		dc.DrawLine(x, 0, x, size)
		dc.DrawLine(0, y, size, y)
		dc.Stroke()
		labels := [4][2]float64{
			gating.RegionPP: {size - 4, 14},
			gating.RegionPM: {size - 4, size - 4},
			gating.RegionMP: {4, 14},
			gating.RegionMM: {4, size - 4},
		}
		for i, at := range labels {
			anchor := 0.0
			if at[0] > size/2 {
				anchor = 1
			}
			dc.DrawStringAnchored(geo.Names[i], at[0], at[1], anchor, 0)
		}

	case *gating.Range:
		x0, x1 := toX(geo.Min), toX(geo.Max)
		dc.DrawLine(x0, 0, x0, size)
		dc.DrawLine(x1, 0, x1, size)
		dc.Stroke()
		dc.DrawString(g.Name, x0+3, 14)
	}
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Empty returns a blank transparent plot.
func (r *Renderer) Empty(size int) ([]byte, error) {
	if size <= 0 {
		size = r.config.Size
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
		img.Pix[i+1] = 255
		img.Pix[i+2] = 255
		img.Pix[i+3] = 0
	}
	return r.encode(img)
}
