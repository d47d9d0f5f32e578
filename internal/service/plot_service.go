// Package service provides the plot and comparison logic behind the HTTP
// surface.
package service

import (
	"fmt"
	"sort"

	"github.com/spectraflow/server/internal/cache"
	"github.com/spectraflow/server/internal/controller"
	"github.com/spectraflow/server/internal/render"
)

// PlotService renders density plots and histograms of the controller's
// views, caching PNGs by view epoch.
type PlotService struct {
	ctrl     *controller.Controller
	cache    *cache.Manager
	renderer *render.Renderer
}

// NewPlotService creates a plot service. cache may be nil.
func NewPlotService(ctrl *controller.Controller, c *cache.Manager, r *render.Renderer) *PlotService {
	return &PlotService{ctrl: ctrl, cache: c, renderer: r}
}

// PlotRequest selects one plot.
type PlotRequest struct {
	View     string
	X, Y     string // Y empty for a histogram
	Gate     string // mask key; empty for all events
	Colormap string
	Size     int
}

// Render returns the PNG of a plot and whether it came from the cache.
func (s *PlotService) Render(req PlotRequest) ([]byte, bool, error) {
	if req.Size <= 0 {
		req.Size = s.renderer.Size()
	}
	epoch, err := s.ctrl.Epoch(req.View)
	if err != nil {
		return nil, false, err
	}
	key := cache.PlotKey(req.View, req.X, req.Y, req.Gate, req.Colormap, req.Size, epoch)
	if s.cache != nil {
		if data, ok := s.cache.GetPlot(key); ok {
			return data, true, nil
		}
	}

	gates, err := s.ctrl.Gates(req.View)
	if err != nil {
		return nil, false, err
	}
	gates = render.OnAxes(gates, req.X, req.Y)

	var data []byte
	if req.Y == "" {
		counts, sc, err := s.ctrl.Histogram1D(req.View, req.X, req.Gate)
		if err != nil {
			return nil, false, err
		}
		data, err = s.renderer.Histogram(counts, sc, gates, req.Size)
		if err != nil {
			return nil, false, fmt.Errorf("failed to render histogram: %w", err)
		}
	} else {
		grid, sx, sy, err := s.ctrl.Histogram2D(req.View, req.X, req.Y, req.Gate)
		if err != nil {
			return nil, false, err
		}
		data, err = s.renderer.Density(grid, sx, sy, gates, req.Colormap, req.Size)
		if err != nil {
			return nil, false, fmt.Errorf("failed to render density plot: %w", err)
		}
	}

	if s.cache != nil {
		s.cache.SetPlot(key, data)
	}
	return data, false, nil
}

// EventPoint is one event of a scatter sample.
type EventPoint struct {
	ID uint64  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// PointsResult is a bounded sample of the events of a gate.
type PointsResult struct {
	Points     []EventPoint `json:"points"`
	TotalCount int          `json:"total_count"`
	Truncated  bool         `json:"truncated"`
}

// Points returns up to limit events of a gate on x/y. The subset depends only
// on the event ids and seed, so it is stable while data is appended.
func (s *PlotService) Points(view, x, y, gate string, limit int, seed int64) (PointsResult, error) {
	ids, xs, ys, err := s.ctrl.Points(view, x, y, gate)
	if err != nil {
		return PointsResult{}, err
	}
	points := make([]EventPoint, len(ids))
	for i := range ids {
		points[i] = EventPoint{ID: uint64(ids[i]), X: xs[i], Y: ys[i]}
	}
	res := PointsResult{TotalCount: len(points)}
	if limit > 0 && len(points) > limit {
		points = deterministicSample(points, limit, seed)
		res.Truncated = true
	}
	res.Points = points
	return res, nil
}

// eventHash mixes an event id with a seed (splitmix64 finaliser).
func eventHash(seed int64, id uint64) uint64 {
	z := id + uint64(seed)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// deterministicSample keeps the k points with the smallest hashes, in their
// original order.
func deterministicSample(points []EventPoint, k int, seed int64) []EventPoint {
	if k <= 0 {
		return []EventPoint{}
	}
	if k >= len(points) {
		return points
	}
	type ranked struct {
		idx  int
		hash uint64
	}
	r := make([]ranked, len(points))
	for i, p := range points {
		r[i] = ranked{idx: i, hash: eventHash(seed, p.ID)}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].hash < r[j].hash })
	r = r[:k]
	sort.Slice(r, func(i, j int) bool { return r[i].idx < r[j].idx })

	out := make([]EventPoint, k)
	for i, e := range r {
		out[i] = points[e.idx]
	}
	return out
}
