package gating

import (
	"fmt"
)

// Spec is the wire form of a gate.
type Spec struct {
	Name     string   `json:"name"`
	Parent   string   `json:"parent,omitempty"`
	Kind     Kind     `json:"kind"`
	Channels []string `json:"channels"`

	// range: Min[0]/Max[0]; rectangle: one entry per axis
	Min []float64 `json:"min,omitempty"`
	Max []float64 `json:"max,omitempty"`

	Vertices [][2]float64 `json:"vertices,omitempty"`

	Center     [2]float64 `json:"center,omitempty"`
	Covariance [4]float64 `json:"covariance,omitempty"`
	Threshold  float64    `json:"threshold,omitempty"`

	Dividers [2]float64 `json:"dividers,omitempty"`
	Regions  []string   `json:"regions,omitempty"`
}

// ToSpec converts a gate to its wire form.
func ToSpec(g Gate) Spec {
	s := Spec{Name: g.Name, Parent: g.Parent, Kind: g.Geometry.Kind(), Channels: g.Geometry.Dimensions()}
	switch v := g.Geometry.(type) {
	case *Range:
		s.Min, s.Max = []float64{v.Min}, []float64{v.Max}
	case *Rectangle:
		s.Min, s.Max = []float64{v.XMin, v.YMin}, []float64{v.XMax, v.YMax}
	case *Polygon:
		s.Vertices = append([][2]float64(nil), v.Vertices...)
	case *Ellipse:
		s.Center, s.Covariance, s.Threshold = v.Center, v.Covariance, v.Threshold
	case *Quadrant:
		s.Dividers = [2]float64{v.DX, v.DY}
		s.Regions = append([]string(nil), v.Names[:]...)
	}
	return s
}

// Gate converts the wire form back to a gate. Geometry is validated when the
// gate is added to a hierarchy.
func (s Spec) Gate() (Gate, error) {
	geo, err := s.geometry()
	if err != nil {
		return Gate{}, err
	}
	return Gate{Name: s.Name, Parent: s.Parent, Geometry: geo}, nil
}

func (s Spec) geometry() (Geometry, error) {
	want := 2
	if s.Kind == KindRange {
		want = 1
	}
	if len(s.Channels) != want {
		return nil, fmt.Errorf("%w: %s gate needs %d channels, got %d", ErrInvalidGeometry, s.Kind, want, len(s.Channels))
	}

	switch s.Kind {
	case KindRange:
		if len(s.Min) != 1 || len(s.Max) != 1 {
			return nil, fmt.Errorf("%w: range needs one min and one max", ErrInvalidGeometry)
		}
		return &Range{Channel: s.Channels[0], Min: s.Min[0], Max: s.Max[0]}, nil
	case KindRectangle:
		if len(s.Min) != 2 || len(s.Max) != 2 {
			return nil, fmt.Errorf("%w: rectangle needs two min and two max values", ErrInvalidGeometry)
		}
		return &Rectangle{
			X: s.Channels[0], Y: s.Channels[1],
			XMin: s.Min[0], XMax: s.Max[0],
			YMin: s.Min[1], YMax: s.Max[1],
		}, nil
	case KindPolygon:
		return &Polygon{X: s.Channels[0], Y: s.Channels[1], Vertices: s.Vertices}, nil
	case KindEllipse:
		return &Ellipse{
			X: s.Channels[0], Y: s.Channels[1],
			Center: s.Center, Covariance: s.Covariance, Threshold: s.Threshold,
		}, nil
	case KindQuadrant:
		q := &Quadrant{X: s.Channels[0], Y: s.Channels[1], DX: s.Dividers[0], DY: s.Dividers[1]}
		if len(s.Regions) > 0 {
			if len(s.Regions) != 4 {
				return nil, fmt.Errorf("%w: quadrant needs 4 region names, got %d", ErrInvalidGeometry, len(s.Regions))
			}
			copy(q.Names[:], s.Regions)
		}
		return q, nil
	}
	return nil, fmt.Errorf("%w: unknown gate kind %q", ErrInvalidGeometry, s.Kind)
}
