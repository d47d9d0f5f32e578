// Package analyser turns raw trace blocks into per-event feature records.
package analyser

import (
	"fmt"
)

// Role selects which feature is extracted from a hardware channel.
type Role string

const (
	RoleArea   Role = "area"
	RoleHeight Role = "height"
	RoleWidth  Role = "width"
)

// Fixed leading columns of every event record.
const (
	ColTime    = 0
	ColEventID = 1
	NumFixed   = 2
)

// Channel maps one event column to a hardware channel and a feature.
type Channel struct {
	Name     string `json:"name" yaml:"name"`
	Hardware int    `json:"hardware" yaml:"hardware"`
	Role     Role   `json:"role" yaml:"role"`
}

// Layout describes trace geometry and the event record built from it.
type Layout struct {
	HardwareChannels int       `json:"hardware_channels"`
	SamplesPerEvent  int       `json:"samples_per_event"`
	SampleRate       float64   `json:"sample_rate_hz"`
	Channels         []Channel `json:"channels"`
}

// Validate checks the channel assignments against the trace geometry.
func (l Layout) Validate() error {
	if l.HardwareChannels <= 0 || l.SamplesPerEvent <= 0 {
		return fmt.Errorf("invalid trace geometry %dx%d", l.HardwareChannels, l.SamplesPerEvent)
	}
	if l.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %g", l.SampleRate)
	}
	if len(l.Channels) == 0 {
		return fmt.Errorf("no event channels configured")
	}
	seen := make(map[string]bool, len(l.Channels))
	for _, c := range l.Channels {
		if c.Name == "" {
			return fmt.Errorf("event channel with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate event channel %q", c.Name)
		}
		seen[c.Name] = true
		if c.Hardware < 0 || c.Hardware >= l.HardwareChannels {
			return fmt.Errorf("channel %q uses hardware channel %d of %d", c.Name, c.Hardware, l.HardwareChannels)
		}
		switch c.Role {
		case RoleArea, RoleHeight, RoleWidth:
		default:
			return fmt.Errorf("channel %q has unknown role %q", c.Name, c.Role)
		}
	}
	return nil
}

// TraceWidth is the number of samples in one trace record.
func (l Layout) TraceWidth() int { return l.HardwareChannels * l.SamplesPerEvent }

// EventWidth is the number of values in one event record.
func (l Layout) EventWidth() int { return NumFixed + len(l.Channels) }

// Columns names every event column in record order.
func (l Layout) Columns() []string {
	cols := make([]string, 0, l.EventWidth())
	cols = append(cols, "Time", "EventID")
	for _, c := range l.Channels {
		cols = append(cols, c.Name)
	}
	return cols
}

// Extract computes one event record per trace. traces holds whole trace
// records back to back; ids start at firstID and every event of the block is
// stamped with elapsed (seconds since acquisition start).
func Extract(traces []float64, l Layout, firstID uint64, elapsed float64) []float64 {
	tw := l.TraceWidth()
	ew := l.EventWidth()
	n := len(traces) / tw
	out := make([]float64, n*ew)
	// pulse width in microseconds per sample
	usPerSample := 1e6 / l.SampleRate

	for e := 0; e < n; e++ {
		trace := traces[e*tw : (e+1)*tw]
		rec := out[e*ew : (e+1)*ew]
		rec[ColTime] = elapsed
		rec[ColEventID] = float64(firstID + uint64(e))
		for i, c := range l.Channels {
			samples := trace[c.Hardware*l.SamplesPerEvent : (c.Hardware+1)*l.SamplesPerEvent]
			switch c.Role {
			case RoleArea:
				rec[NumFixed+i] = area(samples)
			case RoleHeight:
				rec[NumFixed+i] = height(samples)
			case RoleWidth:
				rec[NumFixed+i] = float64(PulseWidth(samples)) * usPerSample
			}
		}
	}
	return out
}

func area(s []float64) float64 {
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum
}

func height(s []float64) float64 {
	max := s[0]
	for _, v := range s[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// PulseWidth returns the number of samples from the first sample at or above
// half the peak to the first sample after the peak that falls below it.
// A pulse that never falls back below half height extends to the end of the
// trace; a trace whose peak is not positive has width 0.
func PulseWidth(s []float64) int {
	if len(s) == 0 {
		return 0
	}
	peakIdx := 0
	for i, v := range s {
		if v > s[peakIdx] {
			peakIdx = i
		}
	}
	peak := s[peakIdx]
	if peak <= 0 {
		return 0
	}
	half := peak / 2

	rising := peakIdx
	for i := 0; i <= peakIdx; i++ {
		if s[i] >= half {
			rising = i
			break
		}
	}
	falling := len(s)
	for i := peakIdx + 1; i < len(s); i++ {
		if s[i] < half {
			falling = i
			break
		}
	}
	return falling - rising
}
