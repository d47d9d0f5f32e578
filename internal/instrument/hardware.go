// Package instrument polls the acquisition hardware and feeds raw trace
// blocks into the traces ring buffer.
package instrument

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"sync"
)

// Hardware is the narrow interface to an acquisition board.
//
// ReadAvailable returns whatever raw bytes the board has buffered since the
// previous call: little-endian int16 samples, trace after trace, each trace
// laid out channel-major. A call may end in the middle of a trace.
type Hardware interface {
	Connect(ctx context.Context) error
	Start() error
	Stop() error
	ReadAvailable() ([]byte, error)
}

// DummyConfig configures the synthetic waveform generator.
type DummyConfig struct {
	HardwareChannels int
	SamplesPerEvent  int
	MaxBatch         int // upper bound of traces per ReadAvailable
	Seed             int64
	FailConnect      bool
}

// DummyHardware synthesises Gaussian pulses with baseline noise.
type DummyHardware struct {
	cfg DummyConfig

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool
	started   bool
}

// NewDummyHardware returns a generator; MaxBatch defaults to 64.
func NewDummyHardware(cfg DummyConfig) *DummyHardware {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	return &DummyHardware{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (d *DummyHardware) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.cfg.FailConnect {
		return errors.New("dummy board not present")
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *DummyHardware) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return errors.New("dummy board not connected")
	}
	d.started = true
	return nil
}

func (d *DummyHardware) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

// ReadAvailable returns a random number of whole traces.
func (d *DummyHardware) ReadAvailable() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil, nil
	}

	n := d.rng.Intn(d.cfg.MaxBatch + 1)
	samples := d.cfg.SamplesPerEvent
	width := d.cfg.HardwareChannels * samples
	out := make([]byte, n*width*2)

	for e := 0; e < n; e++ {
		center := float64(samples)/2 + d.rng.NormFloat64()*float64(samples)/40
		sigma := float64(samples) / 10 * (0.5 + d.rng.Float64())
		for c := 0; c < d.cfg.HardwareChannels; c++ {
			amp := 200 + d.rng.Float64()*20000
			for s := 0; s < samples; s++ {
				dx := (float64(s) - center) / sigma
				v := amp*math.Exp(-0.5*dx*dx) + d.rng.NormFloat64()*20
				idx := ((e*width + c*samples + s) * 2)
				binary.LittleEndian.PutUint16(out[idx:], uint16(clampInt16(v)))
			}
		}
	}
	return out, nil
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// DecodeSamples converts little-endian int16 samples to float64.
func DecodeSamples(raw []byte) []float64 {
	out := make([]float64, len(raw)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}
	return out
}
