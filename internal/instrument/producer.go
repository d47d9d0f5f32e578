package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spectraflow/server/internal/ipc"
	"github.com/spectraflow/server/internal/shmring"
)

// State is the producer lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateAcquiring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateAcquiring:
		return "acquiring"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	// ErrConnect wraps a hardware connect failure.
	ErrConnect = errors.New("failed to connect to hardware")
	// ErrState is returned for a transition the state machine does not allow.
	ErrState = errors.New("invalid producer state")
)

// Status is a snapshot reported over the command pipe.
type Status struct {
	State   string `json:"state"`
	Traces  uint64 `json:"traces"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending_bytes"`
	Error   string `json:"error,omitempty"`
}

// Producer moves raw traces from the hardware into the traces ring.
type Producer struct {
	hw       Hardware
	ring     *shmring.Ring
	interval time.Duration

	state    atomic.Int32
	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	pending  []byte
	traces   atomic.Uint64
	lastErr  atomic.Value // string
	recBytes int
}

// NewProducer creates a producer writing into ring, whose width is the
// number of samples per trace (channels × samples per channel).
func NewProducer(hw Hardware, ring *shmring.Ring, interval time.Duration) *Producer {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Producer{
		hw:       hw,
		ring:     ring,
		interval: interval,
		recBytes: ring.Width() * 2,
	}
}

// State returns the current lifecycle state.
func (p *Producer) State() State { return State(p.state.Load()) }

// Connect reaches the hardware. A failure is returned, never retried.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateIdle:
	case StateConnected, StateStopped:
		return nil
	default:
		return fmt.Errorf("%w: connect while %s", ErrState, p.State())
	}
	if err := p.hw.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	p.state.Store(int32(StateConnected))
	log.Printf("[Instrument] hardware connected")
	return nil
}

// Start begins polling on the fixed interval.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st := p.State(); st != StateConnected && st != StateStopped {
		return fmt.Errorf("%w: start while %s", ErrState, st)
	}
	if err := p.hw.Start(); err != nil {
		return fmt.Errorf("failed to start hardware: %w", err)
	}

	p.pending = p.pending[:0]
	p.stopCh = make(chan struct{})
	p.state.Store(int32(StateAcquiring))
	p.wg.Add(1)
	go p.loop(p.stopCh)
	log.Printf("[Instrument] acquiring every %v", p.interval)
	return nil
}

// Stop finishes the in-flight poll and stops the hardware.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateAcquiring {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	err := p.hw.Stop()
	p.state.Store(int32(StateStopped))
	log.Printf("[Instrument] stopped after %d traces (%d dropped)", p.traces.Load(), p.ring.Dropped())
	if err != nil {
		return fmt.Errorf("failed to stop hardware: %w", err)
	}
	return nil
}

func (p *Producer) loop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(); err != nil {
			p.lastErr.Store(err.Error())
			log.Printf("[Instrument] poll error: %v", err)
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// poll reads the hardware once and pushes every complete trace.
func (p *Producer) poll() error {
	raw, err := p.hw.ReadAvailable()
	if err != nil {
		return fmt.Errorf("failed to read hardware: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	p.pending = append(p.pending, raw...)

	whole := len(p.pending) / p.recBytes * p.recBytes
	if whole == 0 {
		return nil
	}
	rows := DecodeSamples(p.pending[:whole])
	n := copy(p.pending, p.pending[whole:])
	p.pending = p.pending[:n]

	dropped, err := p.ring.Push(rows)
	if err != nil {
		return fmt.Errorf("failed to push traces: %w", err)
	}
	if dropped > 0 {
		log.Printf("[Instrument] traces cache full, %d oldest traces overwritten", dropped)
	}
	p.traces.Add(uint64(whole / p.recBytes))
	return nil
}

// Status returns a snapshot of the producer.
func (p *Producer) Status() Status {
	st := Status{
		State:   p.State().String(),
		Traces:  p.traces.Load(),
		Dropped: p.ring.Dropped(),
	}
	if p.State() != StateAcquiring {
		p.mu.Lock()
		st.Pending = len(p.pending)
		p.mu.Unlock()
	}
	if v, ok := p.lastErr.Load().(string); ok {
		st.Error = v
	}
	return st
}

// Handler exposes the producer over the command pipe.
func (p *Producer) Handler() ipc.Handler {
	return func(ctx context.Context, command string, data json.RawMessage) (interface{}, error) {
		switch command {
		case "connect":
			return nil, p.Connect(ctx)
		case "start":
			return nil, p.Start()
		case "stop":
			return nil, p.Stop()
		case "status":
			return p.Status(), nil
		}
		return nil, fmt.Errorf("unknown instrument command %q", command)
	}
}
