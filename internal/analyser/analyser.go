package analyser

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

var (
	// ErrRunning is returned when the layout is changed during acquisition.
	ErrRunning = errors.New("analyser is running")
	// ErrEventsFull halts the analyser: the events ring must hold the whole
	// acquisition.
	ErrEventsFull = errors.New("events buffer full")
)

const staleRetries = 3

// State is the analyser lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Status is a snapshot reported over the command pipe.
type Status struct {
	State  string `json:"state"`
	Events uint64 `json:"events"`
	Error  string `json:"error,omitempty"`
}

// Analyser consumes trace blocks and appends event records.
type Analyser struct {
	traces   *shmring.Ring
	events   *shmring.Ring
	interval time.Duration

	mu      sync.Mutex // serialises lifecycle calls
	lmu     sync.RWMutex
	layout  Layout
	state   atomic.Int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
	nextID  uint64
	started time.Time
	lastErr atomic.Value // string
	onHalt  atomic.Pointer[func(error)]

	latest chan []float64
}

// New creates an analyser over the two rings. The traces ring width must
// match layout.TraceWidth and the events ring width layout.EventWidth.
func New(traces, events *shmring.Ring, layout Layout, interval time.Duration) (*Analyser, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	a := &Analyser{
		traces:   traces,
		events:   events,
		interval: interval,
		latest:   make(chan []float64, 1),
	}
	if err := a.checkLayout(layout); err != nil {
		return nil, err
	}
	a.layout = layout
	return a, nil
}

func (a *Analyser) checkLayout(l Layout) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	if w := a.traces.Width(); w != l.TraceWidth() {
		return fmt.Errorf("traces buffer width %d, layout needs %d", w, l.TraceWidth())
	}
	if w := a.events.Width(); w != l.EventWidth() {
		return fmt.Errorf("events buffer width %d, layout needs %d", w, l.EventWidth())
	}
	return nil
}

// OnHalt registers a callback invoked when the loop stops on its own.
func (a *Analyser) OnHalt(fn func(error)) {
	a.onHalt.Store(&fn)
}

// State returns the current lifecycle state.
func (a *Analyser) State() State { return State(a.state.Load()) }

// Layout returns the active layout.
func (a *Analyser) Layout() Layout {
	a.lmu.RLock()
	defer a.lmu.RUnlock()
	return a.layout
}

// Reconfigure replaces the layout. It is refused while running.
func (a *Analyser) Reconfigure(l Layout) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.State() == StateRunning {
		return ErrRunning
	}
	if err := a.checkLayout(l); err != nil {
		return err
	}
	a.lmu.Lock()
	a.layout = l
	a.lmu.Unlock()
	log.Printf("[Analyser] layout set: %d channels", len(l.Channels))
	return nil
}

// Start resets event ids and the acquisition clock and begins cycling.
func (a *Analyser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.State() == StateRunning {
		return nil
	}
	a.reap()

	a.nextID = 0
	a.started = time.Now()
	a.lastErr.Store("")
	a.stopCh = make(chan struct{})
	a.state.Store(int32(StateRunning))
	a.wg.Add(1)
	go a.loop(a.stopCh)
	log.Printf("[Analyser] running every %v", a.interval)
	return nil
}

// Stop waits for the in-flight cycle to finish.
func (a *Analyser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reap()
	if a.State() == StateRunning {
		a.state.Store(int32(StateStopped))
	}
	return nil
}

// reap ends a loop goroutine, including one that already halted itself.
// Caller holds mu.
func (a *Analyser) reap() {
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	a.stopCh = nil
	a.wg.Wait()
}

// Latest yields the most recent raw trace; older unread traces are replaced.
func (a *Analyser) Latest() <-chan []float64 { return a.latest }

func (a *Analyser) loop(stop <-chan struct{}) {
	defer a.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		begin := time.Now()
		if _, err := a.cycle(); err != nil {
			a.lastErr.Store(err.Error())
			if errors.Is(err, ErrEventsFull) {
				a.halt(err)
				return
			}
			log.Printf("[Analyser] cycle error: %v", err)
		}

		// No catch-up: an overrunning cycle is followed immediately by the next.
		remaining := a.interval - time.Since(begin)
		if remaining <= 0 {
			select {
			case <-stop:
				return
			default:
				continue
			}
		}
		timer.Reset(remaining)
		select {
		case <-stop:
			return
		case <-timer.C:
		}
	}
}

func (a *Analyser) halt(err error) {
	a.state.Store(int32(StateStopped))
	log.Printf("[Analyser] halted: %v", err)
	if fn := a.onHalt.Load(); fn != nil {
		go (*fn)(err)
	}
}

// cycle converts every unread trace into an event. It returns the number of
// events appended.
func (a *Analyser) cycle() (int, error) {
	layout := a.Layout()

	var (
		rows       []float64
		begin, end uint64
		err        error
	)
	for attempt := 0; attempt < staleRetries; attempt++ {
		occ := a.traces.Occupancy()
		if occ.Unread == 0 {
			return 0, nil
		}
		end = occ.Tail
		begin = end - occ.Unread
		rows, err = a.traces.PopRange(begin, end)
		if !errors.Is(err, shmring.ErrStaleRange) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read traces: %w", err)
	}

	n := int(end - begin)
	elapsed := time.Since(a.started).Seconds()
	events := Extract(rows, layout, a.nextID, elapsed)
	if _, err := a.events.Push(events); err != nil {
		if errors.Is(err, shmring.ErrOverflow) {
			return 0, fmt.Errorf("%w: %v", ErrEventsFull, err)
		}
		return 0, fmt.Errorf("failed to push events: %w", err)
	}
	a.nextID += uint64(n)

	if err := a.traces.AdvanceHead(end); err != nil {
		return n, fmt.Errorf("failed to advance traces: %w", err)
	}

	tw := layout.TraceWidth()
	a.publish(rows[(n-1)*tw:])
	return n, nil
}

func (a *Analyser) publish(trace []float64) {
	w := append([]float64(nil), trace...)
	select {
	case a.latest <- w:
		return
	default:
	}
	select {
	case <-a.latest:
	default:
	}
	select {
	case a.latest <- w:
	default:
	}
}

// Status returns a snapshot of the analyser.
func (a *Analyser) Status() Status {
	st := Status{
		State:  a.State().String(),
		Events: a.events.Occupancy().Tail,
	}
	if v, ok := a.lastErr.Load().(string); ok {
		st.Error = v
	}
	return st
}

// Handler exposes the analyser over the command pipe.
func (a *Analyser) Handler() ipc.Handler {
	return func(ctx context.Context, command string, data json.RawMessage) (interface{}, error) {
		switch command {
		case "configure":
			var l Layout
			if err := ipc.Decode(data, &l); err != nil {
				return nil, fmt.Errorf("failed to decode layout: %w", err)
			}
			return nil, a.Reconfigure(l)
		case "start":
			return nil, a.Start()
		case "stop":
			return nil, a.Stop()
		case "status":
			return a.Status(), nil
		case "latest":
			select {
			case trace := <-a.latest:
				return trace, nil
			default:
				return []float64{}, nil
			}
		}
		return nil, fmt.Errorf("unknown analyser command %q", command)
	}
}
