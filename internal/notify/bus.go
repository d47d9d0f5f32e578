// Package notify carries named events from the core to presentation
// subscribers. Publishing never blocks; a subscriber that falls behind loses
// events.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names.
const (
	GatingChanged         = "gating_changed"
	StatisticsUpdated     = "statistics_updated"
	HistogramsUpdated     = "histograms_updated"
	TraceUpdated          = "trace_updated"
	Progress              = "progress"
	AcquisitionStarted    = "acquisition_started"
	AcquisitionStopped    = "acquisition_stopped"
	AcquisitionError      = "acquisition_error"
	ComparisonInvalidated = "comparison_invalidated"
	TransformChanged      = "transform_changed"
	ModeChanged           = "mode_changed"
)

// Event is one notification.
type Event struct {
	Name    string      `json:"name"`
	View    string      `json:"view,omitempty"`
	Gate    string      `json:"gate,omitempty"`
	Done    int         `json:"done,omitempty"`
	Total   int         `json:"total,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Time    time.Time   `json:"time"`
}

// Subscription receives events until cancelled.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Uint64
	bus     *Bus
}

// Dropped returns how many events were lost because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
