package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spectraflow/server/internal/analyser"
	"github.com/spectraflow/server/internal/config"
	"github.com/spectraflow/server/internal/instrument"
	"github.com/spectraflow/server/internal/membership"
	"github.com/spectraflow/server/internal/notify"
	"github.com/spectraflow/server/internal/shmring"
)

// acquisition is one running pipeline: the two rings, the producer and
// analyser workers and the live update goroutine.
type acquisition struct {
	id      string
	started time.Time
	traces  *shmring.Ring
	events  *shmring.Ring

	instrument *worker
	analyser   *worker

	stop     chan struct{}
	done     chan struct{}
	lastSeen uint64

	errMu sync.Mutex
	err   string
}

func (a *acquisition) setErr(err error) {
	a.errMu.Lock()
	a.err = err.Error()
	a.errMu.Unlock()
}

func (a *acquisition) lastErr() string {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// AcquisitionStatus is a snapshot of the pipeline.
type AcquisitionStatus struct {
	Acquiring   bool               `json:"acquiring"`
	ID          string             `json:"id,omitempty"`
	ProcessMode string             `json:"process_mode"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	Events      int                `json:"events"`
	Source      string             `json:"source"`
	Traces      *shmring.Occupancy `json:"traces,omitempty"`
	EventBuffer *shmring.Occupancy `json:"event_buffer,omitempty"`
	Instrument  *instrument.Status `json:"instrument,omitempty"`
	Analyser    *analyser.Status   `json:"analyser,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Acquiring reports whether an acquisition is running.
func (c *Controller) Acquiring() bool {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	return c.acq != nil
}

func ringName(prefix, id, kind string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, id[:8], kind)
}

// allocateRings creates the traces and events rings. In-process pipelines
// fall back to private memory when shared memory is unavailable.
func (c *Controller) allocateRings(id string) (traces, events *shmring.Ring, err error) {
	acq := c.cfg.Acquisition
	alloc := func(kind string, capacity, width int, policy shmring.Policy) (*shmring.Ring, error) {
		r, err := shmring.Allocate(ringName(acq.ShmPrefix, id, kind), capacity, width, policy)
		if err != nil && acq.ProcessMode == config.ProcessInProcess {
			log.Printf("[Controller] shared memory unavailable for %s (%v), using private buffer", kind, err)
			return shmring.NewLocal(capacity, width, policy)
		}
		return r, err
	}

	traces, err = alloc("traces", acq.TraceCapacity, c.layout.TraceWidth(), shmring.PolicyOverwrite)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate traces buffer: %w", err)
	}
	events, err = alloc("events", acq.EventCapacity, c.layout.EventWidth(), shmring.PolicyReject)
	if err != nil {
		traces.Close()
		traces.Unlink()
		return nil, nil, fmt.Errorf("failed to allocate events buffer: %w", err)
	}
	return traces, events, nil
}

func (c *Controller) startWorkers(ctx context.Context, a *acquisition) error {
	acq := c.cfg.Acquisition
	if acq.ProcessMode == config.ProcessSubprocess {
		exe := c.opts.Executable
		if exe == "" {
			var err error
			if exe, err = os.Executable(); err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
		}
		inst, err := startSubprocess(exe, RoleInstrument, c.opts.ConfigPath, a.traces.Name(), a.events.Name())
		if err != nil {
			return err
		}
		a.instrument = inst
		ana, err := startSubprocess(exe, RoleAnalyser, c.opts.ConfigPath, a.traces.Name(), a.events.Name())
		if err != nil {
			return err
		}
		a.analyser = ana
		return nil
	}

	producer := instrument.NewProducer(newHardware(c.cfg), a.traces, acq.PollInterval())
	ana, err := analyser.New(a.traces, a.events, c.layout, acq.AnalyseInterval())
	if err != nil {
		return err
	}
	// The pipe contexts outlive the request that started the acquisition.
	wctx := context.WithoutCancel(ctx)
	a.instrument = startInProcess(wctx, RoleInstrument, producer.Handler())
	a.analyser = startInProcess(wctx, RoleAnalyser, ana.Handler())
	return nil
}

// StartAcquisition allocates fresh rings, starts the producer and analyser
// and begins live updates. Held data is discarded; gates are kept.
func (c *Controller) StartAcquisition(ctx context.Context) (string, error) {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	if c.acq != nil {
		return "", ErrAcquiring
	}

	id := uuid.NewString()
	traces, events, err := c.allocateRings(id)
	if err != nil {
		return "", err
	}
	a := &acquisition{
		id:     id,
		traces: traces,
		events: events,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	fail := func(err error) (string, error) {
		c.teardown(a)
		c.bus.Publish(notify.Event{Name: notify.AcquisitionError, Message: err.Error()})
		return "", err
	}
	if err := c.startWorkers(ctx, a); err != nil {
		return fail(err)
	}
	if _, err := a.analyser.call("configure", c.layout); err != nil {
		return fail(err)
	}
	if _, err := a.instrument.call("connect", nil); err != nil {
		return fail(err)
	}
	if _, err := a.analyser.call("start", nil); err != nil {
		return fail(err)
	}
	if _, err := a.instrument.call("start", nil); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	for _, v := range c.views {
		v.clear()
	}
	c.volumeUL = 0
	c.source = "live"
	c.mu.Unlock()

	a.started = time.Now()
	c.acq = a
	go c.live(a)

	log.Printf("[Controller] acquisition %s started (%s, traces=%s events=%s)",
		id, c.cfg.Acquisition.ProcessMode, traces.Name(), events.Name())
	c.bus.Publish(notify.Event{Name: notify.AcquisitionStarted, Message: id})
	return id, nil
}

// StopAcquisition stops the producer, lets the analyser finish its cycle,
// drains the remaining events and releases the rings.
func (c *Controller) StopAcquisition() error {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	if c.acq == nil {
		return ErrNotAcquiring
	}
	c.stopLocked(c.acq)
	return nil
}

// stopIfCurrent stops a only if it is still the running acquisition.
func (c *Controller) stopIfCurrent(a *acquisition) {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	if c.acq == a {
		c.stopLocked(a)
	}
}

// stopLocked stops a. Caller holds acqMu.
func (c *Controller) stopLocked(a *acquisition) {
	if _, err := a.instrument.call("stop", nil); err != nil {
		log.Printf("[Controller] %v", err)
	}
	if _, err := a.analyser.call("stop", nil); err != nil {
		log.Printf("[Controller] %v", err)
	}
	close(a.stop)
	// The live worker reads the events ring until it exits, so the rings
	// are released only after done is closed.
	if !waitClosed(a.done, c.cfg.Acquisition.StopTimeout()) {
		log.Printf("[Controller] live worker did not stop within %v, still waiting", c.cfg.Acquisition.StopTimeout())
		<-a.done
	}
	c.teardown(a)
	c.acq = nil

	n, _ := c.Events()
	log.Printf("[Controller] acquisition %s stopped: %d events in %v", a.id, n, time.Since(a.started).Round(time.Millisecond))

	if c.cfg.Acquisition.RecordOnStop && n > 0 {
		name := "acquisition-" + a.started.Format("20060102-150405")
		if _, err := c.SaveSample(name, map[string]string{"acquisition": a.id}); err != nil {
			log.Printf("[Controller] failed to record acquisition: %v", err)
		}
	}
	c.bus.Publish(notify.Event{Name: notify.AcquisitionStopped, Message: a.id, Total: n})
}

// teardown ends the workers and only then releases the rings.
func (c *Controller) teardown(a *acquisition) {
	timeout := c.cfg.Acquisition.StopTimeout()
	for _, w := range []*worker{a.instrument, a.analyser} {
		if w == nil {
			continue
		}
		if err := w.shutdown(timeout); err != nil {
			log.Printf("[Controller] %v", err)
		}
	}
	for _, r := range []*shmring.Ring{a.traces, a.events} {
		if err := r.Close(); err != nil {
			log.Printf("[Controller] failed to close %s: %v", r.Name(), err)
		}
		if err := r.Unlink(); err != nil {
			log.Printf("[Controller] failed to unlink %s: %v", r.Name(), err)
		}
	}
}

// waitClosed waits for ch to close, re-checking until timeout.
func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(exitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ch:
			return true
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				return false
			}
		}
	}
}

// live is the live update worker. It folds new events into both views each
// period, and once more when stopped.
func (c *Controller) live(a *acquisition) {
	defer close(a.done)
	ticker := time.NewTicker(c.cfg.Live.Period())
	defer ticker.Stop()

	halted, reached := false, false
	target := c.cfg.Acquisition.TargetEvents
	for {
		select {
		case <-a.stop:
			if _, err := c.collect(a); err != nil {
				log.Printf("[Controller] final drain: %v", err)
			}
			return
		case <-ticker.C:
		}

		if _, err := c.collect(a); err != nil {
			log.Printf("[Controller] live update: %v", err)
		}
		if target > 0 && !reached {
			if n, _ := c.Events(); n >= target {
				reached = true
				log.Printf("[Controller] acquisition %s reached %d events", a.id, n)
				go c.stopIfCurrent(a)
			}
		}
		if c.Mode() == ModeProcess {
			c.publishTrace(a)
		}
		if !halted {
			if err := c.checkAnalyser(a); err != nil {
				halted = true
				a.setErr(err)
				log.Printf("[Controller] acquisition %s halted: %v", a.id, err)
				c.bus.Publish(notify.Event{Name: notify.AcquisitionError, Message: err.Error()})
				go c.stopIfCurrent(a)
			}
		}
	}
}

// collect copies the events appended since the last call, releases them in
// the ring and ingests them into both views.
func (c *Controller) collect(a *acquisition) (int, error) {
	occ := a.events.Occupancy()
	if occ.Tail == a.lastSeen {
		return 0, nil
	}
	rows, err := a.events.PopRange(a.lastSeen, occ.Tail)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}
	if err := a.events.AdvanceHead(occ.Tail); err != nil {
		return 0, fmt.Errorf("failed to release events: %w", err)
	}
	a.lastSeen = occ.Tail

	raw := membership.NewBatch(c.layout.Columns(), rows)
	if raw.N == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if t, ok := raw.Column("Time"); ok {
		c.volumeUL = t[raw.N-1] * c.cfg.Acquisition.VolumeULPerSecond
	}
	c.views[ViewRaw].ingest(raw, c.volumeUL)
	if unmixed, err := c.matrix.Apply(raw); err != nil {
		log.Printf("[Controller] failed to unmix batch: %v", err)
	} else {
		c.views[ViewUnmixed].ingest(unmixed, c.volumeUL)
	}
	total := c.views[ViewRaw].n
	c.mu.Unlock()

	for _, name := range c.Views() {
		c.publishStatistics(name)
		c.bus.Publish(notify.Event{Name: notify.HistogramsUpdated, View: name})
	}
	// Total is left out of the event when acquisition is unbounded.
	c.bus.Publish(notify.Event{Name: notify.Progress, Done: total, Total: c.cfg.Acquisition.TargetEvents})
	return raw.N, nil
}

func (c *Controller) publishTrace(a *acquisition) {
	reply, err := a.analyser.call("latest", nil)
	if err != nil {
		return
	}
	var trace []float64
	if err := reply.Decode(&trace); err != nil || len(trace) == 0 {
		return
	}
	c.bus.Publish(notify.Event{Name: notify.TraceUpdated, Total: c.layout.SamplesPerEvent, Data: trace})
}

// checkAnalyser returns an error once the analyser has stopped on its own.
func (c *Controller) checkAnalyser(a *acquisition) error {
	reply, err := a.analyser.call("status", nil)
	if err != nil {
		return err
	}
	var st analyser.Status
	if err := reply.Decode(&st); err != nil {
		return fmt.Errorf("failed to decode analyser status: %w", err)
	}
	if st.State == analyser.StateStopped.String() && st.Error != "" {
		return fmt.Errorf("analyser: %s", st.Error)
	}
	return nil
}

// AcquisitionStatus reports the pipeline state.
func (c *Controller) AcquisitionStatus() AcquisitionStatus {
	n, source := c.Events()
	st := AcquisitionStatus{
		ProcessMode: c.cfg.Acquisition.ProcessMode,
		Events:      n,
		Source:      source,
	}

	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	a := c.acq
	if a == nil {
		return st
	}
	st.Acquiring = true
	st.ID = a.id
	started := a.started
	st.StartedAt = &started
	tr, ev := a.traces.Occupancy(), a.events.Occupancy()
	st.Traces, st.EventBuffer = &tr, &ev
	st.Error = a.lastErr()

	if reply, err := a.instrument.call("status", nil); err == nil {
		var is instrument.Status
		if reply.Decode(&is) == nil {
			st.Instrument = &is
		}
	}
	if reply, err := a.analyser.call("status", nil); err == nil {
		var as analyser.Status
		if reply.Decode(&as) == nil {
			st.Analyser = &as
		}
	}
	return st
}

// Close stops a running acquisition.
func (c *Controller) Close() error {
	if err := c.StopAcquisition(); err != nil && !errors.Is(err, ErrNotAcquiring) {
		return err
	}
	return nil
}
