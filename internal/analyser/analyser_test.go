package analyser

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/spectraflow/server/internal/shmring"
)

func testLayout() Layout {
	return Layout{
		HardwareChannels: 2,
		SamplesPerEvent:  5,
		SampleRate:       1e6,
		Channels: []Channel{
			{Name: "FSC-A", Hardware: 0, Role: RoleArea},
			{Name: "FSC-H", Hardware: 0, Role: RoleHeight},
			{Name: "FSC-W", Hardware: 0, Role: RoleWidth},
			{Name: "SSC-A", Hardware: 1, Role: RoleArea},
		},
	}
}

func TestPulseWidth(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    int
	}{
		{"symmetric", []float64{0, 2, 4, 2, 0}, 3},
		{"single sample", []float64{0, 0, 8, 0, 0}, 1},
		{"never falls", []float64{0, 1, 4, 4, 3}, 3},
		{"flat zero", []float64{0, 0, 0}, 0},
		{"negative", []float64{-3, -1, -2}, 0},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PulseWidth(tt.samples); got != tt.want {
				t.Fatalf("PulseWidth(%v) = %d, want %d", tt.samples, got, tt.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	l := testLayout()
	traces := []float64{
		0, 2, 4, 2, 0, 1, 1, 1, 1, 1,
		0, 0, 8, 0, 0, 0, 3, 0, 0, 0,
	}
	got := Extract(traces, l, 10, 1.5)
	want := []float64{
		1.5, 10, 8, 4, 3, 5,
		1.5, 11, 8, 8, 1, 3,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("value %d: got %v, want %v (all %v)", i, got[i], want[i], got)
		}
	}
}

func TestLayout_Validate(t *testing.T) {
	l := testLayout()
	if err := l.Validate(); err != nil {
		t.Fatalf("valid layout rejected: %v", err)
	}
	bad := testLayout()
	bad.Channels[1].Hardware = 5
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected out-of-range hardware channel to fail")
	}
	dup := testLayout()
	dup.Channels[1].Name = "FSC-A"
	if err := dup.Validate(); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
	if cols := l.Columns(); cols[0] != "Time" || cols[1] != "EventID" || cols[2] != "FSC-A" {
		t.Fatalf("unexpected columns %v", cols)
	}
}

func newRings(t *testing.T, traceCap, eventCap int) (*shmring.Ring, *shmring.Ring) {
	t.Helper()
	l := testLayout()
	traces, err := shmring.NewLocal(traceCap, l.TraceWidth(), shmring.PolicyOverwrite)
	if err != nil {
		t.Fatal(err)
	}
	events, err := shmring.NewLocal(eventCap, l.EventWidth(), shmring.PolicyReject)
	if err != nil {
		t.Fatal(err)
	}
	return traces, events
}

func pushTraces(t *testing.T, r *shmring.Ring, n int) {
	t.Helper()
	rows := make([]float64, 0, n*r.Width())
	for i := 0; i < n; i++ {
		rows = append(rows, 0, 2, 4, 2, 0, 1, 1, 1, 1, 1)
	}
	if _, err := r.Push(rows); err != nil {
		t.Fatal(err)
	}
}

func TestCycle_ConsumesTracesInOrder(t *testing.T) {
	traces, events := newRings(t, 16, 64)
	a, err := New(traces, events, testLayout(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	pushTraces(t, traces, 3)
	if n, err := a.cycle(); err != nil || n != 3 {
		t.Fatalf("first cycle: n=%d err=%v", n, err)
	}
	pushTraces(t, traces, 2)
	if n, err := a.cycle(); err != nil || n != 2 {
		t.Fatalf("second cycle: n=%d err=%v", n, err)
	}
	if n, err := a.cycle(); err != nil || n != 0 {
		t.Fatalf("idle cycle: n=%d err=%v", n, err)
	}

	if occ := traces.Occupancy(); occ.Unread != 0 {
		t.Fatalf("traces not consumed: %+v", occ)
	}
	rows, err := events.PopRange(0, 5)
	if err != nil {
		t.Fatal(err)
	}
	w := events.Width()
	for i := 0; i < 5; i++ {
		if id := rows[i*w+ColEventID]; id != float64(i) {
			t.Fatalf("event %d has id %v", i, id)
		}
	}

	select {
	case tr := <-a.Latest():
		if len(tr) != traces.Width() {
			t.Fatalf("latest trace has %d samples", len(tr))
		}
	default:
		t.Fatalf("expected a published trace")
	}
}

func TestCycle_EventsFull(t *testing.T) {
	traces, events := newRings(t, 16, 4)
	a, err := New(traces, events, testLayout(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	pushTraces(t, traces, 5)
	if _, err := a.cycle(); !errors.Is(err, ErrEventsFull) {
		t.Fatalf("expected ErrEventsFull, got %v", err)
	}
	if occ := events.Occupancy(); occ.Tail != 0 {
		t.Fatalf("rejected push must not change events, got %+v", occ)
	}
}

func TestAnalyser_HaltsWhenEventsFull(t *testing.T) {
	traces, events := newRings(t, 16, 4)
	a, err := New(traces, events, testLayout(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	halted := make(chan error, 1)
	a.OnHalt(func(err error) { halted <- err })

	pushTraces(t, traces, 5)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-halted:
		if !errors.Is(err, ErrEventsFull) {
			t.Fatalf("unexpected halt error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("analyser did not halt")
	}
	if a.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", a.State())
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestReconfigure_RefusedWhileRunning(t *testing.T) {
	traces, events := newRings(t, 16, 64)
	a, err := New(traces, events, testLayout(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := a.Reconfigure(testLayout()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := a.Reconfigure(testLayout()); err != nil {
		t.Fatalf("reconfigure after stop: %v", err)
	}

	wide := testLayout()
	wide.Channels = append(wide.Channels, Channel{Name: "SSC-H", Hardware: 1, Role: RoleHeight})
	if err := a.Reconfigure(wide); err == nil {
		t.Fatalf("expected width mismatch to be rejected")
	}
}
