package service

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/spectraflow/server/internal/cache"
	"github.com/spectraflow/server/internal/cmpstore"
	"github.com/spectraflow/server/internal/config"
	"github.com/spectraflow/server/internal/controller"
	"github.com/spectraflow/server/internal/data/sample"
	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/render"
	"github.com/spectraflow/server/internal/transform"
)

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Samples.Dir = t.TempDir()
	c, err := controller.New(cfg, nil, nil, controller.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// writeSample stores 100 events of which small have a low FSC-A.
func writeSample(t *testing.T, c *controller.Controller, name string, small int) {
	t.Helper()
	rows := make([]float64, 0, 100*8)
	for i := 0; i < 100; i++ {
		fsc := 300000.0
		if i < small {
			fsc = 10000
		}
		rows = append(rows, float64(i)*0.01, float64(i), fsc, 1000, 10, float64(1000*(i+1)), 100, 100)
	}
	path := filepath.Join(c.Config().Samples.Dir, name)
	meta := sample.Metadata{Name: name, Channels: c.SampleChannels(), VolumeUL: 10}
	if err := sample.Write(path, meta, rows); err != nil {
		t.Fatal(err)
	}
}

func TestDeterministicSample(t *testing.T) {
	points := make([]EventPoint, 100)
	for i := range points {
		points[i] = EventPoint{ID: uint64(i), X: float64(i), Y: float64(i * 2)}
	}

	s1 := deterministicSample(points, 10, 42)
	s2 := deterministicSample(points, 10, 42)
	if len(s1) != 10 {
		t.Fatalf("sample size = %d, want 10", len(s1))
	}
	for i := range s1 {
		if s1[i].ID != s2[i].ID {
			t.Fatalf("samples differ at %d", i)
		}
		if i > 0 && s1[i].ID <= s1[i-1].ID {
			t.Fatalf("sample not in original order at %d", i)
		}
	}

	s3 := deterministicSample(points, 10, 43)
	same := 0
	for i := range s1 {
		if s1[i].ID == s3[i].ID {
			same++
		}
	}
	if same == 10 {
		t.Error("different seeds should produce different samples")
	}

	if got := deterministicSample(points, 200, 42); len(got) != len(points) {
		t.Errorf("k > n returned %d points", len(got))
	}
	if got := deterministicSample(points, 0, 42); len(got) != 0 {
		t.Errorf("k = 0 returned %d points", len(got))
	}
}

func TestDeterministicSampleStableUnderAppend(t *testing.T) {
	points := make([]EventPoint, 1000)
	for i := range points {
		points[i] = EventPoint{ID: uint64(i*7 + 13)}
	}
	first := deterministicSample(points, 50, 0)

	// events appended later only displace members with larger hashes
	more := append(append([]EventPoint(nil), points...), EventPoint{ID: 99999})
	second := deterministicSample(more, 51, 0)
	in := make(map[uint64]bool, len(second))
	for _, p := range second {
		in[p.ID] = true
	}
	for _, p := range first {
		if !in[p.ID] {
			t.Fatalf("event %d dropped after append", p.ID)
		}
	}
}

func TestWelchTTest(t *testing.T) {
	m1, v1 := meanVar([]float64{1, 2, 3, 4, 5})
	m2, v2 := meanVar([]float64{6, 7, 8, 9, 10})
	if m1 != 3 || v1 != 2.5 {
		t.Fatalf("meanVar = %g, %g", m1, v1)
	}
	if m, v := meanVar([]float64{7}); m != 7 || v != 0 {
		t.Errorf("single value meanVar = %g, %g", m, v)
	}
	if m, v := meanVar(nil); m != 0 || v != 0 {
		t.Errorf("empty meanVar = %g, %g", m, v)
	}
	p := welchTTest(m1, v1, 5, m2, v2, 5)
	if math.Abs(p-0.0010528) > 5e-5 {
		t.Errorf("p = %g, want 0.0010528", p)
	}
	if p := welchTTest(1, 0, 3, 1, 0, 3); p != 1 {
		t.Errorf("identical constant groups p = %g", p)
	}
	if p := welchTTest(1, 1, 1, 2, 1, 5); p != 1 {
		t.Errorf("single-sample group p = %g", p)
	}
}

func TestMannWhitneyU(t *testing.T) {
	p := mannWhitneyU([]float64{1, 2, 3, 4, 5}, []float64{6, 7, 8, 9, 10})
	if math.Abs(p-0.01219) > 1e-3 {
		t.Errorf("p = %g, want about 0.0122", p)
	}
	if p := mannWhitneyU([]float64{1, 1}, []float64{1, 1}); p != 1 {
		t.Errorf("all ties p = %g", p)
	}
	if p := mannWhitneyU(nil, []float64{1}); p != 1 {
		t.Errorf("empty group p = %g", p)
	}
}

func TestBenjaminiHochberg(t *testing.T) {
	got := benjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.5})
	want := []float64{0.04, 0.04 * 4 / 3, 0.04 * 4 / 3, 0.5}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("fdr[%d] = %g, want %g", i, got[i], want[i])
		}
	}
	if benjaminiHochberg(nil) != nil {
		t.Error("empty input should give nil")
	}
}

func TestComparisonJob(t *testing.T) {
	c := newController(t)
	for i, small := range []int{40, 42, 44} {
		writeSample(t, c, "ctrl-"+string(rune('a'+i)), small)
	}
	for i, small := range []int{10, 12, 14} {
		writeSample(t, c, "treated-"+string(rune('a'+i)), small)
	}
	if err := c.AddGate(controller.ViewRaw, gating.Gate{Name: "small", Geometry: &gating.Range{Channel: "FSC-A", Min: 0, Max: 100000}}); err != nil {
		t.Fatal(err)
	}

	store, err := cmpstore.NewStore(filepath.Join(t.TempDir(), "cmp.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	job := &cmpstore.Job{
		ID:     "job-1",
		Status: cmpstore.JobStatusQueued,
		Params: cmpstore.JobParams{
			View:     controller.ViewRaw,
			Group1:   []string{"ctrl-a", "ctrl-b", "ctrl-c"},
			Group2:   []string{"treated-a", "treated-b", "treated-c"},
			Channels: []string{"SSC-A"},
		},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	svc := NewComparisonService(c)
	if err := svc.ExecuteJob(context.Background(), store, job.ID); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	results, total, err := store.QueryResults(job.ID, "", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	// count, two fractions, concentration and one median
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	var found bool
	for _, r := range results {
		if r.Gate != "small" || r.Measure != MeasureCount {
			continue
		}
		found = true
		if r.Mean1 != 42 || r.Mean2 != 12 {
			t.Errorf("means = %g, %g", r.Mean1, r.Mean2)
		}
		if r.PTtest >= 0.01 {
			t.Errorf("p_ttest = %g, expected a clear difference", r.PTtest)
		}
		if r.Log2FC <= 0 {
			t.Errorf("log2fc = %g", r.Log2FC)
		}
	}
	if !found {
		t.Fatal("no count result for gate small")
	}

	got, _ := store.GetJob(job.ID)
	if got.N1 != 3 || got.N2 != 3 {
		t.Errorf("counts = %d, %d", got.N1, got.N2)
	}
}

func TestComparisonRejectsBadParams(t *testing.T) {
	svc := NewComparisonService(newController(t))
	cases := []cmpstore.JobParams{
		{View: controller.ViewRaw, Group2: []string{"a"}},
		{View: "bogus", Group1: []string{"a"}, Group2: []string{"b"}},
		{View: controller.ViewRaw, Group1: []string{"../a"}, Group2: []string{"b"}},
	}
	for i, p := range cases {
		if err := svc.ValidateParams(p); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestPlotServiceCachesByEpoch(t *testing.T) {
	c := newController(t)
	writeSample(t, c, "s", 30)
	if _, err := c.LoadSample(filepath.Join(c.Config().Samples.Dir, "s")); err != nil {
		t.Fatal(err)
	}
	caches, err := cache.NewManager(cache.Config{PlotCacheSizeMB: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer caches.Close()
	svc := NewPlotService(c, caches, render.NewRenderer(render.Config{Size: 64}))

	req := PlotRequest{View: controller.ViewRaw, X: "FSC-A", Y: "SSC-A"}
	if _, cached, err := svc.Render(req); err != nil || cached {
		t.Fatalf("first render cached=%v err=%v", cached, err)
	}
	if _, cached, err := svc.Render(req); err != nil || !cached {
		t.Fatalf("second render cached=%v err=%v", cached, err)
	}
	if err := c.AddGate(controller.ViewRaw, gating.Gate{Name: "g", Geometry: &gating.Range{Channel: "FSC-A", Min: 0, Max: 100000}}); err != nil {
		t.Fatal(err)
	}
	if _, cached, err := svc.Render(req); err != nil || cached {
		t.Fatalf("render after gate edit cached=%v err=%v", cached, err)
	}

	hist := PlotRequest{View: controller.ViewRaw, X: "FSC-A", Gate: "g"}
	if _, _, err := svc.Render(hist); err != nil {
		t.Fatalf("histogram: %v", err)
	}

	pts, err := svc.Points(controller.ViewRaw, "FSC-A", "SSC-A", "g", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pts.TotalCount != 30 || len(pts.Points) != 10 || !pts.Truncated {
		t.Errorf("points = %d of %d truncated=%v", len(pts.Points), pts.TotalCount, pts.Truncated)
	}
}

func TestSessionSaveAndApply(t *testing.T) {
	c := newController(t)
	store, err := cmpstore.NewStore(filepath.Join(t.TempDir(), "cmp.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	svc := NewSessionService(c, store)

	if err := c.AddGate(controller.ViewRaw, gating.Gate{Name: "cells", Geometry: &gating.Range{Channel: "FSC-A", Min: 0, Max: 100000}}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddGate(controller.ViewRaw, gating.Gate{Name: "q", Parent: "cells", Geometry: &gating.Quadrant{X: "FSC-A", Y: "SSC-A", DX: 5000, DY: 5000}}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetTransform(controller.ViewRaw, "SSC-A", transform.Linear(0, 500000, 128)); err != nil {
		t.Fatal(err)
	}

	sess, err := svc.Save(controller.ViewRaw, "panel")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Diverge from the saved layout.
	if _, _, err := c.RemoveGate(controller.ViewRaw, "cells", false); err != nil {
		t.Fatal(err)
	}
	if err := c.AddGate(controller.ViewRaw, gating.Gate{Name: "other", Geometry: &gating.Range{Channel: "SSC-A", Min: 0, Max: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetTransform(controller.ViewRaw, "SSC-A", transform.Linear(0, 500000, 64)); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Apply(sess.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	gates, err := c.Gates(controller.ViewRaw)
	if err != nil {
		t.Fatal(err)
	}
	if len(gates) != 2 || gates[0].Name != "cells" || gates[1].Name != "q" || gates[1].Parent != "cells" {
		t.Fatalf("restored gates = %+v", gates)
	}
	p, err := c.Transform(controller.ViewRaw, "SSC-A")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != transform.KindLinear || p.Bins != 128 {
		t.Errorf("restored transform = %+v", p)
	}

	_, layout, err := svc.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(layout.Gates) != 2 || layout.Gates[1].Kind != gating.KindQuadrant {
		t.Errorf("layout = %+v", layout.Gates)
	}
}
