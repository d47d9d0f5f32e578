package stats

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/lookup"
	"github.com/spectraflow/server/internal/membership"
	"github.com/spectraflow/server/internal/transform"
)

type view struct {
	h      *gating.Hierarchy
	set    transform.Set
	tables map[string]*lookup.Table
}

func newView(t *testing.T, gates ...gating.Gate) view {
	t.Helper()
	set := transform.NewSet(map[string]*transform.Scale{
		"FSC-A": transform.MustNew(transform.Linear(0, 1, 1001)),
		"SSC-A": transform.MustNew(transform.Linear(0, 1, 1001)),
	})
	h := gating.NewHierarchy()
	for _, g := range gates {
		if err := h.Add(g); err != nil {
			t.Fatal(err)
		}
	}
	store := lookup.NewStore(1)
	if err := store.RebuildAll(h, set); err != nil {
		t.Fatal(err)
	}
	return view{h: h, set: set, tables: store.Snapshot()}
}

func (v view) masks(b membership.Batch) *membership.MaskSet {
	m := membership.NewMaskSet(b.N)
	membership.Evaluate(v.h, v.tables, v.set, v.h.Order(), b, m)
	return m
}

func uniform(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	rows := make([]float64, 2*n)
	for i := range rows {
		rows[i] = rng.Float64()
	}
	return rows
}

var cellsGate = gating.Gate{
	Name:     "Cells",
	Geometry: &gating.Rectangle{X: "FSC-A", Y: "SSC-A", XMin: 0.2, XMax: 0.8, YMin: 0.2, YMax: 0.8},
}

func TestAggregate_RectangleScenario(t *testing.T) {
	v := newView(t, cellsGate)
	b := membership.NewBatch([]string{"FSC-A", "SSC-A"}, uniform(1000, 42))
	res := Aggregate(v.h, v.masks(b), nil, 0)

	cells, ok := res.Get("Cells")
	if !ok {
		t.Fatalf("no statistics for Cells")
	}
	ratio := float64(cells.Count) / 1000
	if math.Abs(ratio-0.36) > 0.05 {
		t.Fatalf("Cells fraction %.3f far from area 0.36", ratio)
	}
	if cells.FractionOfRoot != ratio {
		t.Fatalf("fraction_of_root %v != count/1000 %v", cells.FractionOfRoot, ratio)
	}
	if cells.FractionOfParent != ratio {
		t.Fatalf("root-level gate: fraction_of_parent %v != %v", cells.FractionOfParent, ratio)
	}
	if res.Totals.Root != 1000 {
		t.Fatalf("root total = %d", res.Totals.Root)
	}
}

func TestAggregate_IncrementalEquivalence(t *testing.T) {
	v := newView(t,
		cellsGate,
		gating.Gate{Name: "Q", Parent: "Cells", Geometry: &gating.Quadrant{X: "FSC-A", Y: "SSC-A", DX: 0.5, DY: 0.4}},
		gating.Gate{Name: "Edge", Parent: "Q +,+", Geometry: &gating.Range{Channel: "FSC-A", Min: 0.7, Max: 1}},
	)
	rows := uniform(3000, 9)
	cols := []string{"FSC-A", "SSC-A"}

	whole := Aggregate(v.h, v.masks(membership.NewBatch(cols, rows)), nil, 30)

	first := Aggregate(v.h, v.masks(membership.NewBatch(cols, rows[:2*1234])), nil, 12.34)
	second := Aggregate(v.h, v.masks(membership.NewBatch(cols, rows[2*1234:])), &first.Totals, 30)

	if !reflect.DeepEqual(whole.Totals, second.Totals) {
		t.Fatalf("totals differ:\n whole %+v\n split %+v", whole.Totals, second.Totals)
	}
	for i, g := range whole.Gates {
		s := second.Gates[i]
		if g.Key != s.Key || g.Count != s.Count {
			t.Fatalf("%s: whole %d, split %d", g.Key, g.Count, s.Count)
		}
		if math.Abs(g.FractionOfParent-s.FractionOfParent) > 1e-12 || math.Abs(g.Concentration-s.Concentration) > 1e-9 {
			t.Fatalf("%s: fractions differ", g.Key)
		}
	}
}

func TestAggregate_EmptyParent(t *testing.T) {
	v := newView(t,
		gating.Gate{Name: "Nothing", Geometry: &gating.Range{Channel: "FSC-A", Min: 2, Max: 3}},
		gating.Gate{Name: "Child", Parent: "Nothing", Geometry: &gating.Range{Channel: "SSC-A", Min: 0, Max: 1}},
	)
	b := membership.NewBatch([]string{"FSC-A", "SSC-A"}, uniform(100, 1))
	res := Aggregate(v.h, v.masks(b), nil, 0)
	child, _ := res.Get("Child")
	if child.Count != 0 || child.FractionOfParent != 0 || math.IsNaN(child.FractionOfParent) {
		t.Fatalf("unexpected child stats %+v", child)
	}

	empty := Aggregate(v.h, membership.NewMaskSet(0), nil, 0)
	for _, g := range empty.Gates {
		if g.FractionOfRoot != 0 {
			t.Fatalf("empty batch must give zero fractions: %+v", g)
		}
	}
}

func TestAggregate_ReportsDroppedAndInvalid(t *testing.T) {
	v := newView(t, cellsGate)
	prev := &Totals{Root: 10, Counts: map[string]uint64{"Cells": 4, "Deleted": 3}}

	b := membership.NewBatch([]string{"FSC-A"}, []float64{0.5, 0.5})
	res := Aggregate(v.h, v.masks(b), prev, 0)
	if !reflect.DeepEqual(res.Dropped, []string{"Deleted"}) {
		t.Fatalf("dropped = %v", res.Dropped)
	}
	cells, _ := res.Get("Cells")
	if cells.Invalid == "" {
		t.Fatalf("gate with a missing channel must be reported invalid")
	}
	if cells.Count != 4 {
		t.Fatalf("invalid gate must keep its previous total, got %d", cells.Count)
	}
	if _, ok := res.Totals.Counts["Deleted"]; ok {
		t.Fatalf("dropped key carried into new totals")
	}
}

func TestCheckReferences(t *testing.T) {
	v := newView(t, cellsGate)
	got := CheckReferences(v.h, map[string][]string{
		"cmp-a": {"Cells", "Gone"},
		"cmp-b": {"Cells"},
	})
	want := []Dangling{{Consumer: "cmp-a", Key: "Gone"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CheckReferences = %v, want %v", got, want)
	}
}

func TestHistograms(t *testing.T) {
	sx := transform.MustNew(transform.Linear(0, 1, 11))
	sy := transform.MustNew(transform.Linear(0, 1, 11))
	xs := []float64{0.05, 0.15, 0.15, 0.95}
	ys := []float64{0.05, 0.05, 0.05, 2}

	h1 := Histogram1D(sx, xs, nil)
	if len(h1) != 12 || h1[1] != 1 || h1[2] != 2 || h1[10] != 1 {
		t.Fatalf("unexpected 1-D histogram %v", h1)
	}
	g := Histogram2D(sx, sy, xs, ys, []bool{true, true, true, false})
	if g.At(2, 1) != 2 || g.At(1, 1) != 1 || g.Max != 2 {
		t.Fatalf("unexpected 2-D histogram max=%d", g.Max)
	}
	var total uint64
	for _, c := range g.Counts {
		total += c
	}
	if total != 3 {
		t.Fatalf("masked event counted: total %d", total)
	}
}

func TestMedian(t *testing.T) {
	xs := []float64{5, 1, 4, 2, 3, 100}
	if m, ok := Median(xs, nil); !ok || m != 3 {
		t.Fatalf("median of all = %g, %v, want the lower middle 3", m, ok)
	}
	mask := []bool{true, true, true, false, false, false}
	if m, ok := Median(xs, mask); !ok || m != 4 {
		t.Fatalf("masked median = %g, want 4", m)
	}
	if _, ok := Median(xs, make([]bool, len(xs))); ok {
		t.Fatalf("empty selection must report !ok")
	}
}
