package lookup

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/transform"
)

func testSet() transform.Set {
	return transform.NewSet(map[string]*transform.Scale{
		"FSC-A": transform.MustNew(transform.Linear(0, 1, 101)),
		"SSC-A": transform.MustNew(transform.Linear(0, 1, 101)),
		"CD4":   transform.MustNew(transform.Logicle(-100, 10000, 128)),
	})
}

func testGates() []gating.Gate {
	return []gating.Gate{
		{Name: "Range", Geometry: &gating.Range{Channel: "CD4", Min: 10, Max: 5000}},
		{Name: "Rect", Geometry: &gating.Rectangle{X: "FSC-A", Y: "SSC-A", XMin: 0.2, XMax: 0.8, YMin: 0.2, YMax: 0.8}},
		{Name: "Poly", Geometry: &gating.Polygon{X: "FSC-A", Y: "SSC-A", Vertices: [][2]float64{{0.1, 0.1}, {0.9, 0.2}, {0.5, 0.9}}}},
		{Name: "Ell", Geometry: &gating.Ellipse{X: "FSC-A", Y: "CD4", Center: [2]float64{0.5, 2000}, Covariance: [4]float64{0.04, 0, 0, 1e6}, Threshold: 1}},
		{Name: "Quad", Geometry: &gating.Quadrant{X: "FSC-A", Y: "SSC-A", DX: 0.5, DY: 0.5}},
	}
}

func testHierarchy(t *testing.T) *gating.Hierarchy {
	t.Helper()
	h := gating.NewHierarchy()
	for _, g := range testGates() {
		if err := h.Add(g); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

// At every bin sample point the table must agree with the predicate.
func TestBuild_AgreesAtSamplePoints(t *testing.T) {
	set := testSet()
	h := testHierarchy(t)
	for _, name := range h.Order() {
		geo, _ := h.Geometry(name)
		tbl, err := Build(name, geo, set)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		dims := geo.Dimensions()
		scales := make([]*transform.Scale, len(dims))
		for i, d := range dims {
			scales[i], _ = set.Get(d)
		}
		out := make([]bool, geo.Regions())

		rng := rand.New(rand.NewSource(7))
		for k := 0; k < 2000; k++ {
			point := make([]float64, len(dims))
			bins := make([]int, len(dims))
			for i, sc := range scales {
				samples := sc.SamplePoints()
				b := rng.Intn(len(samples))
				point[i] = samples[b]
				bins[i] = sc.Digitize(point[i])
			}
			geo.Classify(point, out)
			idx := tbl.Index(bins...)
			for r := range out {
				if tbl.Regions[r][idx] != out[r] {
					t.Fatalf("%s region %d at %v: table %v, predicate %v", name, r, point, tbl.Regions[r][idx], out[r])
				}
			}
		}
	}
}

// Off the sample grid a table may only disagree with the predicate in a
// cell the gate boundary passes through, that is within one bin.
func TestClassify_OffGridWithinOneBin(t *testing.T) {
	set := testSet()
	h := testHierarchy(t)
	rng := rand.New(rand.NewSource(11))
	for _, name := range h.Order() {
		geo, _ := h.Geometry(name)
		tbl, err := Build(name, geo, set)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		dims := geo.Dimensions()
		scales := make([]*transform.Scale, len(dims))
		for i, d := range dims {
			scales[i], _ = set.Get(d)
		}
		want := make([]bool, geo.Regions())
		got := make([]bool, geo.Regions())
		corner := make([]bool, geo.Regions())

		mismatches := 0
		for k := 0; k < 5000; k++ {
			point := make([]float64, len(dims))
			bins := make([]int, len(dims))
			for i, sc := range scales {
				p := sc.Params()
				point[i] = p.Min + rng.Float64()*(p.Max-p.Min)
				bins[i] = sc.Digitize(point[i])
			}
			geo.Classify(point, want)
			tbl.Classify(point, bins, got)
			if equalFlags(got, want) {
				continue
			}
			if geo.Kind() == gating.KindQuadrant {
				t.Fatalf("%s at %v: table %v, predicate %v", name, point, got, want)
			}
			mismatches++

			// a disagreeing event sits in a cell the boundary crosses: the
			// predicate at the cell's lower corner gives the table's answer
			geo.Classify(lowerCorner(scales, bins), corner)
			if !equalFlags(corner, got) {
				t.Fatalf("%s at %v: table %v, cell corner %v", name, point, got, corner)
			}
		}
		if mismatches > 250 {
			t.Errorf("%s: %d of 5000 off-grid events disagree", name, mismatches)
		}
	}
}

func equalFlags(a, b []bool) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lowerCorner returns the sample point of the cell holding bins.
func lowerCorner(scales []*transform.Scale, bins []int) []float64 {
	out := make([]float64, len(scales))
	for i, sc := range scales {
		out[i] = sc.SamplePoints()[bins[i]]
	}
	return out
}

func TestTable_IndexClamps(t *testing.T) {
	geo := &gating.Rectangle{X: "FSC-A", Y: "SSC-A", XMin: 0, XMax: 1, YMin: 0, YMax: 1}
	tbl, err := Build("R", geo, testSet())
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Size() != 102*102 {
		t.Fatalf("size = %d", tbl.Size())
	}
	if got := tbl.Index(500, -3); got != 101*102 {
		t.Fatalf("Index(500, -3) = %d, want %d", got, 101*102)
	}
}

func TestBuild_MissingScale(t *testing.T) {
	geo := &gating.Range{Channel: "Nope", Min: 0, Max: 1}
	if _, err := Build("R", geo, testSet()); !errors.Is(err, ErrMissingScale) {
		t.Fatalf("expected ErrMissingScale, got %v", err)
	}
}

func TestStore_SelectiveRebuild(t *testing.T) {
	set := testSet()
	h := testHierarchy(t)
	s := NewStore(2)
	if err := s.RebuildAll(h, set); err != nil {
		t.Fatal(err)
	}
	if stale := s.Stale(h, set); len(stale) != 0 {
		t.Fatalf("fresh store reports stale %v", stale)
	}
	before := s.Snapshot()

	if err := h.Update("Rect", &gating.Rectangle{X: "FSC-A", Y: "SSC-A", XMin: 0.3, XMax: 0.7, YMin: 0.3, YMax: 0.7}); err != nil {
		t.Fatal(err)
	}
	rebuilt, err := s.Refresh(h, set)
	if err != nil {
		t.Fatal(err)
	}
	if len(rebuilt) != 1 || rebuilt[0] != "Rect" {
		t.Fatalf("rebuilt %v, want [Rect]", rebuilt)
	}
	after := s.Snapshot()
	for name, tbl := range before {
		if name == "Rect" {
			if after[name] == tbl {
				t.Fatalf("Rect table was not replaced")
			}
			continue
		}
		if after[name] != tbl {
			t.Fatalf("unrelated table %s was rebuilt", name)
		}
	}

	// A transform change invalidates exactly the gates on that channel.
	set2 := set.With("CD4", transform.MustNew(transform.Logicle(-100, 10000, 64)))
	stale := s.Stale(h, set2)
	if len(stale) != 2 || stale[0] != "Range" || stale[1] != "Ell" {
		t.Fatalf("stale after CD4 change = %v", stale)
	}
}

func BenchmarkBuildPolygon(b *testing.B) {
	set := testSet()
	geo := &gating.Polygon{X: "FSC-A", Y: "SSC-A", Vertices: [][2]float64{{0.1, 0.1}, {0.9, 0.2}, {0.5, 0.9}}}
	h := gating.NewHierarchy()
	if err := h.Add(gating.Gate{Name: "P", Geometry: geo}); err != nil {
		b.Fatal(err)
	}
	stored, _ := h.Geometry("P")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Build("P", stored, set); err != nil {
			b.Fatal(err)
		}
	}
}
