package gating

import (
	"errors"
	"reflect"
	"testing"
)

func rect(name, parent string) Gate {
	return Gate{Name: name, Parent: parent, Geometry: &Rectangle{X: "FSC-A", Y: "SSC-A", XMin: 0.2, XMax: 0.8, YMin: 0.2, YMax: 0.8}}
}

func buildTree(t *testing.T) *Hierarchy {
	t.Helper()
	h := NewHierarchy()
	steps := []Gate{
		rect("Cells", Root),
		{Name: "Singlets", Parent: "Cells", Geometry: &Range{Channel: "FSC-W", Min: 0, Max: 5}},
		{Name: "Q", Parent: "Singlets", Geometry: &Quadrant{X: "CD4", Y: "CD8", DX: 0.5, DY: 0.5}},
		{Name: "CD4 T", Parent: "Q +,-", Geometry: &Range{Channel: "CD3", Min: 1, Max: 2}},
		rect("Debris", Root),
	}
	for _, g := range steps {
		if err := h.Add(g); err != nil {
			t.Fatalf("add %s: %v", g.Name, err)
		}
	}
	return h
}

func TestHierarchy_Order(t *testing.T) {
	h := buildTree(t)
	want := []string{"Cells", "Singlets", "Q", "CD4 T", "Debris"}
	if got := h.Order(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Order() = %v, want %v", got, want)
	}
	keys := h.AllKeys()
	wantKeys := []string{"Cells", "Singlets", "Q +,+", "Q +,-", "Q -,+", "Q -,-", "CD4 T", "Debris"}
	if !reflect.DeepEqual(keys, wantKeys) {
		t.Fatalf("AllKeys() = %v, want %v", keys, wantKeys)
	}
	if p, _ := h.ParentKey("Q -,+"); p != "Singlets" {
		t.Fatalf("quadrant region parent = %q, want Singlets", p)
	}
	if p := h.ParentGate("CD4 T"); p != "Q" {
		t.Fatalf("ParentGate(CD4 T) = %q, want Q", p)
	}
}

func TestHierarchy_StructuralErrors(t *testing.T) {
	h := buildTree(t)
	if err := h.Add(rect("Cells", Root)); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if err := h.Add(rect("Q +,+", Root)); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("region names must be reserved, got %v", err)
	}
	if err := h.Add(rect("Orphan", "Nope")); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected ErrMissingParent, got %v", err)
	}
	if err := h.Add(rect("UnderQuadrant", "Q")); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("quadrant gate itself is not a parent key, got %v", err)
	}
	bad := Gate{Name: "Bad", Geometry: &Rectangle{X: "A", Y: "A"}}
	if err := h.Add(bad); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
	if _, err := h.Remove("Nope", false); !errors.Is(err, ErrUnknownGate) {
		t.Fatalf("expected ErrUnknownGate, got %v", err)
	}
}

func TestHierarchy_Affected(t *testing.T) {
	h := buildTree(t)
	got := h.Affected("Singlets")
	want := []string{"Singlets", "Q", "CD4 T"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Affected = %v, want %v", got, want)
	}
	if got := h.Affected("Debris", "Gone"); !reflect.DeepEqual(got, []string{"Debris"}) {
		t.Fatalf("Affected(Debris) = %v", got)
	}
}

func TestHierarchy_RemoveKeepChildren(t *testing.T) {
	h := buildTree(t)
	removed, err := h.Remove("Q", true)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(removed, []string{"Q"}) {
		t.Fatalf("removed = %v", removed)
	}
	g, _ := h.Get("CD4 T")
	if g.Parent != "Singlets" {
		t.Fatalf("child reparented to %q, want Singlets", g.Parent)
	}
	if h.HasKey("Q +,-") {
		t.Fatalf("region keys must go with their quadrant")
	}
}

func TestHierarchy_RemoveSubtree(t *testing.T) {
	h := buildTree(t)
	removed, err := h.Remove("Cells", false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Cells", "Singlets", "Q", "CD4 T"}
	if !reflect.DeepEqual(removed, want) {
		t.Fatalf("removed = %v, want %v", removed, want)
	}
	if !reflect.DeepEqual(h.Order(), []string{"Debris"}) {
		t.Fatalf("remaining = %v", h.Order())
	}
}

func TestHierarchy_Rename(t *testing.T) {
	h := buildTree(t)
	if err := h.Rename("Cells", "Lymphocytes"); err != nil {
		t.Fatal(err)
	}
	g, _ := h.Get("Singlets")
	if g.Parent != "Lymphocytes" {
		t.Fatalf("child parent = %q", g.Parent)
	}
	if err := h.Rename("Singlets", "Debris"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if err := h.Rename("Q", "Quad"); err != nil {
		t.Fatal(err)
	}
	if owner, _, _ := h.Owner("Q +,-"); owner != "Quad" {
		t.Fatalf("region owner = %q", owner)
	}
	if got := h.Order(); got[0] != "Lymphocytes" {
		t.Fatalf("rename changed order: %v", got)
	}
}

func TestHierarchy_UpdateProtectsParentRegions(t *testing.T) {
	h := buildTree(t)
	err := h.Update("Q", &Quadrant{X: "CD4", Y: "CD8", DX: 1, DY: 1, Names: [4]string{"a", "b", "c", "d"}})
	if !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("renaming a region with children must fail, got %v", err)
	}
	if err := h.Update("Q", &Quadrant{X: "CD4", Y: "CD8", DX: 1, DY: 1}); err != nil {
		t.Fatalf("moving dividers: %v", err)
	}
	geo, _ := h.Geometry("Q")
	if q := geo.(*Quadrant); q.DX != 1 || q.Names[RegionPM] != "Q +,-" {
		t.Fatalf("update not applied: %+v", q)
	}
	if err := h.Update("Cells", &Range{Channel: "FSC-A", Min: 0, Max: 1}); err != nil {
		t.Fatalf("kind change without losing keys: %v", err)
	}
}

func TestHierarchy_CopiesGeometry(t *testing.T) {
	h := NewHierarchy()
	r := &Range{Channel: "FSC-A", Min: 0, Max: 1}
	if err := h.Add(Gate{Name: "R", Geometry: r}); err != nil {
		t.Fatal(err)
	}
	r.Max = 100
	geo, _ := h.Geometry("R")
	if geo.(*Range).Max != 1 {
		t.Fatalf("hierarchy shares geometry with caller")
	}
	if got := h.GatesOnChannel("FSC-A"); !reflect.DeepEqual(got, []string{"R"}) {
		t.Fatalf("GatesOnChannel = %v", got)
	}
}

func TestSpec_RoundTrip(t *testing.T) {
	h := buildTree(t)
	for _, g := range h.Gates() {
		back, err := ToSpec(g).Gate()
		if err != nil {
			t.Fatalf("%s: %v", g.Name, err)
		}
		if back.Name != g.Name || back.Parent != g.Parent || back.Geometry.Kind() != g.Geometry.Kind() {
			t.Fatalf("%s: round trip mismatch %+v", g.Name, back)
		}
	}
	if _, err := (Spec{Name: "x", Kind: KindRange, Channels: []string{"a", "b"}}).Gate(); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected channel count error, got %v", err)
	}
}

func TestQuadrant_Classify(t *testing.T) {
	q := &Quadrant{X: "A", Y: "B", DX: 0.5, DY: 0.5}
	out := make([]bool, 4)
	q.Classify([]float64{0.5, 0.5}, out)
	if !out[RegionPP] || out[RegionPM] || out[RegionMP] || out[RegionMM] {
		t.Fatalf("tie must classify as +,+ only: %v", out)
	}
	q.Classify([]float64{0.1, 0.9}, out)
	if !out[RegionMP] {
		t.Fatalf("expected -,+: %v", out)
	}
}
