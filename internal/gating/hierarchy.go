package gating

import (
	"fmt"
	"sort"
)

// Root is the mask key of the implicit all-events gate.
const Root = ""

// Hierarchy is a forest of gates. Parents are mask keys: a gate name, a
// quadrant region name, or Root. It is not safe for concurrent mutation.
type Hierarchy struct {
	gates   map[string]*Gate
	regions map[string]string // region key -> quadrant gate
	seq     map[string]int    // insertion order
	next    int
}

// NewHierarchy returns an empty hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		gates:   make(map[string]*Gate),
		regions: make(map[string]string),
		seq:     make(map[string]int),
	}
}

// Len returns the number of gates.
func (h *Hierarchy) Len() int { return len(h.gates) }

func (h *Hierarchy) keyInUse(key string) bool {
	if key == Root {
		return true
	}
	_, g := h.gates[key]
	_, r := h.regions[key]
	return g || r
}

// HasKey reports whether key is Root, a gate or a quadrant region.
func (h *Hierarchy) HasKey(key string) bool {
	if key == Root {
		return true
	}
	if _, ok := h.regions[key]; ok {
		return true
	}
	g, ok := h.gates[key]
	return ok && g.Geometry.Kind() != KindQuadrant
}

// Add validates g and inserts a copy.
func (h *Hierarchy) Add(g Gate) error {
	if g.Name == "" {
		return fmt.Errorf("%w: empty gate name", ErrInvalidGeometry)
	}
	if h.keyInUse(g.Name) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, g.Name)
	}
	if g.Geometry == nil {
		return fmt.Errorf("%w: gate %q has no geometry", ErrInvalidGeometry, g.Name)
	}
	if !h.HasKey(g.Parent) {
		return fmt.Errorf("%w: %q (parent of %q)", ErrMissingParent, g.Parent, g.Name)
	}

	geo := cloneGeometry(g.Geometry)
	if err := geo.validate(); err != nil {
		return err
	}
	if q, ok := geo.(*Quadrant); ok {
		q.fillNames(g.Name)
		if err := q.validate(); err != nil {
			return err
		}
		for _, n := range q.Names {
			if n == g.Name || h.keyInUse(n) {
				return fmt.Errorf("%w: quadrant region %q", ErrDuplicateName, n)
			}
		}
		for _, n := range q.Names {
			h.regions[n] = g.Name
		}
	}

	h.gates[g.Name] = &Gate{Name: g.Name, Parent: g.Parent, Geometry: geo}
	h.seq[g.Name] = h.next
	h.next++
	return nil
}

// Update replaces the geometry of an existing gate. A quadrant keeps its
// region names unless new ones are given; regions that still have children
// cannot disappear.
func (h *Hierarchy) Update(name string, geo Geometry) error {
	old, ok := h.gates[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGate, name)
	}
	if geo == nil {
		return fmt.Errorf("%w: gate %q has no geometry", ErrInvalidGeometry, name)
	}
	geo = cloneGeometry(geo)
	if err := geo.validate(); err != nil {
		return err
	}

	oldRegions := h.regionKeys(old)
	var newRegions []string
	if q, ok := geo.(*Quadrant); ok {
		if oq, ok := old.Geometry.(*Quadrant); ok {
			for i := range q.Names {
				if q.Names[i] == "" {
					q.Names[i] = oq.Names[i]
				}
			}
		}
		q.fillNames(name)
		if err := q.validate(); err != nil {
			return err
		}
		for _, n := range q.Names {
			if owner, used := h.regions[n]; (used && owner != name) || h.gates[n] != nil {
				return fmt.Errorf("%w: quadrant region %q", ErrDuplicateName, n)
			}
		}
		newRegions = q.Names[:]
	}

	// keys that stop existing must not be parents
	kept := map[string]bool{}
	for _, n := range newRegions {
		kept[n] = true
	}
	if geo.Kind() != KindQuadrant {
		kept[name] = true
	}
	lost := append([]string(nil), oldRegions...)
	if old.Geometry.Kind() != KindQuadrant {
		lost = append(lost, name)
	}
	for _, key := range lost {
		if kept[key] {
			continue
		}
		if kids := h.childrenOfKey(key); len(kids) > 0 {
			return fmt.Errorf("%w: %q still parents %v", ErrInvalidGeometry, key, kids)
		}
	}

	for _, n := range oldRegions {
		delete(h.regions, n)
	}
	for _, n := range newRegions {
		h.regions[n] = name
	}
	old.Geometry = geo
	return nil
}

// Remove deletes a gate. With keepChildren its children move to the removed
// gate's parent; otherwise the whole subtree goes. It returns the removed
// gate names.
func (h *Hierarchy) Remove(name string, keepChildren bool) ([]string, error) {
	g, ok := h.gates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGate, name)
	}

	if keepChildren {
		for _, child := range h.Children(name) {
			h.gates[child].Parent = g.Parent
		}
		h.drop(name)
		return []string{name}, nil
	}

	removed := append([]string{name}, h.Descendants(name)...)
	for _, n := range removed {
		h.drop(n)
	}
	return removed, nil
}

func (h *Hierarchy) drop(name string) {
	for _, r := range h.regionKeys(h.gates[name]) {
		delete(h.regions, r)
	}
	delete(h.gates, name)
	delete(h.seq, name)
}

// Rename changes a gate's name and repoints its children.
func (h *Hierarchy) Rename(oldName, newName string) error {
	g, ok := h.gates[oldName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGate, oldName)
	}
	if newName == oldName {
		return nil
	}
	if newName == "" {
		return fmt.Errorf("%w: empty gate name", ErrInvalidGeometry)
	}
	if h.keyInUse(newName) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, newName)
	}

	for _, c := range h.gates {
		if c.Parent == oldName {
			c.Parent = newName
		}
	}
	for r, owner := range h.regions {
		if owner == oldName {
			h.regions[r] = newName
		}
	}
	g.Name = newName
	delete(h.gates, oldName)
	h.gates[newName] = g
	h.seq[newName] = h.seq[oldName]
	delete(h.seq, oldName)
	return nil
}

// Get returns a copy of the named gate.
func (h *Hierarchy) Get(name string) (Gate, bool) {
	g, ok := h.gates[name]
	if !ok {
		return Gate{}, false
	}
	return Gate{Name: g.Name, Parent: g.Parent, Geometry: cloneGeometry(g.Geometry)}, true
}

// geometry returns the stored geometry without copying.
func (h *Hierarchy) geometry(name string) Geometry {
	if g, ok := h.gates[name]; ok {
		return g.Geometry
	}
	return nil
}

// Geometry returns the stored geometry of a gate. Callers must not modify it.
func (h *Hierarchy) Geometry(name string) (Geometry, bool) {
	geo := h.geometry(name)
	return geo, geo != nil
}

// Owner returns the gate defining key and the region index within it.
func (h *Hierarchy) Owner(key string) (gate string, region int, ok bool) {
	if q, isRegion := h.regions[key]; isRegion {
		names := h.gates[q].Geometry.(*Quadrant).Names
		for i, n := range names {
			if n == key {
				return q, i, true
			}
		}
	}
	if _, isGate := h.gates[key]; isGate {
		return key, 0, true
	}
	return "", 0, false
}

// ParentKey returns the mask key a key is evaluated under.
func (h *Hierarchy) ParentKey(key string) (string, bool) {
	gate, _, ok := h.Owner(key)
	if !ok {
		return Root, false
	}
	return h.gates[gate].Parent, true
}

// ParentGate returns the gate owning the parent key of a gate, or Root.
func (h *Hierarchy) ParentGate(name string) string {
	g, ok := h.gates[name]
	if !ok || g.Parent == Root {
		return Root
	}
	owner, _, _ := h.Owner(g.Parent)
	return owner
}

// Keys returns the mask keys defined by one gate.
func (h *Hierarchy) Keys(name string) []string {
	g, ok := h.gates[name]
	if !ok {
		return nil
	}
	if q, ok := g.Geometry.(*Quadrant); ok {
		return append([]string(nil), q.Names[:]...)
	}
	return []string{name}
}

func (h *Hierarchy) regionKeys(g *Gate) []string {
	if g == nil {
		return nil
	}
	if q, ok := g.Geometry.(*Quadrant); ok {
		return append([]string(nil), q.Names[:]...)
	}
	return nil
}

func (h *Hierarchy) childrenOfKey(key string) []string {
	var out []string
	for _, g := range h.gates {
		if g.Parent == key {
			out = append(out, g.Name)
		}
	}
	h.sortBySeq(out)
	return out
}

// Children returns the gates directly under a gate, including the gates
// under each region of a quadrant.
func (h *Hierarchy) Children(name string) []string {
	keys := h.Keys(name)
	if name == Root {
		keys = []string{Root}
	}
	var out []string
	for _, k := range keys {
		out = append(out, h.childrenOfKey(k)...)
	}
	h.sortBySeq(out)
	return out
}

// Descendants returns every gate below name in topological order.
func (h *Hierarchy) Descendants(name string) []string {
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, c := range h.Children(n) {
			out = append(out, c)
			walk(c)
		}
	}
	walk(name)
	return out
}

// Order returns every gate, parents before children, siblings in insertion
// order.
func (h *Hierarchy) Order() []string {
	return h.Descendants(Root)
}

// AllKeys returns every mask key in topological order, excluding Root.
func (h *Hierarchy) AllKeys() []string {
	var out []string
	for _, n := range h.Order() {
		out = append(out, h.Keys(n)...)
	}
	return out
}

// Affected returns the changed gates that still exist and all their
// descendants, in topological order.
func (h *Hierarchy) Affected(changed ...string) []string {
	mark := make(map[string]bool)
	for _, c := range changed {
		if _, ok := h.gates[c]; !ok {
			continue
		}
		mark[c] = true
		for _, d := range h.Descendants(c) {
			mark[d] = true
		}
	}
	var out []string
	for _, n := range h.Order() {
		if mark[n] {
			out = append(out, n)
		}
	}
	return out
}

// GatesOnChannel returns the gates with an axis on channel.
func (h *Hierarchy) GatesOnChannel(channel string) []string {
	var out []string
	for _, n := range h.Order() {
		for _, d := range h.gates[n].Geometry.Dimensions() {
			if d == channel {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Gates returns copies of every gate in topological order.
func (h *Hierarchy) Gates() []Gate {
	order := h.Order()
	out := make([]Gate, 0, len(order))
	for _, n := range order {
		g, _ := h.Get(n)
		out = append(out, g)
	}
	return out
}

// Clone returns an independent copy.
func (h *Hierarchy) Clone() *Hierarchy {
	c := NewHierarchy()
	for n, g := range h.gates {
		c.gates[n] = &Gate{Name: g.Name, Parent: g.Parent, Geometry: cloneGeometry(g.Geometry)}
		c.seq[n] = h.seq[n]
	}
	for r, o := range h.regions {
		c.regions[r] = o
	}
	c.next = h.next
	return c
}

func (h *Hierarchy) sortBySeq(names []string) {
	sort.Slice(names, func(i, j int) bool { return h.seq[names[i]] < h.seq[names[j]] })
}
