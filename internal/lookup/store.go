package lookup

import (
	"errors"
	"log"
	"runtime"
	"sync"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/transform"
)

// Store holds the current table of every gate in one view. Tables are never
// modified after Build; a rebuild swaps the map entry.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*Table
	workers int
}

// NewStore returns an empty store building with up to workers goroutines.
func NewStore(workers int) *Store {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Store{tables: make(map[string]*Table), workers: workers}
}

// Get returns the table of a gate.
func (s *Store) Get(gate string) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[gate]
	return t, ok
}

// Snapshot returns a copy of the gate → table map.
func (s *Store) Snapshot() map[string]*Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Table, len(s.tables))
	for k, v := range s.tables {
		out[k] = v
	}
	return out
}

// Len returns the number of tables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}

// Stale lists, in topological order, the gates whose table is missing or
// was built from another geometry or scale version.
func (s *Store) Stale(h *gating.Hierarchy, set transform.Set) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, name := range h.Order() {
		geo, _ := h.Geometry(name)
		t, ok := s.tables[name]
		if !ok || !t.Current(geo, set) {
			out = append(out, name)
		}
	}
	return out
}

// Rebuild builds tables for names outside the lock and swaps them in
// together. Gates that fail to build lose their table; their errors are
// joined in the result.
func (s *Store) Rebuild(h *gating.Hierarchy, set transform.Set, names []string) error {
	type result struct {
		name  string
		table *Table
		err   error
	}
	results := make([]result, len(names))

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i, name := range names {
		geo, ok := h.Geometry(name)
		if !ok {
			results[i] = result{name: name, err: gating.ErrUnknownGate}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, name string, geo gating.Geometry) {
			defer wg.Done()
			defer func() { <-sem }()
			t, err := Build(name, geo, set)
			results[i] = result{name: name, table: t, err: err}
		}(i, name, geo)
	}
	wg.Wait()

	var errs []error
	s.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			delete(s.tables, r.name)
			errs = append(errs, r.err)
			continue
		}
		s.tables[r.name] = r.table
	}
	s.mu.Unlock()

	if len(names) > 0 {
		log.Printf("[Lookup] rebuilt %d tables (%d failed)", len(names)-len(errs), len(errs))
	}
	return errors.Join(errs...)
}

// RebuildAll drops every table and builds one per gate in h.
func (s *Store) RebuildAll(h *gating.Hierarchy, set transform.Set) error {
	s.mu.Lock()
	s.tables = make(map[string]*Table, h.Len())
	s.mu.Unlock()
	return s.Rebuild(h, set, h.Order())
}

// Refresh rebuilds only the stale tables and returns their names.
func (s *Store) Refresh(h *gating.Hierarchy, set transform.Set) ([]string, error) {
	stale := s.Stale(h, set)
	return stale, s.Rebuild(h, set, stale)
}

// Delete drops the tables of the named gates.
func (s *Store) Delete(names ...string) {
	s.mu.Lock()
	for _, n := range names {
		delete(s.tables, n)
	}
	s.mu.Unlock()
}

// Rename moves a table to a new gate name.
func (s *Store) Rename(oldName, newName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[oldName]
	if !ok {
		return
	}
	c := *t
	c.Gate = newName
	s.tables[newName] = &c
	delete(s.tables, oldName)
}
