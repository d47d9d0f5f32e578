// Package membership evaluates gate masks for a batch of events using the
// precomputed lookup tables.
package membership

import (
	"errors"
	"fmt"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/lookup"
	"github.com/spectraflow/server/internal/transform"
)

var (
	// ErrMissingChannel marks a gate whose axis is not in the batch.
	ErrMissingChannel = errors.New("gate channel missing from data")
	// ErrMissingTable marks a gate with no lookup table.
	ErrMissingTable = errors.New("gate has no lookup table")
	// ErrInvalidParent marks a gate under an invalid or unevaluated parent.
	ErrInvalidParent = errors.New("parent gate invalid")
)

// Batch is a column-oriented set of events.
type Batch struct {
	N       int
	columns map[string][]float64
}

// NewBatch splits row-major records into named columns.
func NewBatch(names []string, rows []float64) Batch {
	w := len(names)
	n := 0
	if w > 0 {
		n = len(rows) / w
	}
	cols := make(map[string][]float64, w)
	for c, name := range names {
		col := make([]float64, n)
		for i := 0; i < n; i++ {
			col[i] = rows[i*w+c]
		}
		cols[name] = col
	}
	return Batch{N: n, columns: cols}
}

// NewBatchColumns wraps existing columns, which must all have length n.
func NewBatchColumns(n int, columns map[string][]float64) (Batch, error) {
	for name, col := range columns {
		if len(col) != n {
			return Batch{}, fmt.Errorf("column %q has %d values, want %d", name, len(col), n)
		}
	}
	return Batch{N: n, columns: columns}, nil
}

// Column returns the values of a channel.
func (b Batch) Column(name string) ([]float64, bool) {
	c, ok := b.columns[name]
	return c, ok
}

// Names lists the batch columns.
func (b Batch) Names() []string {
	out := make([]string, 0, len(b.columns))
	for k := range b.columns {
		out = append(out, k)
	}
	return out
}

// MaskSet holds one mask per key over a batch of N events. The root key is
// implicit and all true.
type MaskSet struct {
	N       int
	masks   map[string][]bool
	invalid map[string]error
	root    []bool
}

// NewMaskSet returns an empty set for n events.
func NewMaskSet(n int) *MaskSet {
	root := make([]bool, n)
	for i := range root {
		root[i] = true
	}
	return &MaskSet{N: n, masks: make(map[string][]bool), invalid: make(map[string]error), root: root}
}

// Get returns the mask of key. Invalid and unevaluated keys report false.
func (m *MaskSet) Get(key string) ([]bool, bool) {
	if key == gating.Root {
		return m.root, true
	}
	mask, ok := m.masks[key]
	return mask, ok
}

// Count returns the number of members of key.
func (m *MaskSet) Count(key string) int {
	mask, ok := m.Get(key)
	if !ok {
		return 0
	}
	n := 0
	for _, v := range mask {
		if v {
			n++
		}
	}
	return n
}

// Invalid returns the reason a key could not be evaluated, or nil.
func (m *MaskSet) Invalid(key string) error { return m.invalid[key] }

// InvalidKeys returns every invalid key with its reason.
func (m *MaskSet) InvalidKeys() map[string]error {
	out := make(map[string]error, len(m.invalid))
	for k, v := range m.invalid {
		out[k] = v
	}
	return out
}

// Keys returns the evaluated keys.
func (m *MaskSet) Keys() []string {
	out := make([]string, 0, len(m.masks))
	for k := range m.masks {
		out = append(out, k)
	}
	return out
}

// Drop forgets keys.
func (m *MaskSet) Drop(keys ...string) {
	for _, k := range keys {
		delete(m.masks, k)
		delete(m.invalid, k)
	}
}

// Append extends m with the events of other, which must hold the same
// evaluated and invalid keys. It reports false and leaves m unchanged when
// the key sets differ.
func (m *MaskSet) Append(other *MaskSet) bool {
	if len(m.masks) != len(other.masks) || len(m.invalid) != len(other.invalid) {
		return false
	}
	for k, mask := range m.masks {
		o, ok := other.masks[k]
		if !ok || len(mask) != m.N || len(o) != other.N {
			return false
		}
	}
	for k := range m.invalid {
		if _, ok := other.invalid[k]; !ok {
			return false
		}
	}
	for k, mask := range m.masks {
		m.masks[k] = append(mask, other.masks[k]...)
	}
	m.root = append(m.root, other.root...)
	m.N += other.N
	return true
}

func (m *MaskSet) markInvalid(keys []string, err error) {
	for _, k := range keys {
		delete(m.masks, k)
		m.invalid[k] = err
	}
}

func (m *MaskSet) slot(key string) []bool {
	if mask, ok := m.masks[key]; ok && len(mask) == m.N {
		return mask
	}
	mask := make([]bool, m.N)
	m.masks[key] = mask
	return mask
}

// Evaluate computes the masks of gates, which must be in topological order,
// into m. Keys of gates not listed are left untouched. A gate that cannot be
// evaluated is marked invalid along with every listed descendant.
func Evaluate(h *gating.Hierarchy, tables map[string]*lookup.Table, set transform.Set, gates []string, b Batch, m *MaskSet) {
	for _, name := range gates {
		geo, ok := h.Geometry(name)
		if !ok {
			continue
		}
		keys := h.Keys(name)
		parentKey, _ := h.ParentKey(name)

		parent, ok := m.Get(parentKey)
		if !ok || m.invalid[parentKey] != nil {
			m.markInvalid(keys, fmt.Errorf("%w: %q", ErrInvalidParent, parentKey))
			continue
		}
		tbl, ok := tables[name]
		if !ok || tbl == nil {
			m.markInvalid(keys, fmt.Errorf("%w: %q", ErrMissingTable, name))
			continue
		}

		dims := geo.Dimensions()
		cols := make([][]float64, len(dims))
		scales := make([]*transform.Scale, len(dims))
		var missing error
		for i, ch := range dims {
			col, ok := b.Column(ch)
			if !ok {
				missing = fmt.Errorf("%w: %q (gate %q)", ErrMissingChannel, ch, name)
				break
			}
			sc, ok := set.Get(ch)
			if !ok {
				missing = fmt.Errorf("%w: %q (gate %q)", lookup.ErrMissingScale, ch, name)
				break
			}
			cols[i], scales[i] = col, sc
		}
		if missing != nil {
			m.markInvalid(keys, missing)
			continue
		}

		out := make([][]bool, len(keys))
		for r, k := range keys {
			out[r] = m.slot(k)
			delete(m.invalid, k)
		}
		evalTable(tbl, scales, cols, parent, out)
	}
}

func evalTable(tbl *lookup.Table, scales []*transform.Scale, cols [][]float64, parent []bool, out [][]bool) {
	point := make([]float64, len(cols))
	bins := make([]int, len(cols))
	flags := make([]bool, len(out))
	for i := range parent {
		if !parent[i] {
			for r := range out {
				out[r][i] = false
			}
			continue
		}
		for a, sc := range scales {
			point[a] = cols[a][i]
			bins[a] = sc.Digitize(point[a])
		}
		tbl.Classify(point, bins, flags)
		for r := range out {
			out[r][i] = flags[r]
		}
	}
}
