package controller

import (
	"fmt"
	"log"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/lookup"
	"github.com/spectraflow/server/internal/membership"
	"github.com/spectraflow/server/internal/stats"
	"github.com/spectraflow/server/internal/transform"
)

// View names.
const (
	ViewRaw     = "raw"
	ViewUnmixed = "unmixed"
)

// view is one data view: its columns over every event held, its gating
// hierarchy, scales, lookup tables and the resulting masks and statistics.
// All access happens under the controller lock.
type view struct {
	name    string
	columns []string
	h       *gating.Hierarchy
	set     transform.Set
	tables  *lookup.Store

	data   map[string][]float64
	n      int
	masks  *membership.MaskSet // over data; nil when it must be evaluated in full
	totals stats.Totals
	result stats.Result
	epoch  uint64
}

func newView(name string, columns []string, set transform.Set, workers int) *view {
	v := &view{
		name:    name,
		columns: append([]string(nil), columns...),
		h:       gating.NewHierarchy(),
		set:     set,
		tables:  lookup.NewStore(workers),
	}
	v.clear()
	return v
}

// clear drops all event data.
func (v *view) clear() {
	v.data = make(map[string][]float64, len(v.columns))
	for _, c := range v.columns {
		v.data[c] = nil
	}
	v.n = 0
	v.masks = nil
	v.totals = stats.Totals{Counts: map[string]uint64{}}
	v.result = stats.Aggregate(v.h, membership.NewMaskSet(0), nil, 0)
	v.epoch++
}

func (v *view) hasColumn(name string) bool {
	_, ok := v.data[name]
	return ok
}

// batch returns the full data as a batch. The columns are shared.
func (v *view) batch() membership.Batch {
	b, err := membership.NewBatchColumns(v.n, v.data)
	if err != nil {
		// columns only ever grow together
		panic(err)
	}
	return b
}

// appendBatch adds the events of b to the data.
func (v *view) appendBatch(b membership.Batch) {
	for _, c := range v.columns {
		col, ok := b.Column(c)
		if !ok {
			col = make([]float64, b.N)
		}
		v.data[c] = append(v.data[c], col...)
	}
	v.n += b.N
	v.epoch++
}

// checkAxes rejects geometry on channels this view does not have.
func (v *view) checkAxes(geo gating.Geometry) error {
	for _, ch := range geo.Dimensions() {
		if !v.hasColumn(ch) {
			return fmt.Errorf("%w: %q in %s view", gating.ErrAxisScope, ch, v.name)
		}
		if _, ok := v.set.Get(ch); !ok {
			return fmt.Errorf("%w: %q in %s view", lookup.ErrMissingScale, ch, v.name)
		}
	}
	return nil
}

// evaluate recomputes the masks of gates over all data. When the mask set
// does not cover the data every gate is evaluated.
func (v *view) evaluate(gates []string) {
	if v.masks == nil || v.masks.N != v.n {
		v.masks = membership.NewMaskSet(v.n)
		gates = v.h.Order()
	}
	membership.Evaluate(v.h, v.tables.Snapshot(), v.set, gates, v.batch(), v.masks)
}

// aggregate recomputes statistics wholesale from the masks.
func (v *view) aggregate(volumeUL float64) {
	v.result = stats.Aggregate(v.h, v.masks, nil, volumeUL)
	v.totals = v.result.Totals
}

// refresh rebuilds the stale tables and the tables of gates whose geometry
// changed, then re-evaluates those gates, the gates in moved and everything
// below them, and finally the statistics.
func (v *view) refresh(volumeUL float64, changed []string, moved ...string) error {
	rebuild := unique(append(v.tables.Stale(v.h, v.set), changed...))
	err := v.tables.Rebuild(v.h, v.set, rebuild)
	v.evaluate(v.h.Affected(append(rebuild, moved...)...))
	v.aggregate(volumeUL)
	v.epoch++
	if err != nil {
		log.Printf("[Controller] %s view: %v", v.name, err)
	}
	return err
}

// rebuildAll rebuilds every table and evaluates everything.
func (v *view) rebuildAll(volumeUL float64) error {
	err := v.tables.RebuildAll(v.h, v.set)
	v.masks = nil
	v.evaluate(nil)
	v.aggregate(volumeUL)
	v.epoch++
	return err
}

// ingest evaluates a new batch on its own, folds its counts into the
// running totals and appends it to the data. Current full masks are extended
// with the batch masks, so later edits only re-evaluate affected gates.
func (v *view) ingest(b membership.Batch, volumeUL float64) {
	masks := membership.NewMaskSet(b.N)
	membership.Evaluate(v.h, v.tables.Snapshot(), v.set, v.h.Order(), b, masks)
	prev := v.totals
	v.result = stats.Aggregate(v.h, masks, &prev, volumeUL)
	v.totals = v.result.Totals

	current := v.masks != nil && v.masks.N == v.n
	v.appendBatch(b)
	if !current || !v.masks.Append(masks) {
		v.masks = nil
	}
}

// mask returns the mask of key over all data, evaluating if needed.
func (v *view) mask(key string) ([]bool, error) {
	if key != gating.Root && !v.h.HasKey(key) {
		return nil, fmt.Errorf("%w: %q", gating.ErrUnknownGate, key)
	}
	if v.masks == nil || v.masks.N != v.n {
		v.evaluate(nil)
	}
	if err := v.masks.Invalid(key); err != nil {
		return nil, err
	}
	m, ok := v.masks.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q not evaluated", membership.ErrMissingTable, key)
	}
	return m, nil
}

func unique(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
