// Package controller owns the experiment state: the raw and unmixed event
// data, one gating view over each, the acquisition pipeline and the live
// update worker. Presentation code talks to it by view and gate name only.
package controller

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/spectraflow/server/internal/analyser"
	"github.com/spectraflow/server/internal/cache"
	"github.com/spectraflow/server/internal/config"
	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/membership"
	"github.com/spectraflow/server/internal/notify"
	"github.com/spectraflow/server/internal/stats"
	"github.com/spectraflow/server/internal/transform"
	"github.com/spectraflow/server/internal/unmix"
)

var (
	// ErrConfigMismatch rejects a sample whose channels differ from the
	// configured raw channels.
	ErrConfigMismatch = errors.New("sample does not match channel configuration")
	// ErrAcquiring is returned for operations refused during acquisition.
	ErrAcquiring = errors.New("acquisition is running")
	// ErrNotAcquiring is returned when stopping an idle controller.
	ErrNotAcquiring = errors.New("acquisition is not running")
	ErrUnknownView  = errors.New("unknown view")
	ErrUnknownMode  = errors.New("unknown mode")
)

// Mode selects what the operator is looking at.
type Mode string

const (
	ModeRaw        Mode = "raw"
	ModeUnmixed    Mode = "unmixed"
	ModeProcess    Mode = "process"
	ModeStatistics Mode = "statistics"
)

// View returns the data view a mode works on.
func (m Mode) View() string {
	if m == ModeUnmixed || m == ModeStatistics {
		return ViewUnmixed
	}
	return ViewRaw
}

func (m Mode) valid() bool {
	switch m {
	case ModeRaw, ModeUnmixed, ModeProcess, ModeStatistics:
		return true
	}
	return false
}

// Fixed axis limits of the bookkeeping columns.
const (
	timeLimit    = 3600
	eventIDLimit = 1e7
)

// ReferenceSource lists saved consumers of mask keys, per view.
type ReferenceSource interface {
	GateReferences(view string) (map[string][]string, error)
}

// Options are process-level settings that are not part of Config.
type Options struct {
	// ConfigPath is handed to worker subprocesses.
	ConfigPath string
	// Executable is re-executed for worker subprocesses; defaults to the
	// running binary.
	Executable string
	References ReferenceSource
}

// Controller is the orchestrator. It is safe for concurrent use.
type Controller struct {
	cfg    config.Config
	layout analyser.Layout
	bus    *notify.Bus
	caches *cache.Manager
	opts   Options

	mu       sync.RWMutex
	mode     Mode
	matrix   *unmix.Matrix
	views    map[string]*view
	volumeUL float64
	source   string

	acqMu sync.Mutex
	acq   *acquisition
}

// New builds a controller with empty data and no gates.
func New(cfg config.Config, bus *notify.Bus, caches *cache.Manager, opts Options) (*Controller, error) {
	layout := Layout(cfg)
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel configuration: %w", err)
	}
	if bus == nil {
		bus = notify.NewBus()
	}
	c := &Controller{
		cfg:    cfg,
		layout: layout,
		bus:    bus,
		caches: caches,
		opts:   opts,
		mode:   ModeRaw,
	}

	matrix, err := c.configuredMatrix()
	if err != nil {
		return nil, err
	}
	c.matrix = matrix

	rawSet, err := c.defaultSet(layout.Columns())
	if err != nil {
		return nil, err
	}
	unmixedCols := matrix.Columns(layout.Columns())
	unmixedSet, err := c.defaultSet(unmixedCols)
	if err != nil {
		return nil, err
	}
	c.views = map[string]*view{
		ViewRaw:     newView(ViewRaw, layout.Columns(), rawSet, cfg.Gating.Workers),
		ViewUnmixed: newView(ViewUnmixed, unmixedCols, unmixedSet, cfg.Gating.Workers),
	}
	return c, nil
}

func (c *Controller) configuredMatrix() (*unmix.Matrix, error) {
	detectors := c.cfg.FluorescenceChannels()
	u := c.cfg.Unmixing
	if len(u.Fluorophores) == 0 {
		return unmix.Identity(detectors), nil
	}
	m, err := unmix.FromSpectra(detectors, u.Fluorophores, u.Spectra)
	if err != nil {
		return nil, fmt.Errorf("failed to build unmixing matrix: %w", err)
	}
	return m, nil
}

// channelLimits returns the axis limits and whether the channel carries
// fluorescence. Fluorophores take the envelope of the fluorescence channels.
func (c *Controller) channelLimits(name string) (lo, hi float64, fluorescence bool) {
	switch name {
	case "Time":
		return 0, timeLimit, false
	case "EventID":
		return 0, eventIDLimit, false
	}
	if ch, ok := c.cfg.Channel(name); ok {
		return ch.Min, ch.Max, ch.Fluorescence
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, ch := range c.cfg.Channels {
		if ch.Fluorescence {
			lo, hi = math.Min(lo, ch.Min), math.Max(hi, ch.Max)
		}
	}
	if lo >= hi {
		return 0, 1, true
	}
	return lo, hi, true
}

// DefaultParams returns the transform a channel starts with.
func (c *Controller) DefaultParams(channel string) transform.Params {
	lo, hi, fl := c.channelLimits(channel)
	bins := c.cfg.Gating.Bins
	if !fl {
		return transform.Linear(lo, hi, bins)
	}
	switch c.cfg.Gating.DefaultTransform {
	case "log":
		return transform.Log(math.Max(lo, 1), hi, bins)
	case "linear":
		return transform.Linear(lo, hi, bins)
	}
	return transform.Logicle(lo, hi, bins)
}

func (c *Controller) scale(p transform.Params) (*transform.Scale, error) {
	if c.caches != nil {
		return c.caches.Scale(p)
	}
	return transform.New(p)
}

func (c *Controller) defaultSet(columns []string) (transform.Set, error) {
	scales := make(map[string]*transform.Scale, len(columns))
	for _, col := range columns {
		sc, err := c.scale(c.DefaultParams(col))
		if err != nil {
			return transform.Set{}, fmt.Errorf("failed to build scale for %q: %w", col, err)
		}
		scales[col] = sc
	}
	return transform.NewSet(scales), nil
}

// Bus returns the notification bus.
func (c *Controller) Bus() *notify.Bus { return c.bus }

// Config returns the configuration the controller was built with.
func (c *Controller) Config() config.Config { return c.cfg }

// view returns a view by name. Caller holds mu.
func (c *Controller) view(name string) (*view, error) {
	v, ok := c.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, name)
	}
	return v, nil
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode switches the operator mode.
func (c *Controller) SetMode(m Mode) error {
	if !m.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	c.bus.Publish(notify.Event{Name: notify.ModeChanged, View: m.View(), Message: string(m)})
	return nil
}

// Views lists the view names.
func (c *Controller) Views() []string { return []string{ViewRaw, ViewUnmixed} }

// Columns lists the channels of a view.
func (c *Controller) Columns(viewName string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.columns...), nil
}

// Events returns the number of events held and their source.
func (c *Controller) Events() (n int, source string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.views[ViewRaw].n, c.source
}

// Epoch changes whenever the data or gating of a view changes.
func (c *Controller) Epoch(viewName string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return 0, err
	}
	return v.epoch, nil
}

// Gates returns copies of the gates of a view in topological order.
func (c *Controller) Gates(viewName string) ([]gating.Gate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return nil, err
	}
	return v.h.Gates(), nil
}

// Keys lists the mask keys of a view in topological order.
func (c *Controller) Keys(viewName string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return nil, err
	}
	return v.h.AllKeys(), nil
}

// Gate returns a copy of one gate.
func (c *Controller) Gate(viewName, name string) (gating.Gate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return gating.Gate{}, err
	}
	g, ok := v.h.Get(name)
	if !ok {
		return gating.Gate{}, fmt.Errorf("%w: %q", gating.ErrUnknownGate, name)
	}
	return g, nil
}

// AddGate inserts a gate, builds its table and evaluates it.
func (c *Controller) AddGate(viewName string, g gating.Gate) error {
	c.mu.Lock()
	v, err := c.view(viewName)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if g.Geometry != nil {
		if err := v.checkAxes(g.Geometry); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if err := v.h.Add(g); err != nil {
		c.mu.Unlock()
		return err
	}
	err = v.refresh(c.volumeUL, []string{g.Name})
	c.mu.Unlock()

	c.publishGating(viewName, g.Name)
	return err
}

// UpdateGate replaces the geometry of a gate and re-evaluates it and its
// descendants only.
func (c *Controller) UpdateGate(viewName, name string, geo gating.Geometry) error {
	c.mu.Lock()
	v, err := c.view(viewName)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if geo != nil {
		if err := v.checkAxes(geo); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	oldKeys := v.h.Keys(name)
	if err := v.h.Update(name, geo); err != nil {
		c.mu.Unlock()
		return err
	}
	if v.masks != nil {
		v.masks.Drop(removedKeys(oldKeys, v.h.Keys(name))...)
	}
	err = v.refresh(c.volumeUL, []string{name})
	c.mu.Unlock()

	c.publishGating(viewName, name)
	return err
}

// RemoveGate deletes a gate (and its subtree unless keepChildren). It
// returns the removed gates and any saved consumer left dangling.
func (c *Controller) RemoveGate(viewName, name string, keepChildren bool) ([]string, []stats.Dangling, error) {
	c.mu.Lock()
	v, err := c.view(viewName)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	var keys []string
	children := v.h.Children(name)
	for _, n := range append([]string{name}, v.h.Descendants(name)...) {
		keys = append(keys, v.h.Keys(n)...)
	}
	removed, err := v.h.Remove(name, keepChildren)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	v.tables.Delete(removed...)
	if v.masks != nil {
		v.masks.Drop(removedKeys(keys, v.h.AllKeys())...)
	}
	var moved []string
	if keepChildren {
		moved = children
	}
	err = v.refresh(c.volumeUL, nil, moved...)
	dangling := c.danglingLocked(v)
	c.mu.Unlock()

	c.publishGating(viewName, name)
	c.publishDangling(viewName, dangling)
	return removed, dangling, err
}

// RenameGate renames a gate; its table moves with it.
func (c *Controller) RenameGate(viewName, oldName, newName string) ([]stats.Dangling, error) {
	c.mu.Lock()
	v, err := c.view(viewName)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	oldKeys := v.h.Keys(oldName)
	if err := v.h.Rename(oldName, newName); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	v.tables.Rename(oldName, newName)
	if v.masks != nil {
		v.masks.Drop(removedKeys(oldKeys, v.h.AllKeys())...)
	}
	err = v.refresh(c.volumeUL, nil, newName)
	dangling := c.danglingLocked(v)
	c.mu.Unlock()

	c.publishGating(viewName, newName)
	c.publishDangling(viewName, dangling)
	return dangling, err
}

// removedKeys returns the keys of before missing from after.
func removedKeys(before, after []string) []string {
	keep := make(map[string]bool, len(after))
	for _, k := range after {
		keep[k] = true
	}
	var out []string
	for _, k := range before {
		if !keep[k] {
			out = append(out, k)
		}
	}
	return out
}

// Transform returns the parameters of a channel's scale.
func (c *Controller) Transform(viewName, channel string) (transform.Params, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return transform.Params{}, err
	}
	sc, ok := v.set.Get(channel)
	if !ok {
		return transform.Params{}, fmt.Errorf("%w: %q in %s view", gating.ErrAxisScope, channel, viewName)
	}
	return sc.Params(), nil
}

// SetTransform replaces a channel's scale. Tables on that channel become
// stale and are rebuilt; other tables are untouched.
func (c *Controller) SetTransform(viewName, channel string, p transform.Params) error {
	sc, err := c.scale(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	v, err := c.view(viewName)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !v.hasColumn(channel) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q in %s view", gating.ErrAxisScope, channel, viewName)
	}
	v.set = v.set.With(channel, sc)
	err = v.refresh(c.volumeUL, nil)
	c.mu.Unlock()

	c.bus.Publish(notify.Event{Name: notify.TransformChanged, View: viewName, Message: channel})
	c.publishStatistics(viewName)
	return err
}

// Unmixing returns the active unmixing matrix.
func (c *Controller) Unmixing() *unmix.Matrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matrix
}

// SetUnmixing replaces the unmixing matrix and recomputes the unmixed view.
// Gates on fluorophores that no longer exist become invalid.
func (c *Controller) SetUnmixing(m *unmix.Matrix) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.views[ViewRaw]
	unmixed, err := m.Apply(raw.batch())
	if err != nil {
		return err
	}
	cols := m.Columns(raw.columns)
	set, err := c.defaultSet(cols)
	if err != nil {
		return err
	}
	old := c.views[ViewUnmixed]
	for _, ch := range cols {
		if sc, ok := old.set.Get(ch); ok {
			set = set.With(ch, sc)
		}
	}

	nv := newView(ViewUnmixed, cols, set, c.cfg.Gating.Workers)
	nv.h = old.h
	nv.tables = old.tables
	nv.epoch = old.epoch + 1
	nv.appendBatch(unmixed)
	c.matrix = m
	c.views[ViewUnmixed] = nv
	err = nv.rebuildAll(c.volumeUL)

	c.bus.Publish(notify.Event{Name: notify.TransformChanged, View: ViewUnmixed, Message: "unmixing"})
	c.bus.Publish(notify.Event{Name: notify.StatisticsUpdated, View: ViewUnmixed})
	return err
}

// Statistics returns the current per-gate statistics of a view.
func (c *Controller) Statistics(viewName string) (stats.Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return stats.Result{}, err
	}
	return v.result, nil
}

// Histogram1D bins one channel over the events of a gate.
func (c *Controller) Histogram1D(viewName, channel, gate string) ([]uint64, *transform.Scale, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.view(viewName)
	if err != nil {
		return nil, nil, err
	}
	sc, ok := v.set.Get(channel)
	if !ok || !v.hasColumn(channel) {
		return nil, nil, fmt.Errorf("%w: %q in %s view", gating.ErrAxisScope, channel, viewName)
	}
	mask, err := v.mask(gate)
	if err != nil {
		return nil, nil, err
	}
	return stats.Histogram1D(sc, v.data[channel], mask), sc, nil
}

// Histogram2D bins two channels over the events of a gate.
func (c *Controller) Histogram2D(viewName, x, y, gate string) (stats.Grid, *transform.Scale, *transform.Scale, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.view(viewName)
	if err != nil {
		return stats.Grid{}, nil, nil, err
	}
	sx, okx := v.set.Get(x)
	sy, oky := v.set.Get(y)
	if !okx || !oky || !v.hasColumn(x) || !v.hasColumn(y) {
		return stats.Grid{}, nil, nil, fmt.Errorf("%w: %q/%q in %s view", gating.ErrAxisScope, x, y, viewName)
	}
	mask, err := v.mask(gate)
	if err != nil {
		return stats.Grid{}, nil, nil, err
	}
	return stats.Histogram2D(sx, sy, v.data[x], v.data[y], mask), sx, sy, nil
}

// Points returns the event ids and x/y values of the events in a gate.
func (c *Controller) Points(viewName, x, y, gate string) (ids, xs, ys []float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.view(viewName)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, ch := range []string{x, y} {
		if !v.hasColumn(ch) {
			return nil, nil, nil, fmt.Errorf("%w: %q in %s view", gating.ErrAxisScope, ch, viewName)
		}
	}
	mask, err := v.mask(gate)
	if err != nil {
		return nil, nil, nil, err
	}
	idCol, cx, cy := v.data["EventID"], v.data[x], v.data[y]
	for i, in := range mask {
		if !in {
			continue
		}
		ids = append(ids, idCol[i])
		xs = append(xs, cx[i])
		ys = append(ys, cy[i])
	}
	return ids, xs, ys, nil
}

// Summary is the gating result of an external sample under the current
// gating, used for group comparisons.
type Summary struct {
	Result stats.Result
	// Medians maps mask key, then channel, to the median channel value of
	// the events in the gate. Empty gates have no entry.
	Medians map[string]map[string]float64
}

// Summarize gates an external event matrix (row-major over columns) with the
// current gating of a view without touching the controller's own data.
func (c *Controller) Summarize(viewName string, columns []string, rows []float64, volumeUL float64, channels []string) (Summary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return Summary{}, err
	}
	b := membership.NewBatch(columns, rows)
	if viewName == ViewUnmixed {
		if b, err = c.matrix.Apply(b); err != nil {
			return Summary{}, err
		}
	}
	masks := membership.NewMaskSet(b.N)
	membership.Evaluate(v.h, v.tables.Snapshot(), v.set, v.h.Order(), b, masks)

	s := Summary{
		Result:  stats.Aggregate(v.h, masks, nil, volumeUL),
		Medians: make(map[string]map[string]float64),
	}
	for _, key := range append([]string{gating.Root}, v.h.AllKeys()...) {
		mask, ok := masks.Get(key)
		if !ok || masks.Invalid(key) != nil {
			continue
		}
		for _, ch := range channels {
			col, ok := b.Column(ch)
			if !ok {
				continue
			}
			if med, ok := stats.Median(col, mask); ok {
				if s.Medians[key] == nil {
					s.Medians[key] = make(map[string]float64)
				}
				s.Medians[key][ch] = med
			}
		}
	}
	return s, nil
}

// CheckReferences reports saved consumers of a view that reference mask
// keys the hierarchy no longer defines.
func (c *Controller) CheckReferences(viewName string) ([]stats.Dangling, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.view(viewName)
	if err != nil {
		return nil, err
	}
	return c.danglingLocked(v), nil
}

func (c *Controller) danglingLocked(v *view) []stats.Dangling {
	if c.opts.References == nil {
		return nil
	}
	refs, err := c.opts.References.GateReferences(v.name)
	if err != nil {
		log.Printf("[Controller] failed to load gate references: %v", err)
		return nil
	}
	return stats.CheckReferences(v.h, refs)
}

func (c *Controller) publishGating(viewName, gate string) {
	c.bus.Publish(notify.Event{Name: notify.GatingChanged, View: viewName, Gate: gate})
	c.publishStatistics(viewName)
}

func (c *Controller) publishStatistics(viewName string) {
	res, err := c.Statistics(viewName)
	if err != nil {
		return
	}
	c.bus.Publish(notify.Event{Name: notify.StatisticsUpdated, View: viewName, Data: res})
}

func (c *Controller) publishDangling(viewName string, dangling []stats.Dangling) {
	if len(dangling) == 0 {
		return
	}
	log.Printf("[Controller] %d saved comparison references now dangling in %s view", len(dangling), viewName)
	c.bus.Publish(notify.Event{Name: notify.ComparisonInvalidated, View: viewName, Data: dangling})
}
