package controller

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spectraflow/server/internal/data/sample"
	"github.com/spectraflow/server/internal/membership"
	"github.com/spectraflow/server/internal/notify"
)

var (
	// ErrSampleExists is returned when saving over an existing sample.
	ErrSampleExists = errors.New("sample already exists")
	// ErrInvalidName rejects sample names that are not a single path element.
	ErrInvalidName = errors.New("invalid sample name")
)

// SampleChannels describes the raw columns as stored in a sample.
func (c *Controller) SampleChannels() []sample.Channel {
	cols := c.layout.Columns()
	out := make([]sample.Channel, len(cols))
	for i, col := range cols {
		lo, hi, fl := c.channelLimits(col)
		out[i] = sample.Channel{Name: col, Min: lo, Max: hi, Fluorescence: fl}
	}
	return out
}

// CheckSample verifies that a sample carries exactly the configured raw
// channels, in order, with the configured ranges.
func (c *Controller) CheckSample(meta sample.Metadata) error {
	want := c.SampleChannels()
	if len(meta.Channels) != len(want) {
		return fmt.Errorf("%w: %d channels, configured %d", ErrConfigMismatch, len(meta.Channels), len(want))
	}
	for i, ch := range meta.Channels {
		w := want[i]
		if ch.Name != w.Name {
			return fmt.Errorf("%w: column %d is %q, configured %q", ErrConfigMismatch, i, ch.Name, w.Name)
		}
		if ch.Min != w.Min || ch.Max != w.Max {
			return fmt.Errorf("%w: %q range [%g, %g], configured [%g, %g]",
				ErrConfigMismatch, ch.Name, ch.Min, ch.Max, w.Min, w.Max)
		}
	}
	return nil
}

// SamplePath resolves a sample name inside the sample directory.
func (c *Controller) SamplePath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(c.cfg.Samples.Dir, name), nil
}

// LoadSample replaces the held data with a stored sample and recomputes all
// tables, masks and statistics of both views. Gates are kept.
func (c *Controller) LoadSample(path string) (sample.Metadata, error) {
	if c.Acquiring() {
		return sample.Metadata{}, ErrAcquiring
	}
	r, err := sample.Open(path)
	if err != nil {
		return sample.Metadata{}, err
	}
	defer r.Close()
	meta := r.Metadata()
	if err := c.CheckSample(meta); err != nil {
		return meta, err
	}
	rows, err := r.ReadAll()
	if err != nil {
		return meta, err
	}
	raw := membership.NewBatch(meta.Columns(), rows)

	c.mu.Lock()
	unmixed, err := c.matrix.Apply(raw)
	if err != nil {
		c.mu.Unlock()
		return meta, err
	}
	c.volumeUL = meta.VolumeUL
	c.source = meta.Name
	var errs []error
	for name, b := range map[string]membership.Batch{ViewRaw: raw, ViewUnmixed: unmixed} {
		v := c.views[name]
		v.clear()
		v.appendBatch(b)
		if err := v.rebuildAll(c.volumeUL); err != nil {
			errs = append(errs, err)
		}
	}
	c.mu.Unlock()

	log.Printf("[Controller] loaded sample %q: %d events", meta.Name, meta.NEvents)
	for _, name := range c.Views() {
		c.publishGating(name, "")
		c.bus.Publish(notify.Event{Name: notify.HistogramsUpdated, View: name})
	}
	return meta, errors.Join(errs...)
}

// SaveSample writes the held raw events as a new sample.
func (c *Controller) SaveSample(name string, tags map[string]string) (sample.Metadata, error) {
	path, err := c.SamplePath(name)
	if err != nil {
		return sample.Metadata{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return sample.Metadata{}, fmt.Errorf("%w: %q", ErrSampleExists, name)
	}

	c.mu.RLock()
	v := c.views[ViewRaw]
	rows := make([]float64, 0, v.n*len(v.columns))
	for i := 0; i < v.n; i++ {
		for _, col := range v.columns {
			rows = append(rows, v.data[col][i])
		}
	}
	meta := sample.Metadata{
		Name:       name,
		Channels:   c.SampleChannels(),
		VolumeUL:   c.volumeUL,
		AcquiredAt: time.Now().UTC(),
		Tags:       tags,
	}
	c.mu.RUnlock()

	if err := sample.Write(path, meta, rows); err != nil {
		return sample.Metadata{}, err
	}
	meta.NEvents = len(rows) / len(meta.Channels)
	meta.FormatVersion = sample.FormatVersion
	meta.ChunkRows = sample.DefaultChunkRows
	meta.Path = path
	log.Printf("[Controller] saved sample %q: %d events", name, meta.NEvents)
	return meta, nil
}
