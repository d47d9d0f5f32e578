// Package config handles configuration loading for the spectraflow server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Process modes for the acquisition workers.
const (
	ProcessInProcess  = "inprocess"
	ProcessSubprocess = "subprocess"
)

// Config represents the server configuration. It is loaded once and handed
// to components by value.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Channels    []ChannelConfig   `yaml:"channels"`
	Unmixing    UnmixingConfig    `yaml:"unmixing"`
	Gating      GatingConfig      `yaml:"gating"`
	Live        LiveConfig        `yaml:"live"`
	Cache       CacheConfig       `yaml:"cache"`
	Render      RenderConfig      `yaml:"render"`
	Store       StoreConfig       `yaml:"store"`
	Samples     SamplesConfig     `yaml:"samples"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// AcquisitionConfig describes the hardware and the shared buffers.
type AcquisitionConfig struct {
	TraceCapacity     int     `yaml:"trace_capacity"`
	EventCapacity     int     `yaml:"event_capacity"`
	TargetEvents      int     `yaml:"target_events"`
	HardwareChannels  int     `yaml:"hardware_channels"`
	SamplesPerEvent   int     `yaml:"samples_per_event"`
	SampleRate        float64 `yaml:"sample_rate_hz"`
	PollIntervalMS    int     `yaml:"poll_interval_ms"`
	AnalyseIntervalMS int     `yaml:"analyse_interval_ms"`
	StopTimeoutMS     int     `yaml:"stop_timeout_ms"`
	Hardware          string  `yaml:"hardware"`
	ShmPrefix         string  `yaml:"shm_prefix"`
	ProcessMode       string  `yaml:"process_mode"`
	RecordOnStop      bool    `yaml:"record_on_stop"`
	VolumeULPerSecond float64 `yaml:"volume_ul_per_second"`
}

// ChannelConfig is one event column derived from a hardware channel.
type ChannelConfig struct {
	Name         string  `yaml:"name"`
	Hardware     int     `yaml:"hardware"`
	Role         string  `yaml:"role"`
	Fluorescence bool    `yaml:"fluorescence"`
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
}

// UnmixingConfig holds reference spectra, one row per fluorophore over the
// fluorescence channels in configuration order. Empty means identity.
type UnmixingConfig struct {
	Fluorophores []string    `yaml:"fluorophores"`
	Spectra      [][]float64 `yaml:"spectra"`
}

// GatingConfig contains lookup table settings.
type GatingConfig struct {
	Bins             int    `yaml:"bins"`
	DefaultTransform string `yaml:"default_transform"`
	Workers          int    `yaml:"workers"`
}

// LiveConfig contains live update settings.
type LiveConfig struct {
	PeriodMS int `yaml:"period_ms"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PlotSizeMB     int `yaml:"plot_size_mb"`
	PlotTTLMinutes int `yaml:"plot_ttl_minutes"`
	ScaleCacheSize int `yaml:"scale_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	PlotSize        int    `yaml:"plot_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// StoreConfig contains comparison store settings.
type StoreConfig struct {
	SQLitePath        string `yaml:"sqlite_path"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
}

// SamplesConfig contains sample directory settings.
type SamplesConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration: a dummy four-detector
// board with scatter and two fluorescence detectors.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "spectraflow",
		},
		Acquisition: AcquisitionConfig{
			TraceCapacity:     4096,
			EventCapacity:     1 << 20,
			HardwareChannels:  4,
			SamplesPerEvent:   64,
			SampleRate:        1e6,
			PollIntervalMS:    20,
			AnalyseIntervalMS: 250,
			StopTimeoutMS:     5000,
			Hardware:          "dummy",
			ShmPrefix:         "spectraflow",
			ProcessMode:       ProcessInProcess,
			VolumeULPerSecond: 1,
		},
		Channels: []ChannelConfig{
			{Name: "FSC-A", Hardware: 0, Role: "area", Min: 0, Max: 500000},
			{Name: "FSC-H", Hardware: 0, Role: "height", Min: 0, Max: 32768},
			{Name: "FSC-W", Hardware: 0, Role: "width", Min: 0, Max: 64},
			{Name: "SSC-A", Hardware: 1, Role: "area", Min: 0, Max: 500000},
			{Name: "V1-A", Hardware: 2, Role: "area", Fluorescence: true, Min: -1000, Max: 500000},
			{Name: "B1-A", Hardware: 3, Role: "area", Fluorescence: true, Min: -1000, Max: 500000},
		},
		Gating: GatingConfig{
			Bins:             256,
			DefaultTransform: "logicle",
			Workers:          4,
		},
		Live: LiveConfig{
			PeriodMS: 500,
		},
		Cache: CacheConfig{
			PlotSizeMB:     128,
			PlotTTLMinutes: 10,
			ScaleCacheSize: 256,
		},
		Render: RenderConfig{
			PlotSize:        512,
			DefaultColormap: "jet",
		},
		Store: StoreConfig{
			SQLitePath:        "./data/spectraflow.sqlite",
			RetentionDays:     30,
			MaxConcurrentJobs: 2,
		},
		Samples: SamplesConfig{
			Dir: "./data/samples",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}

	a, d := &cfg.Acquisition, defaults.Acquisition
	if a.TraceCapacity == 0 {
		a.TraceCapacity = d.TraceCapacity
	}
	if a.EventCapacity == 0 {
		a.EventCapacity = d.EventCapacity
	}
	if a.HardwareChannels == 0 {
		a.HardwareChannels = d.HardwareChannels
	}
	if a.SamplesPerEvent == 0 {
		a.SamplesPerEvent = d.SamplesPerEvent
	}
	if a.SampleRate == 0 {
		a.SampleRate = d.SampleRate
	}
	if a.PollIntervalMS == 0 {
		a.PollIntervalMS = d.PollIntervalMS
	}
	if a.AnalyseIntervalMS == 0 {
		a.AnalyseIntervalMS = d.AnalyseIntervalMS
	}
	if a.StopTimeoutMS == 0 {
		a.StopTimeoutMS = d.StopTimeoutMS
	}
	if a.Hardware == "" {
		a.Hardware = d.Hardware
	}
	if a.ShmPrefix == "" {
		a.ShmPrefix = d.ShmPrefix
	}
	if a.ProcessMode == "" {
		a.ProcessMode = d.ProcessMode
	}
	if a.VolumeULPerSecond == 0 {
		a.VolumeULPerSecond = d.VolumeULPerSecond
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = defaults.Channels
	}

	if cfg.Gating.Bins == 0 {
		cfg.Gating.Bins = defaults.Gating.Bins
	}
	if cfg.Gating.DefaultTransform == "" {
		cfg.Gating.DefaultTransform = defaults.Gating.DefaultTransform
	}
	if cfg.Gating.Workers == 0 {
		cfg.Gating.Workers = defaults.Gating.Workers
	}
	if cfg.Live.PeriodMS == 0 {
		cfg.Live.PeriodMS = defaults.Live.PeriodMS
	}
	if cfg.Cache.PlotSizeMB == 0 {
		cfg.Cache.PlotSizeMB = defaults.Cache.PlotSizeMB
	}
	if cfg.Cache.PlotTTLMinutes == 0 {
		cfg.Cache.PlotTTLMinutes = defaults.Cache.PlotTTLMinutes
	}
	if cfg.Cache.ScaleCacheSize == 0 {
		cfg.Cache.ScaleCacheSize = defaults.Cache.ScaleCacheSize
	}
	if cfg.Render.PlotSize == 0 {
		cfg.Render.PlotSize = defaults.Render.PlotSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Store.MaxConcurrentJobs == 0 {
		cfg.Store.MaxConcurrentJobs = defaults.Store.MaxConcurrentJobs
	}
	if cfg.Samples.Dir == "" {
		cfg.Samples.Dir = defaults.Samples.Dir
	}
}

// Validate rejects inconsistent acquisition geometry and channel settings.
func (c *Config) Validate() error {
	a := c.Acquisition
	if a.TraceCapacity <= 0 || a.EventCapacity <= 0 {
		return fmt.Errorf("ring capacities must be positive")
	}
	if a.TargetEvents < 0 {
		return fmt.Errorf("target_events must not be negative")
	}
	if a.HardwareChannels <= 0 || a.SamplesPerEvent <= 0 || a.SampleRate <= 0 {
		return fmt.Errorf("invalid hardware geometry")
	}
	if a.Hardware != "dummy" {
		return fmt.Errorf("unsupported hardware %q", a.Hardware)
	}
	switch a.ProcessMode {
	case ProcessInProcess, ProcessSubprocess:
	default:
		return fmt.Errorf("unknown process_mode %q", a.ProcessMode)
	}

	seen := make(map[string]bool, len(c.Channels))
	fluorescence := 0
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel with empty name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Hardware < 0 || ch.Hardware >= a.HardwareChannels {
			return fmt.Errorf("channel %q uses hardware channel %d of %d", ch.Name, ch.Hardware, a.HardwareChannels)
		}
		switch ch.Role {
		case "area", "height", "width":
		default:
			return fmt.Errorf("channel %q has unknown role %q", ch.Name, ch.Role)
		}
		if !(ch.Max > ch.Min) {
			return fmt.Errorf("channel %q has empty range [%g, %g]", ch.Name, ch.Min, ch.Max)
		}
		if ch.Fluorescence {
			fluorescence++
		}
	}

	u := c.Unmixing
	if len(u.Spectra) != len(u.Fluorophores) {
		return fmt.Errorf("unmixing has %d spectra for %d fluorophores", len(u.Spectra), len(u.Fluorophores))
	}
	for i, row := range u.Spectra {
		if len(row) != fluorescence {
			return fmt.Errorf("spectrum %d has %d values for %d fluorescence channels", i, len(row), fluorescence)
		}
	}

	switch c.Gating.DefaultTransform {
	case "linear", "logicle", "log":
	default:
		return fmt.Errorf("unknown default_transform %q", c.Gating.DefaultTransform)
	}
	if c.Gating.Bins < 2 {
		return fmt.Errorf("gating bins must be at least 2")
	}
	return nil
}

// FluorescenceChannels lists the fluorescence channel names in order.
func (c *Config) FluorescenceChannels() []string {
	var out []string
	for _, ch := range c.Channels {
		if ch.Fluorescence {
			out = append(out, ch.Name)
		}
	}
	return out
}

// Channel returns the configuration of a named channel.
func (c *Config) Channel(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// PollInterval is the producer polling period.
func (a AcquisitionConfig) PollInterval() time.Duration { return ms(a.PollIntervalMS) }

// AnalyseInterval is the analyser cycle period.
func (a AcquisitionConfig) AnalyseInterval() time.Duration { return ms(a.AnalyseIntervalMS) }

// StopTimeout bounds the wait for workers to stop.
func (a AcquisitionConfig) StopTimeout() time.Duration { return ms(a.StopTimeoutMS) }

// Period is the live update period.
func (l LiveConfig) Period() time.Duration { return ms(l.PeriodMS) }

// PlotTTL is the plot cache lifetime.
func (c CacheConfig) PlotTTL() time.Duration { return time.Duration(c.PlotTTLMinutes) * time.Minute }
