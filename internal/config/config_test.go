package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullFile(t *testing.T) {
	content := `
server:
  port: 9000
acquisition:
  hardware_channels: 3
  samples_per_event: 32
  sample_rate_hz: 2000000
  process_mode: subprocess
channels:
  - {name: FSC-A, hardware: 0, role: area, min: 0, max: 100000}
  - {name: FL1-A, hardware: 1, role: area, fluorescence: true, min: -100, max: 100000}
  - {name: FL2-A, hardware: 2, role: height, fluorescence: true, min: -100, max: 32768}
unmixing:
  fluorophores: [FITC, PE]
  spectra:
    - [1.0, 0.2]
    - [0.1, 1.0]
gating:
  bins: 128
live:
  period_ms: 250
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Acquisition.ProcessMode != ProcessSubprocess {
		t.Errorf("unexpected process mode %q", cfg.Acquisition.ProcessMode)
	}
	if len(cfg.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(cfg.Channels))
	}
	if got := cfg.FluorescenceChannels(); len(got) != 2 || got[1] != "FL2-A" {
		t.Errorf("unexpected fluorescence channels %v", got)
	}
	if ch, ok := cfg.Channel("FL2-A"); !ok || ch.Role != "height" {
		t.Errorf("Channel lookup failed: %+v", ch)
	}
	if cfg.Gating.Bins != 128 {
		t.Errorf("expected 128 bins, got %d", cfg.Gating.Bins)
	}
	if cfg.Live.Period() != 250*time.Millisecond {
		t.Errorf("unexpected live period %v", cfg.Live.Period())
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.PlotSizeMB != 128 {
		t.Errorf("expected default cache size 128, got %d", cfg.Cache.PlotSizeMB)
	}
	if cfg.Render.PlotSize != 512 {
		t.Errorf("expected default plot size 512, got %d", cfg.Render.PlotSize)
	}
	if len(cfg.Channels) == 0 || cfg.Acquisition.ProcessMode != ProcessInProcess {
		t.Errorf("acquisition defaults not applied: %+v", cfg.Acquisition)
	}
	if cfg.Acquisition.AnalyseInterval() != 250*time.Millisecond {
		t.Errorf("unexpected analyse interval %v", cfg.Acquisition.AnalyseInterval())
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "hardware out of range",
			content: `
channels:
  - {name: A, hardware: 9, role: area, max: 1}
`,
			want: "hardware channel",
		},
		{
			name: "duplicate channel",
			content: `
channels:
  - {name: A, hardware: 0, role: area, max: 1}
  - {name: A, hardware: 1, role: area, max: 1}
`,
			want: "duplicate",
		},
		{
			name: "spectrum width",
			content: `
unmixing:
  fluorophores: [FITC]
  spectra: [[1, 2, 3]]
`,
			want: "fluorescence channels",
		},
		{
			name: "process mode",
			content: `
acquisition:
  process_mode: threads
`,
			want: "process_mode",
		},
		{
			name: "negative target",
			content: `
acquisition:
  target_events: -1
`,
			want: "target_events",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
