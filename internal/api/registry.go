package api

import (
	"time"

	"github.com/spectraflow/server/internal/data/sample"
)

// SampleInfo describes a stored sample for the API response.
type SampleInfo struct {
	Name       string            `json:"name"`
	NEvents    int               `json:"n_events"`
	Channels   []string          `json:"channels"`
	VolumeUL   float64           `json:"volume_ul,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// SampleRegistry lists the samples stored in the sample directory.
type SampleRegistry struct {
	dir   string
	title string
}

// NewSampleRegistry creates a registry over dir.
func NewSampleRegistry(dir, title string) *SampleRegistry {
	return &SampleRegistry{dir: dir, title: title}
}

// Dir returns the sample directory.
func (r *SampleRegistry) Dir() string {
	return r.dir
}

// Title returns the configured site title.
func (r *SampleRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "SpectraFlow"
}

// Samples returns info for every stored sample, by name.
func (r *SampleRegistry) Samples() ([]SampleInfo, error) {
	metas, err := sample.List(r.dir)
	if err != nil {
		return nil, err
	}
	infos := make([]SampleInfo, 0, len(metas))
	for _, m := range metas {
		infos = append(infos, sampleInfo(m))
	}
	return infos, nil
}

func sampleInfo(m sample.Metadata) SampleInfo {
	return SampleInfo{
		Name:       m.Name,
		NEvents:    m.NEvents,
		Channels:   m.Columns(),
		VolumeUL:   m.VolumeUL,
		AcquiredAt: m.AcquiredAt,
		Tags:       m.Tags,
	}
}
