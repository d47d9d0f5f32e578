// Package stats turns gate masks into per-gate counts and fractions, either
// for one batch or accumulated over a live acquisition.
package stats

import (
	"sort"

	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/membership"
)

// GateStats are the figures for one mask key.
type GateStats struct {
	Key              string  `json:"key"`
	Parent           string  `json:"parent"`
	Count            uint64  `json:"count"`
	FractionOfRoot   float64 `json:"fraction_of_root"`
	FractionOfParent float64 `json:"fraction_of_parent"`
	Concentration    float64 `json:"concentration"`
	Invalid          string  `json:"invalid,omitempty"`
}

// Totals are cumulative counts carried between incremental calls.
type Totals struct {
	Root   uint64            `json:"root"`
	Counts map[string]uint64 `json:"counts"`
}

// Result of one aggregation.
type Result struct {
	Gates  []GateStats `json:"gates"`
	Totals Totals      `json:"totals"`
	// Dropped lists keys present in the previous totals that no longer
	// exist in the hierarchy.
	Dropped []string `json:"dropped,omitempty"`
}

// Get returns the statistics of key.
func (r Result) Get(key string) (GateStats, bool) {
	for _, g := range r.Gates {
		if g.Key == key {
			return g, true
		}
	}
	return GateStats{}, false
}

// Aggregate counts every mask key of h. With previous == nil the result
// covers only this batch; otherwise batch counts are added to previous.
// volumeUL is the volume acquired so far in microlitres (0 if unknown).
// Invalid keys keep their previous count and report the reason.
func Aggregate(h *gating.Hierarchy, masks *membership.MaskSet, previous *Totals, volumeUL float64) Result {
	totals := Totals{Counts: make(map[string]uint64)}
	if previous != nil {
		totals.Root = previous.Root
	}
	totals.Root += uint64(masks.N)

	keys := h.AllKeys()
	live := make(map[string]bool, len(keys))
	res := Result{Gates: make([]GateStats, 0, len(keys))}

	for _, key := range keys {
		live[key] = true
		var prev uint64
		if previous != nil {
			prev = previous.Counts[key]
		}
		parent, _ := h.ParentKey(key)
		gs := GateStats{Key: key, Parent: parent}

		if err := masks.Invalid(key); err != nil {
			gs.Invalid = err.Error()
			totals.Counts[key] = prev
			gs.Count = prev
		} else if _, ok := masks.Get(key); !ok {
			gs.Invalid = "not evaluated"
			totals.Counts[key] = prev
			gs.Count = prev
		} else {
			gs.Count = prev + uint64(masks.Count(key))
			totals.Counts[key] = gs.Count
		}
		res.Gates = append(res.Gates, gs)
	}

	for i := range res.Gates {
		gs := &res.Gates[i]
		parentCount := totals.Root
		if gs.Parent != gating.Root {
			parentCount = totals.Counts[gs.Parent]
		}
		gs.FractionOfRoot = ratio(gs.Count, totals.Root)
		gs.FractionOfParent = ratio(gs.Count, parentCount)
		if volumeUL > 0 {
			gs.Concentration = float64(gs.Count) / volumeUL
		}
	}

	if previous != nil {
		for k := range previous.Counts {
			if !live[k] {
				res.Dropped = append(res.Dropped, k)
			}
		}
		sort.Strings(res.Dropped)
	}
	res.Totals = totals
	return res
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Dangling is a consumer that references a mask key the hierarchy no longer
// defines.
type Dangling struct {
	Consumer string `json:"consumer"`
	Key      string `json:"key"`
}

// CheckReferences reports every reference in refs (consumer → keys) to a
// key missing from h.
func CheckReferences(h *gating.Hierarchy, refs map[string][]string) []Dangling {
	var out []Dangling
	for consumer, keys := range refs {
		for _, k := range keys {
			if !h.HasKey(k) {
				out = append(out, Dangling{Consumer: consumer, Key: k})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumer != out[j].Consumer {
			return out[i].Consumer < out[j].Consumer
		}
		return out[i].Key < out[j].Key
	})
	return out
}
