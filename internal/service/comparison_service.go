package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/spectraflow/server/internal/cmpstore"
	"github.com/spectraflow/server/internal/controller"
	"github.com/spectraflow/server/internal/data/sample"
)

// Measures compared for every gate; channel medians are added as
// "median:<channel>".
const (
	MeasureCount            = "count"
	MeasureFractionOfParent = "fraction_of_parent"
	MeasureFractionOfRoot   = "fraction_of_root"
	MeasureConcentration    = "concentration"
	medianPrefix            = "median:"
)

var baseMeasures = []string{MeasureCount, MeasureFractionOfParent, MeasureFractionOfRoot, MeasureConcentration}

// ErrEmptyGroup is returned when a comparison group names no samples.
var ErrEmptyGroup = errors.New("comparison group is empty")

// ComparisonService compares per-sample gate statistics between two groups
// of stored samples under the controller's current gating.
type ComparisonService struct {
	ctrl *controller.Controller
}

// NewComparisonService creates a comparison service.
func NewComparisonService(ctrl *controller.Controller) *ComparisonService {
	return &ComparisonService{ctrl: ctrl}
}

// ValidateParams checks a comparison before it is queued.
func (s *ComparisonService) ValidateParams(p cmpstore.JobParams) error {
	if len(p.Group1) == 0 || len(p.Group2) == 0 {
		return ErrEmptyGroup
	}
	if p.View != controller.ViewRaw && p.View != controller.ViewUnmixed {
		return fmt.Errorf("%w: %q", controller.ErrUnknownView, p.View)
	}
	for _, name := range append(append([]string(nil), p.Group1...), p.Group2...) {
		if _, err := s.ctrl.SamplePath(name); err != nil {
			return err
		}
	}
	return nil
}

// summarize gates every sample of a group.
func (s *ComparisonService) summarize(ctx context.Context, view string, names, channels []string, progress func()) ([]controller.Summary, error) {
	out := make([]controller.Summary, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := s.ctrl.SamplePath(name)
		if err != nil {
			return nil, err
		}
		r, err := sample.Open(path)
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		meta := r.Metadata()
		if err := s.ctrl.CheckSample(meta); err != nil {
			r.Close()
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		rows, err := r.ReadAll()
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		sum, err := s.ctrl.Summarize(view, meta.Columns(), rows, meta.VolumeUL, channels)
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		out = append(out, sum)
		progress()
	}
	return out, nil
}

// measure extracts one measure of one gate from a summary.
func measure(sum controller.Summary, key, m string) (float64, bool) {
	if ch, ok := strings.CutPrefix(m, medianPrefix); ok {
		v, ok := sum.Medians[key][ch]
		return v, ok
	}
	gs, ok := sum.Result.Get(key)
	if !ok || gs.Invalid != "" {
		return 0, false
	}
	switch m {
	case MeasureCount:
		return float64(gs.Count), true
	case MeasureFractionOfParent:
		return gs.FractionOfParent, true
	case MeasureFractionOfRoot:
		return gs.FractionOfRoot, true
	case MeasureConcentration:
		return gs.Concentration, gs.Concentration > 0
	}
	return 0, false
}

// ExecuteJob runs a comparison job (called by the job manager worker).
func (s *ComparisonService) ExecuteJob(ctx context.Context, store *cmpstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := job.Params
	if err := s.ValidateParams(p); err != nil {
		return err
	}

	gates := p.Gates
	if len(gates) == 0 {
		if gates, err = s.ctrl.Keys(p.View); err != nil {
			return err
		}
	}
	if len(gates) == 0 {
		return errors.New("no gates to compare")
	}

	n1, n2 := len(p.Group1), len(p.Group2)
	store.UpdateJobCounts(jobID, n1, n2)
	total := n1 + n2
	done := 0
	step := func() {
		done++
		store.UpdateJobProgress(jobID, "gating_samples", done, total)
	}

	sums1, err := s.summarize(ctx, p.View, p.Group1, p.Channels, step)
	if err != nil {
		return err
	}
	sums2, err := s.summarize(ctx, p.View, p.Group2, p.Channels, step)
	if err != nil {
		return err
	}

	measures := append([]string(nil), baseMeasures...)
	for _, ch := range p.Channels {
		measures = append(measures, medianPrefix+ch)
	}
	wantTtest := len(p.Tests) == 0 || contains(p.Tests, "ttest")
	wantRanksum := len(p.Tests) == 0 || contains(p.Tests, "ranksum")

	store.UpdateJobProgress(jobID, "computing_stats", 0, len(gates)*len(measures))
	var items []*cmpstore.Result
	for _, key := range gates {
		for _, m := range measures {
			v1 := collect(sums1, key, m)
			v2 := collect(sums2, key, m)
			if len(v1) == 0 && len(v2) == 0 {
				continue
			}
			mean1, var1 := meanVar(v1)
			mean2, var2 := meanVar(v2)
			r := &cmpstore.Result{
				Gate:     key,
				Measure:  m,
				Mean1:    mean1,
				Mean2:    mean2,
				Log2FC:   log2FC(mean1, mean2),
				PTtest:   1,
				PRanksum: 1,
			}
			if wantTtest {
				r.PTtest = welchTTest(mean1, var1, len(v1), mean2, var2, len(v2))
			}
			if wantRanksum {
				r.PRanksum = mannWhitneyU(v1, v2)
			}
			items = append(items, r)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	store.UpdateJobProgress(jobID, "computing_fdr", 0, len(items))
	pT := make([]float64, len(items))
	pR := make([]float64, len(items))
	for i, r := range items {
		pT[i], pR[i] = r.PTtest, r.PRanksum
	}
	fdrT, fdrR := benjaminiHochberg(pT), benjaminiHochberg(pR)
	for i, r := range items {
		r.FDRTtest, r.FDRRanksum = fdrT[i], fdrR[i]
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].FDRTtest != items[j].FDRTtest {
			return items[i].FDRTtest < items[j].FDRTtest
		}
		return math.Abs(items[i].Log2FC) > math.Abs(items[j].Log2FC)
	})

	store.UpdateJobProgress(jobID, "saving_results", 0, len(items))
	if err := store.InsertResults(jobID, items); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	return nil
}

func collect(sums []controller.Summary, key, m string) []float64 {
	var out []float64
	for _, s := range sums {
		if v, ok := measure(s, key, m); ok {
			out = append(out, v)
		}
	}
	return out
}

// meanVar returns the mean and unbiased variance; fewer than two values
// have zero variance.
func meanVar(xs []float64) (mean, variance float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanVariance(xs, nil)
}

func log2FC(mean1, mean2 float64) float64 {
	const eps = 1e-9
	if math.Abs(mean1) <= eps && math.Abs(mean2) <= eps {
		return 0
	}
	if mean1 < 0 || mean2 < 0 {
		return 0
	}
	return math.Log2((mean1 + eps) / (mean2 + eps))
}

// welchTTest computes the two-tailed p-value of Welch's t-test.
func welchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) float64 {
	if n1 < 2 || n2 < 2 {
		return 1.0
	}
	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}
	t := (mean1 - mean2) / seDiff

	den := 0.0
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	df := (se1 + se2) * (se1 + se2) / den
	if df < 1 {
		df = 1
	}
	st := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * st.CDF(-math.Abs(t))
}

// mannWhitneyU computes the two-tailed p-value of the rank-sum test with the
// tie-corrected normal approximation.
func mannWhitneyU(vals1, vals2 []float64) float64 {
	n1, n2 := len(vals1), len(vals2)
	if n1 == 0 || n2 == 0 {
		return 1.0
	}

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{val: v, group: 2})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	N := len(combined)
	R1, tieSum := 0.0, 0.0
	for i := 0; i < N; {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			if combined[k].group == 1 {
				R1 += avgRank
			}
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	n1f, n2f, Nf := float64(n1), float64(n2), float64(N)
	U1 := R1 - n1f*(n1f+1)/2
	U := math.Min(U1, n1f*n2f-U1)
	muU := n1f * n2f / 2
	if N < 2 {
		return 1.0
	}
	sigmaU := math.Sqrt(n1f * n2f * ((Nf + 1) - tieSum/(Nf*(Nf-1))) / 12)
	if sigmaU < 1e-10 {
		return 1.0
	}

	z := (U - muU + 0.5) / sigmaU
	p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	return math.Min(p, 1)
}

func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		origIdx := idx[i]
		adjusted := math.Min(pvals[origIdx]*float64(n)/float64(i+1), 1)
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[origIdx] = adjusted
	}
	return fdr
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
