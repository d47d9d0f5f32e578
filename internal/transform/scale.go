// Package transform implements the axis transforms used for display and for
// binning events: linear, logicle (biexponential), log and identity.
//
// A Scale is immutable. Editing a transform builds a new Scale with a new
// Version; readers holding the old one keep a consistent view.
package transform

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Kind names a transform.
type Kind string

const (
	KindLinear   Kind = "linear"
	KindLogicle  Kind = "logicle"
	KindLog      Kind = "log"
	KindIdentity Kind = "identity"
)

// ErrDomain is returned when transform parameters are out of range.
var ErrDomain = errors.New("transform parameter out of domain")

// maxIdentityBins caps the derived bin count of identity scales.
const maxIdentityBins = 1 << 20

// Params fully determine a Scale.
type Params struct {
	Kind Kind    `json:"kind" yaml:"kind"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Bins int     `json:"bins" yaml:"bins"`

	// linear
	Scale float64 `json:"a,omitempty" yaml:"a,omitempty"`
	// logicle and log
	T float64 `json:"t,omitempty" yaml:"t,omitempty"`
	W float64 `json:"w,omitempty" yaml:"w,omitempty"`
	M float64 `json:"m,omitempty" yaml:"m,omitempty"`
	A float64 `json:"a_offset,omitempty" yaml:"a_offset,omitempty"`
}

// Linear returns linear params with scale constant 1.
func Linear(min, max float64, bins int) Params {
	return Params{Kind: KindLinear, Min: min, Max: max, Bins: bins, Scale: 1}
}

// Logicle returns logicle params with the usual cytometry defaults.
func Logicle(min, max float64, bins int) Params {
	return Params{Kind: KindLogicle, Min: min, Max: max, Bins: bins, T: max, W: 0.5, M: 4.5, A: 0}
}

// Log returns log params spanning M decades below T.
func Log(min, max float64, bins int) Params {
	return Params{Kind: KindLog, Min: min, Max: max, Bins: bins, T: max, M: 4.5}
}

// Identity returns params with one bin per integer unit.
func Identity(min, max float64) Params {
	return Params{Kind: KindIdentity, Min: min, Max: max}
}

// Fingerprint is a canonical string for caching scales by value.
func (p Params) Fingerprint() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return strings.Join([]string{
		string(p.Kind), f(p.Min), f(p.Max), strconv.Itoa(p.Bins),
		f(p.Scale), f(p.T), f(p.W), f(p.M), f(p.A),
	}, "|")
}

// Validate checks the parameters against the domain of their kind.
func (p Params) Validate() error {
	if math.IsNaN(p.Min) || math.IsNaN(p.Max) || math.IsInf(p.Min, 0) || math.IsInf(p.Max, 0) {
		return fmt.Errorf("%w: limits must be finite", ErrDomain)
	}
	if !(p.Max > p.Min) {
		return fmt.Errorf("%w: limits [%g, %g] are empty", ErrDomain, p.Min, p.Max)
	}
	switch p.Kind {
	case KindLinear:
		if !(p.Scale > 0) {
			return fmt.Errorf("%w: linear scale constant must be positive, got %g", ErrDomain, p.Scale)
		}
	case KindLogicle:
		if !(p.T > 0) || !(p.M > 0) {
			return fmt.Errorf("%w: logicle T and M must be positive", ErrDomain)
		}
		if p.W < 0 || 2*p.W > p.M {
			return fmt.Errorf("%w: logicle W=%g outside [0, M/2]", ErrDomain, p.W)
		}
		if p.A < -p.W || p.A+2*p.W > p.M {
			return fmt.Errorf("%w: logicle A=%g outside [-W, M-2W]", ErrDomain, p.A)
		}
	case KindLog:
		if !(p.T > 0) || !(p.M > 0) {
			return fmt.Errorf("%w: log T and M must be positive", ErrDomain)
		}
		if !(p.Min > 0) {
			return fmt.Errorf("%w: log limits must be positive, got min %g", ErrDomain, p.Min)
		}
	case KindIdentity:
		lo, hi := math.Ceil(p.Min), math.Floor(p.Max)
		if hi < lo {
			return fmt.Errorf("%w: identity limits [%g, %g] contain no integer", ErrDomain, p.Min, p.Max)
		}
		if hi-lo+1 > maxIdentityBins {
			return fmt.Errorf("%w: identity limits span more than %d units", ErrDomain, maxIdentityBins)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown transform kind %q", ErrDomain, p.Kind)
	}
	if p.Bins < 2 {
		return fmt.Errorf("%w: bin count must be at least 2, got %d", ErrDomain, p.Bins)
	}
	return nil
}

type function interface {
	forward(float64) float64
	inverse(float64) float64
}

type linear struct{ a float64 }

func (l linear) forward(x float64) float64 { return l.a * x }
func (l linear) inverse(y float64) float64 { return y / l.a }

type identity struct{}

func (identity) forward(x float64) float64 { return x }
func (identity) inverse(y float64) float64 { return y }

// logarithmic maps [T·10^-M, T] onto display [0, 1].
type logarithmic struct{ t, m float64 }

func (l logarithmic) forward(x float64) float64 {
	if x <= 0 {
		x = math.SmallestNonzeroFloat64
	}
	return math.Log10(x/l.t)/l.m + 1
}

func (l logarithmic) inverse(y float64) float64 {
	return l.t * math.Pow(10, (y-1)*l.m)
}

var versions atomic.Uint64

// Scale is an immutable binned transform for one channel axis.
type Scale struct {
	params  Params
	fn      function
	steps   []float64
	bounds  []float64
	samples []float64
	version uint64
}

// New validates p and derives the bin geometry.
func New(p Params) (*Scale, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Scale{params: p, version: versions.Add(1)}

	switch p.Kind {
	case KindLinear:
		s.fn = linear{a: p.Scale}
		s.steps = evenSteps(p.Min, p.Max, p.Bins)
	case KindIdentity:
		s.fn = identity{}
		lo, hi := math.Ceil(p.Min), math.Floor(p.Max)
		n := int(hi-lo) + 1
		s.params.Bins = n
		s.steps = make([]float64, n)
		for i := range s.steps {
			s.steps[i] = lo + float64(i)
		}
	case KindLogicle:
		s.fn = newLogicle(p.T, p.W, p.M, p.A)
		s.steps = s.displaySteps()
	case KindLog:
		s.fn = logarithmic{t: p.T, m: p.M}
		s.steps = s.displaySteps()
	}

	s.bounds = make([]float64, len(s.steps)+2)
	s.bounds[0] = math.Inf(-1)
	copy(s.bounds[1:], s.steps)
	s.bounds[len(s.bounds)-1] = math.Inf(1)

	s.samples = make([]float64, len(s.steps)+1)
	copy(s.samples[1:], s.steps)
	if p.Kind == KindLinear || p.Kind == KindIdentity {
		s.samples[0] = s.steps[0] - (s.steps[1%len(s.steps)] - s.steps[0])
		if len(s.steps) == 1 {
			s.samples[0] = s.steps[0] - 1
		}
	} else {
		lo := s.fn.forward(s.steps[0])
		hi := s.fn.forward(s.steps[len(s.steps)-1])
		s.samples[0] = s.fn.inverse(lo - (hi-lo)/float64(len(s.steps)-1))
	}
	return s, nil
}

// MustNew is New for parameters known to be valid.
func MustNew(p Params) *Scale {
	s, err := New(p)
	if err != nil {
		panic(err)
	}
	return s
}

func evenSteps(min, max float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = min + (max-min)*float64(i)/float64(n-1)
	}
	out[n-1] = max
	return out
}

// displaySteps inverts an evenly spaced grid over the display range.
func (s *Scale) displaySteps() []float64 {
	p := s.params
	lo, hi := s.fn.forward(p.Min), s.fn.forward(p.Max)
	grid := evenSteps(lo, hi, p.Bins)
	out := make([]float64, len(grid))
	for i, g := range grid {
		out[i] = s.fn.inverse(g)
	}
	out[0], out[len(out)-1] = p.Min, p.Max
	// Round-off in the inverse must not break monotonicity.
	for i := 1; i < len(out); i++ {
		if out[i] < out[i-1] {
			out[i] = out[i-1]
		}
	}
	return out
}

// Params returns the parameters the scale was built from. Identity scales
// report their derived bin count.
func (s *Scale) Params() Params { return s.params }

// Kind returns the transform kind.
func (s *Scale) Kind() Kind { return s.params.Kind }

// Version identifies this scale instance; every New call yields a new one.
func (s *Scale) Version() uint64 { return s.version }

// Bins is the number of steps. Digitize yields Bins()+1 distinct indices.
func (s *Scale) Bins() int { return len(s.steps) }

// Forward maps raw data to display space.
func (s *Scale) Forward(x float64) float64 { return s.fn.forward(x) }

// Inverse maps display space to raw data.
func (s *Scale) Inverse(y float64) float64 { return s.fn.inverse(y) }

// Steps returns the raw-space step values (no sentinels).
func (s *Scale) Steps() []float64 { return s.steps }

// Boundaries returns the steps framed by -Inf and +Inf.
func (s *Scale) Boundaries() []float64 { return s.bounds }

// SamplePoints returns one raw value per bin: each bin's lower step, and for
// bin 0 one display step below the first step.
func (s *Scale) SamplePoints() []float64 { return s.samples }

// Digitize returns the number of steps less than or equal to x, in
// [0, Bins()]. NaN maps to bin 0.
func (s *Scale) Digitize(x float64) int {
	steps := s.steps
	lo, hi := 0, len(steps)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if steps[mid] <= x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// DigitizeAll digitizes xs into out, which must be at least as long.
func (s *Scale) DigitizeAll(xs []float64, out []int) {
	for i, x := range xs {
		out[i] = s.Digitize(x)
	}
}

// Set maps channel names to scales. It is a value; With returns a copy.
type Set struct {
	m map[string]*Scale
}

// NewSet copies scales into a Set.
func NewSet(scales map[string]*Scale) Set {
	m := make(map[string]*Scale, len(scales))
	for k, v := range scales {
		m[k] = v
	}
	return Set{m: m}
}

// Get returns the scale of channel.
func (s Set) Get(channel string) (*Scale, bool) {
	sc, ok := s.m[channel]
	return sc, ok
}

// With returns a new Set where channel uses sc.
func (s Set) With(channel string, sc *Scale) Set {
	m := make(map[string]*Scale, len(s.m)+1)
	for k, v := range s.m {
		m[k] = v
	}
	m[channel] = sc
	return Set{m: m}
}

// Channels lists the channels in name order.
func (s Set) Channels() []string {
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of channels.
func (s Set) Len() int { return len(s.m) }
