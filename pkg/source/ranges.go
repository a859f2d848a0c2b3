package source

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Range is either a single value (Start == Stop, Step == 0) or a closed
// interval with an optional step.
type Range struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Step  float64 `json:"step"`
}

func NewRange(v float64) Range {
	return Range{Start: v, Stop: v}
}

func NewRangeStep(start, stop, step float64) Range {
	return Range{Start: start, Stop: stop, Step: step}
}

func (r Range) IsValue() bool {
	return r.Start == r.Stop
}

func (r Range) Validate() error {
	if r.Start > r.Stop {
		return fmt.Errorf("%w: range start %g > stop %g", ErrInvalidArgument, r.Start, r.Stop)
	}
	if r.Step < 0 {
		return fmt.Errorf("%w: range step %g < 0", ErrInvalidArgument, r.Step)
	}
	return nil
}

func (r Range) Contains(v float64) bool {
	return v >= r.Start && v <= r.Stop
}

// Clip bounds v to the range, optionally snapping to the nearest step
// counted from Start.
func (r Range) Clip(v float64, clipStep bool) float64 {
	if v < r.Start {
		return r.Start
	}
	if v > r.Stop {
		return r.Stop
	}
	if clipStep && r.Step > 0 {
		n := math.Round((v - r.Start) / r.Step)
		v = r.Start + n*r.Step
		if v > r.Stop {
			v -= r.Step
		}
	}
	return v
}

func (r Range) String() string {
	if r.IsValue() {
		return fmt.Sprintf("%g", r.Start)
	}
	return fmt.Sprintf("(%g, %g, %g)", r.Start, r.Stop, r.Step)
}

// MetaRange is an ordered set of ranges, e.g. several discontinuous bands.
// An empty MetaRange means the parameter cannot be selected.
type MetaRange []Range

func (m MetaRange) Start() float64 {
	if len(m) == 0 {
		return 0
	}
	starts := make([]float64, len(m))
	for i, r := range m {
		starts[i] = r.Start
	}
	return floats.Min(starts)
}

func (m MetaRange) Stop() float64 {
	if len(m) == 0 {
		return 0
	}
	stops := make([]float64, len(m))
	for i, r := range m {
		stops[i] = r.Stop
	}
	return floats.Max(stops)
}

// Step returns the smallest non-zero step, or 0 when every range is a
// single value.
func (m MetaRange) Step() float64 {
	step := 0.0
	for _, r := range m {
		if r.Step > 0 && (step == 0 || r.Step < step) {
			step = r.Step
		}
	}
	return step
}

// Values returns the sorted, deduplicated single values of the set.
// Interval ranges contribute their endpoints.
func (m MetaRange) Values() []float64 {
	vals := make([]float64, 0, len(m))
	for _, r := range m {
		vals = append(vals, r.Start)
		if !r.IsValue() {
			vals = append(vals, r.Stop)
		}
	}
	sort.Float64s(vals)
	out := vals[:0]
	for i, v := range vals {
		if i == 0 || v != vals[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func (m MetaRange) Contains(v float64) bool {
	for _, r := range m {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Clip returns the legal value closest to v.
func (m MetaRange) Clip(v float64, clipStep bool) float64 {
	if len(m) == 0 {
		return v
	}
	best := v
	bestDist := math.Inf(1)
	for _, r := range m {
		c := r.Clip(v, clipStep)
		if d := math.Abs(c - v); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func (m MetaRange) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("%w: empty range", ErrInvalidArgument)
	}
	for _, r := range m {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Sorted returns a copy ordered by Start.
func (m MetaRange) Sorted() MetaRange {
	out := append(MetaRange(nil), m...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (m MetaRange) String() string {
	parts := make([]string, len(m))
	for i, r := range m {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
