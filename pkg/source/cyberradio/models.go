package cyberradio

import (
	"fmt"
	"sort"
	"strings"

	"github.com/norasector/sdrsource/pkg/source"
)

// RateSet maps a DDC filter index to its output sample rate.
type RateSet map[int]float64

// Indices returns the filter indices in ascending order.
func (r RateSet) Indices() []int {
	idx := make([]int, 0, len(r))
	for i := range r {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// IndexOf returns the filter index producing rate.
func (r RateSet) IndexOf(rate float64) (int, bool) {
	for _, i := range r.Indices() {
		if r[i] == rate {
			return i, true
		}
	}
	return 0, false
}

// Model holds the fixed capabilities of one NDR radio type.
type Model struct {
	Name       string
	Tuners     int
	FreqMin    float64
	FreqMax    float64
	FreqStep   float64
	MaxAtten   float64
	WbddcRates RateSet
	NbddcRates RateSet
}

var models = map[string]Model{
	"ndr551": {
		Name:     "NDR551",
		Tuners:   4,
		FreqMin:  20e6,
		FreqMax:  6000e6,
		FreqStep: 10e6,
		MaxAtten: 40,
		WbddcRates: RateSet{
			0: 128e6,
			1: 64e6,
			2: 32e6,
			3: 16e6,
			4: 8e6,
		},
		NbddcRates: RateSet{
			0: 4e6,
			1: 2e6,
			2: 1e6,
			3: 500e3,
			4: 250e3,
			5: 125e3,
			6: 62.5e3,
		},
	},
	"ndr358": {
		Name:     "NDR358",
		Tuners:   8,
		FreqMin:  2e6,
		FreqMax:  6000e6,
		FreqStep: 1e6,
		MaxAtten: 30,
		WbddcRates: RateSet{
			0: 102.4e6,
			1: 51.2e6,
			2: 25.6e6,
		},
		NbddcRates: RateSet{
			0: 1.6e6,
			1: 800e3,
			2: 400e3,
			3: 200e3,
			4: 100e3,
			5: 50e3,
			6: 25e3,
		},
	},
	"ndr651": {
		Name:     "NDR651",
		Tuners:   2,
		FreqMin:  20e6,
		FreqMax:  6000e6,
		FreqStep: 10e6,
		MaxAtten: 46,
		WbddcRates: RateSet{
			0: 102.4e6,
			1: 51.2e6,
			2: 25.6e6,
			3: 12.8e6,
		},
		NbddcRates: RateSet{
			0: 3.2e6,
			1: 1.6e6,
			2: 800e3,
			3: 400e3,
		},
	},
}

func LookupModel(name string) (Model, error) {
	m, ok := models[strings.ToLower(name)]
	if !ok {
		known := make([]string, 0, len(models))
		for k := range models {
			known = append(known, k)
		}
		sort.Strings(known)
		return Model{}, fmt.Errorf("%w: unknown radio type %q (known: %s)", source.ErrInvalidArgument, name, strings.Join(known, ", "))
	}
	return m, nil
}

func (m Model) FreqRange() source.MetaRange {
	return source.MetaRange{source.NewRangeStep(m.FreqMin, m.FreqMax, m.FreqStep)}
}

// GainRange expresses tuner attenuation as negative gain.
func (m Model) GainRange() source.MetaRange {
	return source.MetaRange{source.NewRangeStep(-m.MaxAtten, 0, 1)}
}

func (m Model) Rates(kind DDCKind) RateSet {
	if kind == Narrowband {
		return m.NbddcRates
	}
	return m.WbddcRates
}
