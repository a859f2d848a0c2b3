// Package mixer shifts complex baseband signals in frequency.
package mixer

import (
	"math"
)

const (
	tau float64 = math.Pi * 2
)

// Shifter multiplies its input by a complex exponential, moving every
// component up by Frequency Hz. The phase carries across buffers.
type Shifter struct {
	SampleRate float64
	Frequency  float64

	phase          float64
	phaseIncrement float64
}

func NewShifter(sampleRate, frequency float64) *Shifter {
	return &Shifter{
		SampleRate:     sampleRate,
		Frequency:      frequency,
		phaseIncrement: frequency * tau / sampleRate,
	}
}

func (s *Shifter) incrementPhase() {
	s.phase += s.phaseIncrement
	if s.phase > tau {
		s.phase -= tau
	} else if s.phase < -tau {
		s.phase += tau
	}
}

func (s *Shifter) WorkBuffer(input []complex64, output []complex64) int {
	for i := 0; i < len(input); i++ {
		sin, cos := math.Sincos(s.phase)
		output[i] = complex(float32(cos), float32(sin)) * input[i]
		s.incrementPhase()
	}
	return len(input)
}

func (s *Shifter) Work(vals []complex64) []complex64 {
	ret := make([]complex64, len(vals))
	s.WorkBuffer(vals, ret)
	return ret
}

func (s *Shifter) PredictOutputSize(inputSize int) int {
	return inputSize
}
