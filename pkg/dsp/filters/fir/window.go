package fir

import (
	"fmt"
	"math"
)

type WindowType int

const (
	Hamming WindowType = iota
	Hann
	Blackman
)

// maximum stopband attenuation in dB, used to size a filter
var windowAttenuation = map[WindowType]float64{
	Hamming:  53,
	Hann:     44,
	Blackman: 74,
}

func (w WindowType) String() string {
	switch w {
	case Hamming:
		return "hamming"
	case Hann:
		return "hann"
	case Blackman:
		return "blackman"
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// Window returns n coefficients of the window.
func Window(w WindowType, n int) []float32 {
	switch w {
	case Hann:
		return cosineWindow(n, 0.5, 0.5, 0)
	case Blackman:
		return cosineWindow(n, 0.42, 0.5, 0.08)
	}
	return cosineWindow(n, 0.54, 0.46, 0)
}

func BlackmanWindow(n int) []float32 {
	return Window(Blackman, n)
}

// cosineWindow evaluates a0 - a1 cos(2 pi i/M) + a2 cos(4 pi i/M).
func cosineWindow(n int, a0, a1, a2 float64) []float32 {
	out := make([]float32, n)
	if n == 1 {
		out[0] = 1
		return out
	}
	m := float64(n - 1)
	for i := range out {
		x := 2 * math.Pi * float64(i) / m
		out[i] = float32(a0 - a1*math.Cos(x) + a2*math.Cos(2*x))
	}
	return out
}
