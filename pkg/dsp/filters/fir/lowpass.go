// Package fir designs windowed-sinc FIR filter taps.
package fir

import (
	"math"
)

// NumTaps sizes a filter for the window's attenuation; the result is odd.
func NumTaps(sampleRate, transitionWidth float64, w WindowType) int {
	return int(windowAttenuation[w]*sampleRate/(22*transitionWidth)) | 1
}

// MakeLowPass returns taps with unity DC response scaled by gain.
func MakeLowPass(gain, sampleRate, cutFrequency, transitionWidth float64, w WindowType) []float32 {
	n := NumTaps(sampleRate, transitionWidth, w)
	win := Window(w, n)
	taps := make([]float32, n)

	mid := (n - 1) / 2
	omega := 2 * math.Pi * cutFrequency / sampleRate
	sum := 0.0
	for i := -mid; i <= mid; i++ {
		v := omega / math.Pi
		if i != 0 {
			v = math.Sin(float64(i)*omega) / (float64(i) * math.Pi)
		}
		v *= float64(win[i+mid])
		taps[i+mid] = float32(v)
		sum += v
	}

	for i := range taps {
		taps[i] = float32(float64(taps[i]) * gain / sum)
	}
	return taps
}
