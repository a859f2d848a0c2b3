package util

import "fmt"

func MHzToString(hz float64) string {
	return fmt.Sprintf("%0.4f MHz", hz/1e6)
}

func MspsToString(rate float64) string {
	return fmt.Sprintf("%0.3f Msps", rate/1e6)
}

// FrequencyRange returns the lowest and highest of freqs.
func FrequencyRange(freqs ...float64) (low, high float64) {
	for i, freq := range freqs {
		if i == 0 || freq < low {
			low = freq
		}
		if i == 0 || freq > high {
			high = freq
		}
	}
	return
}
