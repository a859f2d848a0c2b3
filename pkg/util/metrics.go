package util

import "time"

// TimeOperationMicroseconds runs op and returns how long it took.
func TimeOperationMicroseconds(op func()) int64 {
	start := time.Now()
	op()
	return time.Since(start).Microseconds()
}

// PerSecond converts a count observed over d into a rate.
func PerSecond(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
