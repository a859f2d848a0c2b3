package sdrsource

import (
	"fmt"
)

const (
	// GainModeDefault leaves the device gain untouched.
	GainModeDefault = ""
	GainModeManual  = "manual"
	GainModeAuto    = "auto"
)

// Options is the tuning applied to the source when the receiver starts.
// Zero values leave the corresponding device setting alone.
type Options struct {
	CenterFreq float64
	SampleRate float64
	Gain       float64
	GainMode   string
	Antenna    string
	FreqCorr   float64
	Channel    int
	// TuneOffset tunes the device this far from CenterFreq and shifts the
	// samples back, keeping the DC spike away from the signal.
	TuneOffset float64
	// Decimation > 1 low-pass filters and decimates before the sinks.
	Decimation int
}

func (o Options) Validate() error {
	switch o.GainMode {
	case GainModeDefault, GainModeManual, GainModeAuto:
	default:
		return fmt.Errorf("unknown gain mode %q", o.GainMode)
	}
	if o.Channel < 0 {
		return fmt.Errorf("invalid channel %d", o.Channel)
	}
	if o.Decimation < 0 {
		return fmt.Errorf("invalid decimation %d", o.Decimation)
	}
	if o.CenterFreq < 0 || o.SampleRate < 0 {
		return fmt.Errorf("center freq and sample rate must not be negative")
	}
	return nil
}

// gainModeSetter is implemented by sources with an automatic gain loop.
type gainModeSetter interface {
	SetGainMode(automatic bool) error
}
