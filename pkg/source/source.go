package source

import (
	"context"
	"fmt"

	"github.com/norasector/turbine-common/types"
)

// Source is the vendor-agnostic control facade of a receive device. Each
// vendor package provides one implementation. A Source exposes exactly one
// output port: the channel handed to Start.
//
// Control calls block until the driver answers and are not safe for
// concurrent use; callers serialize them.
type Source interface {
	// Name is a human readable device name, e.g. the motherboard name.
	Name() string
	// Args returns the parsed construction arguments.
	Args() Args

	NumChannels() (int, error)

	SampleRates() (MetaRange, error)
	SetSampleRate(rate float64) (float64, error)
	SampleRate() (float64, error)

	FreqRange(ch int) (MetaRange, error)
	SetCenterFreq(freq float64, ch int) (float64, error)
	CenterFreq(ch int) (float64, error)
	SetFreqCorr(ppm float64, ch int) (float64, error)
	FreqCorr(ch int) (float64, error)

	GainNames(ch int) ([]string, error)
	GainRange(ch int) (MetaRange, error)
	NamedGainRange(name string, ch int) (MetaRange, error)
	SetGain(gain float64, ch int) (float64, error)
	SetNamedGain(gain float64, name string, ch int) (float64, error)
	Gain(ch int) (float64, error)
	NamedGain(name string, ch int) (float64, error)

	Antennas(ch int) ([]string, error)
	SetAntenna(name string, ch int) (string, error)
	Antenna(ch int) (string, error)

	// Start streams samples into out until ctx is done, the source is closed
	// or the stream fails. It never closes out.
	Start(ctx context.Context, out chan<- *types.SegmentComplex64) error
	// Close releases the device session. Calling it twice is a no-op.
	Close() error
}

// CheckAntenna rejects antenna names the device does not report.
func CheckAntenna(name string, antennas []string) error {
	for _, a := range antennas {
		if a == name {
			return nil
		}
	}
	return fmt.Errorf("%w: antenna %q not in %v", ErrInvalidArgument, name, antennas)
}

// CheckGainName rejects gain stage names the device does not report. The
// empty name always selects the overall gain.
func CheckGainName(name string, names []string) error {
	if name == "" {
		return nil
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("%w: gain stage %q not in %v", ErrInvalidArgument, name, names)
}

// CheckFreq rejects frequencies outside the tunable range.
func CheckFreq(freq float64, freqRange MetaRange) error {
	if !freqRange.Contains(freq) {
		return fmt.Errorf("%w: frequency %.0f Hz not in %s", ErrOutOfRange, freq, freqRange)
	}
	return nil
}

// Emit sends seg on out unless ctx is done first.
func Emit(ctx context.Context, out chan<- *types.SegmentComplex64, seg *types.SegmentComplex64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- seg:
		return nil
	}
}
