// Package sourcetest runs the vendor-agnostic behavior checks every
// source.Source implementation must pass.
package sourcetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/turbine-common/types"
)

// Expectations describes vendor capabilities the suite cannot infer.
type Expectations struct {
	// FreqCorrUnsupported requires both frequency correction calls to fail
	// with source.ErrUnsupported.
	FreqCorrUnsupported bool
	// NoSampleRates allows SampleRates to be empty.
	NoSampleRates bool
}

// RunConformance opens a fresh source per check through open, which must
// register its own cleanup or leave closing to the suite.
func RunConformance(t *testing.T, open func(t *testing.T) source.Source, exp Expectations) {
	t.Helper()

	t.Run("channels", func(t *testing.T) {
		src := openClosed(t, open)
		n, err := src.NumChannels()
		if err != nil {
			t.Fatalf("NumChannels() err = %v", err)
		}
		if n < 1 {
			t.Fatalf("NumChannels() = %d", n)
		}
		if _, err := src.CenterFreq(n); !errors.Is(err, source.ErrInvalidChannel) {
			t.Errorf("CenterFreq(%d) err = %v, want ErrInvalidChannel", n, err)
		}
		if _, err := src.Antennas(-1); !errors.Is(err, source.ErrInvalidChannel) {
			t.Errorf("Antennas(-1) err = %v, want ErrInvalidChannel", err)
		}
	})

	t.Run("ranges", func(t *testing.T) {
		src := openClosed(t, open)
		rates, err := src.SampleRates()
		if err != nil {
			t.Fatalf("SampleRates() err = %v", err)
		}
		if len(rates) > 0 || !exp.NoSampleRates {
			checkRange(t, "SampleRates", rates)
		}
		forEachChannel(t, src, func(ch int) {
			freqs, err := src.FreqRange(ch)
			if err != nil {
				t.Fatalf("FreqRange(%d) err = %v", ch, err)
			}
			checkRange(t, "FreqRange", freqs)

			gains, err := src.GainRange(ch)
			if err != nil {
				t.Fatalf("GainRange(%d) err = %v", ch, err)
			}
			checkRange(t, "GainRange", gains)

			names, err := src.GainNames(ch)
			if err != nil {
				t.Fatalf("GainNames(%d) err = %v", ch, err)
			}
			for _, name := range names {
				r, err := src.NamedGainRange(name, ch)
				if err != nil {
					t.Fatalf("NamedGainRange(%q, %d) err = %v", name, ch, err)
				}
				checkRange(t, "NamedGainRange "+name, r)
			}
			if _, err := src.NamedGainRange("no-such-stage", ch); !errors.Is(err, source.ErrInvalidArgument) {
				t.Errorf("NamedGainRange(no-such-stage) err = %v, want ErrInvalidArgument", err)
			}
		})
	})

	t.Run("center freq read back", func(t *testing.T) {
		src := openClosed(t, open)
		forEachChannel(t, src, func(ch int) {
			freqs, err := src.FreqRange(ch)
			if err != nil {
				t.Fatalf("FreqRange(%d) err = %v", ch, err)
			}
			band := freqs.Sorted()[0]
			want := band.Clip(band.Start+(band.Stop-band.Start)/2, true)

			for i := 0; i < 2; i++ {
				got, err := src.SetCenterFreq(want, ch)
				if err != nil {
					t.Fatalf("SetCenterFreq(%v, %d) err = %v", want, ch, err)
				}
				if got != want {
					t.Errorf("SetCenterFreq(%v, %d) = %v", want, ch, got)
				}
			}
			if got, err := src.CenterFreq(ch); err != nil || got != want {
				t.Errorf("CenterFreq(%d) = %v, %v, want %v", ch, got, err, want)
			}
			if _, err := src.SetCenterFreq(freqs.Stop()+1e9, ch); !errors.Is(err, source.ErrOutOfRange) {
				t.Errorf("SetCenterFreq(out of range) err = %v, want ErrOutOfRange", err)
			}
		})
	})

	t.Run("freq correction", func(t *testing.T) {
		src := openClosed(t, open)
		_, getErr := src.FreqCorr(0)
		_, setErr := src.SetFreqCorr(1.5, 0)
		if exp.FreqCorrUnsupported {
			if !errors.Is(getErr, source.ErrUnsupported) {
				t.Errorf("FreqCorr() err = %v, want ErrUnsupported", getErr)
			}
			if !errors.Is(setErr, source.ErrUnsupported) {
				t.Errorf("SetFreqCorr() err = %v, want ErrUnsupported", setErr)
			}
			return
		}
		if getErr != nil || setErr != nil {
			t.Errorf("freq correction errors: get %v set %v", getErr, setErr)
		}
	})

	t.Run("gain clamps", func(t *testing.T) {
		src := openClosed(t, open)
		forEachChannel(t, src, func(ch int) {
			r, err := src.GainRange(ch)
			if err != nil {
				t.Fatalf("GainRange(%d) err = %v", ch, err)
			}
			got, err := src.SetGain(r.Stop()+100, ch)
			if err != nil {
				t.Fatalf("SetGain(too high) err = %v", err)
			}
			if !r.Contains(got) {
				t.Errorf("SetGain(too high) = %v outside %s", got, r)
			}
			got, err = src.SetGain(r.Start()-100, ch)
			if err != nil {
				t.Fatalf("SetGain(too low) err = %v", err)
			}
			if got != r.Start() {
				t.Errorf("SetGain(too low) = %v, want %v", got, r.Start())
			}
			if read, err := src.Gain(ch); err != nil || read != got {
				t.Errorf("Gain(%d) = %v, %v, want %v", ch, read, err, got)
			}
			if _, err := src.SetNamedGain(0, "no-such-stage", ch); !errors.Is(err, source.ErrInvalidArgument) {
				t.Errorf("SetNamedGain(no-such-stage) err = %v, want ErrInvalidArgument", err)
			}
		})
	})

	t.Run("antenna", func(t *testing.T) {
		src := openClosed(t, open)
		forEachChannel(t, src, func(ch int) {
			antennas, err := src.Antennas(ch)
			if err != nil || len(antennas) == 0 {
				t.Fatalf("Antennas(%d) = %v, %v", ch, antennas, err)
			}
			got, err := src.SetAntenna(antennas[0], ch)
			if err != nil || got != antennas[0] {
				t.Errorf("SetAntenna(%q) = %q, %v", antennas[0], got, err)
			}
			if _, err := src.SetAntenna("no-such-antenna", ch); !errors.Is(err, source.ErrInvalidArgument) {
				t.Errorf("SetAntenna(no-such-antenna) err = %v, want ErrInvalidArgument", err)
			}
			if cur, err := src.Antenna(ch); err != nil || cur != antennas[0] {
				t.Errorf("Antenna(%d) = %q, %v, want %q", ch, cur, err, antennas[0])
			}
		})
	})

	t.Run("close while streaming", func(t *testing.T) {
		src := open(t)
		out := make(chan *types.SegmentComplex64, 1)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-out:
				case <-stop:
					return
				}
			}
		}()

		started := make(chan error, 1)
		go func() {
			started <- src.Start(context.Background(), out)
		}()
		time.Sleep(50 * time.Millisecond)

		closed := make(chan error, 1)
		go func() {
			closed <- src.Close()
		}()
		select {
		case err := <-closed:
			if err != nil {
				t.Errorf("Close() while streaming err = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Close() blocked on a running stream")
		}
		select {
		case err := <-started:
			if !errors.Is(err, source.ErrClosed) {
				t.Errorf("Start() after Close = %v, want ErrClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Start() did not return after Close")
		}
	})

	t.Run("close releases session", func(t *testing.T) {
		src := open(t)
		if err := src.Close(); err != nil {
			t.Fatalf("Close() err = %v", err)
		}
		if err := src.Close(); err != nil {
			t.Errorf("second Close() err = %v", err)
		}
		if _, err := src.NumChannels(); !errors.Is(err, source.ErrClosed) {
			t.Errorf("NumChannels() after Close err = %v, want ErrClosed", err)
		}

		again := open(t)
		defer again.Close()
		if _, err := again.NumChannels(); err != nil {
			t.Errorf("reopened NumChannels() err = %v", err)
		}
	})
}

func openClosed(t *testing.T, open func(t *testing.T) source.Source) source.Source {
	src := open(t)
	t.Cleanup(func() { src.Close() })
	return src
}

func forEachChannel(t *testing.T, src source.Source, fn func(ch int)) {
	n, err := src.NumChannels()
	if err != nil {
		t.Fatalf("NumChannels() err = %v", err)
	}
	for ch := 0; ch < n; ch++ {
		fn(ch)
	}
}

func checkRange(t *testing.T, what string, r source.MetaRange) {
	if err := r.Validate(); err != nil {
		t.Errorf("%s %s: %v", what, r, err)
	}
}

// CheckDevices requires every discovered device string to be canonical, to
// name driver as its first bare key and to carry a label.
func CheckDevices(t *testing.T, driver string, devices []string) {
	t.Helper()
	if devices == nil {
		t.Errorf("%s devices = nil, want a slice", driver)
	}
	for _, d := range devices {
		args := source.ParseArgs(d)
		if got := args.String(); got != d {
			t.Errorf("device %q renders as %q", d, got)
		}
		keys := args.Keys()
		if len(keys) == 0 || keys[0] != driver || args.Get(driver, "") != "" {
			t.Errorf("device %q does not name driver %q", d, driver)
		}
		if args.Get("label", "") == "" {
			t.Errorf("device %q has no label", d)
		}
		reg := source.NewRegistry(source.Driver{Name: driver})
		if got, err := reg.Lookup(args); err != nil || got.Name != driver {
			t.Errorf("Lookup(%q) = %q, %v", d, got.Name, err)
		}
	}
}
