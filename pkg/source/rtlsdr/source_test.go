package rtlsdr

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/source/sourcetest"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

// fakeDongle mimics an R820T dongle.
type fakeDongle struct {
	mu        sync.Mutex
	freq      int
	rate      int
	ppm       int
	gain      int
	manual    bool
	closed    bool
	cancel    chan struct{}
	setPPMs   int
	readErr   error
	reads     int
	canceled  int
	reading   bool
	callbacks int
	// closed under a running ReadAsync
	closedEarly bool
}

var r820tGains = []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}

func newFakeDongle() *fakeDongle {
	return &fakeDongle{rate: 2048000, freq: 100e6, cancel: make(chan struct{})}
}

func (d *fakeDongle) SetCenterFreq(freq int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freq = freq
	return nil
}

func (d *fakeDongle) GetCenterFreq() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq
}

func (d *fakeDongle) SetSampleRate(rate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rate = rate
	return nil
}

func (d *fakeDongle) GetSampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

func (d *fakeDongle) SetFreqCorrection(ppm int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ppm == d.ppm {
		return errors.New("rtlsdr_set_freq_correction failed with error code: -2")
	}
	d.ppm = ppm
	d.setPPMs++
	return nil
}

func (d *fakeDongle) GetFreqCorrection() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ppm
}

func (d *fakeDongle) GetTunerGains() ([]int, error) {
	return r820tGains, nil
}

func (d *fakeDongle) SetTunerGainMode(manual bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manual = manual
	return nil
}

func (d *fakeDongle) SetTunerGain(gain int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gain = gain
	return nil
}

func (d *fakeDongle) GetTunerGain() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gain
}

func (d *fakeDongle) ResetBuffer() error { return nil }

func (d *fakeDongle) ReadAsync(cb func([]byte), bufNum, bufLen int) error {
	d.mu.Lock()
	d.reads++
	readErr := d.readErr
	d.reading = readErr == nil
	d.mu.Unlock()
	if readErr != nil {
		return readErr
	}
	defer func() {
		d.mu.Lock()
		d.reading = false
		d.mu.Unlock()
	}()
	for {
		select {
		case <-d.cancel:
			return nil
		default:
		}
		d.mu.Lock()
		d.callbacks++
		d.mu.Unlock()
		cb([]byte{255, 0, 0, 255})
		time.Sleep(time.Millisecond)
	}
}

func (d *fakeDongle) CancelAsync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled++
	close(d.cancel)
	return nil
}

func (d *fakeDongle) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.closedEarly = d.reading
	return nil
}

func useFake(t *testing.T) *fakeDongle {
	t.Helper()
	dev := newFakeDongle()
	prev := openDongle
	openDongle = func(index int) (dongle, error) {
		return dev, nil
	}
	t.Cleanup(func() { openDongle = prev })
	return dev
}

func TestConformance(t *testing.T) {
	prev := openDongle
	openDongle = func(index int) (dongle, error) {
		return newFakeDongle(), nil
	}
	defer func() { openDongle = prev }()

	sourcetest.RunConformance(t, func(t *testing.T) source.Source {
		src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr,rtl=0"))
		if err != nil {
			t.Fatalf("NewRTLSDRSource() = %v", err)
		}
		return src
	}, sourcetest.Expectations{})
}

func TestGain(t *testing.T) {
	dev := useFake(t)
	src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr"))
	if err != nil {
		t.Fatalf("NewRTLSDRSource() = %v", err)
	}
	defer src.Close()

	tests := []struct {
		gain float64
		want float64
	}{
		{40, 40.2},
		{20, 19.7},
		{-5, 0},
		{60, 49.6},
	}
	for _, tt := range tests {
		got, err := src.SetGain(tt.gain, 0)
		if err != nil || got != tt.want {
			t.Errorf("SetGain(%v) = %v, %v, want %v", tt.gain, got, err, tt.want)
		}
	}
	if !dev.manual {
		t.Error("gain mode not switched to manual")
	}

	if err := src.SetGainMode(true); err != nil || dev.manual {
		t.Errorf("SetGainMode(true) = %v, manual %v", err, dev.manual)
	}
}

func TestFreqCorr(t *testing.T) {
	dev := useFake(t)
	src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr"))
	if err != nil {
		t.Fatalf("NewRTLSDRSource() = %v", err)
	}
	defer src.Close()

	if got, err := src.SetFreqCorr(12.4, 0); err != nil || got != 12 {
		t.Errorf("SetFreqCorr(12.4) = %v, %v", got, err)
	}
	if got, err := src.SetFreqCorr(12, 0); err != nil || got != 12 {
		t.Errorf("SetFreqCorr(12) again = %v, %v", got, err)
	}
	if dev.setPPMs != 1 {
		t.Errorf("driver called %d times, want 1", dev.setPPMs)
	}
}

func TestSampleRate(t *testing.T) {
	useFake(t)
	src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr"))
	if err != nil {
		t.Fatalf("NewRTLSDRSource() = %v", err)
	}
	defer src.Close()

	if got, err := src.SetSampleRate(2.4e6); err != nil || got != 2.4e6 {
		t.Errorf("SetSampleRate(2.4e6) = %v, %v", got, err)
	}
	// the gap between the two bands is unusable
	if _, err := src.SetSampleRate(500e3); !errors.Is(err, source.ErrOutOfRange) {
		t.Errorf("SetSampleRate(500e3) err = %v", err)
	}
}

func TestStart(t *testing.T) {
	dev := useFake(t)
	src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr"))
	if err != nil {
		t.Fatalf("NewRTLSDRSource() = %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *types.SegmentComplex64, 4)
	done := make(chan error, 1)
	go func() {
		done <- src.Start(ctx, out)
	}()

	for i := 1; i <= 3; i++ {
		seg := <-out
		if seg.SegmentNumber != i {
			t.Errorf("SegmentNumber = %d, want %d", seg.SegmentNumber, i)
		}
		want := []complex64{complex(1, -1), complex(-1, 1)}
		if !reflect.DeepEqual(seg.Data, want) {
			t.Errorf("Data = %v, want %v", seg.Data, want)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() = %v", err)
	}
	if dev.canceled != 1 {
		t.Errorf("CancelAsync called %d times", dev.canceled)
	}
}

func TestCloseWhileStreaming(t *testing.T) {
	tests := []struct {
		name     string
		buffer   int
		wantDrop bool
	}{
		// an unbuffered, unread channel leaves the callback blocked in Emit
		{"consumer stalled", 0, true},
		{"consumer idle", 64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := useFake(t)
			var logs bytes.Buffer
			src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr"), source.WithLogger(zerolog.New(&logs)))
			if err != nil {
				t.Fatalf("NewRTLSDRSource() = %v", err)
			}

			done := make(chan error, 1)
			go func() {
				done <- src.Start(context.Background(), make(chan *types.SegmentComplex64, tt.buffer))
			}()
			for deadline := time.Now().Add(5 * time.Second); ; {
				dev.mu.Lock()
				called := dev.callbacks > 0
				dev.mu.Unlock()
				if called {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("ReadAsync not called")
				}
				time.Sleep(time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)

			if err := src.Close(); err != nil {
				t.Errorf("Close() = %v", err)
			}
			select {
			case err := <-done:
				if !errors.Is(err, source.ErrClosed) {
					t.Errorf("Start() = %v, want ErrClosed", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Start() did not return after Close")
			}
			if tt.wantDrop && !strings.Contains(logs.String(), "segment not delivered") {
				t.Errorf("undelivered segment not logged: %s", logs.String())
			}

			dev.mu.Lock()
			defer dev.mu.Unlock()
			if dev.canceled != 1 {
				t.Errorf("CancelAsync called %d times, want 1", dev.canceled)
			}
			if !dev.closed || dev.closedEarly {
				t.Errorf("closed %v, closed under a running read %v", dev.closed, dev.closedEarly)
			}
		})
	}
}

func TestStartFault(t *testing.T) {
	dev := useFake(t)
	dev.readErr = errors.New("usb disconnected")
	src, err := NewRTLSDRSource(source.ParseArgs("rtlsdr"))
	if err != nil {
		t.Fatalf("NewRTLSDRSource() = %v", err)
	}
	defer src.Close()

	err = src.Start(context.Background(), make(chan *types.SegmentComplex64))
	var driverErr *source.DriverError
	if !errors.As(err, &driverErr) {
		t.Errorf("Start() = %v, want DriverError", err)
	}
}

func TestDevices(t *testing.T) {
	prevCount, prevStrings := deviceCount, deviceUsbStrings
	defer func() { deviceCount, deviceUsbStrings = prevCount, prevStrings }()

	deviceCount = func() int { return 2 }
	deviceUsbStrings = func(i int) (string, string, string, error) {
		if i == 1 {
			return "", "", "", errors.New("usb busy")
		}
		return "Realtek", "RTL2838UHIDIR", "00000001", nil
	}

	got, err := Devices(context.Background(), source.ParseArgs(""))
	if err != nil {
		t.Fatalf("Devices() = %v", err)
	}
	want := []string{
		"rtlsdr,label='Realtek RTL2838UHIDIR SN 00000001',rtl=0",
		"rtlsdr,label='RTL-SDR #1',rtl=1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Devices() = %q, want %q", got, want)
	}
	sourcetest.CheckDevices(t, DriverName, got)

	deviceCount = func() int { return 0 }
	if got, _ := Devices(context.Background(), source.ParseArgs("")); got == nil || len(got) != 0 {
		t.Errorf("Devices() with no dongles = %#v", got)
	}
}
