package uhd

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/source/sourcetest"
	"github.com/norasector/turbine-common/types"
)

type fakeChannel struct {
	rate    float64
	freq    float64
	gains   map[string]float64
	antenna string
}

// fakeDevice behaves like a two-channel B210: it coerces values the way
// libuhd does and streams a ramp.
type fakeDevice struct {
	mu        sync.Mutex
	channels  []*fakeChannel
	streaming bool
	closed    bool
	next      float32
	recvErrs  []error
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{}
	for i := 0; i < 2; i++ {
		d.channels = append(d.channels, &fakeChannel{
			rate:    1e6,
			freq:    100e6,
			gains:   map[string]float64{"PGA": 0},
			antenna: "RX2",
		})
	}
	return d
}

var (
	fakeRates = source.MetaRange{source.NewRangeStep(200e3, 56e6, 0)}
	fakeFreqs = source.MetaRange{source.NewRangeStep(70e6, 6e9, 0)}
	fakeGains = source.MetaRange{source.NewRangeStep(0, 76, 1)}
	fakeAnts  = []string{"TX/RX", "RX2"}
)

func (d *fakeDevice) ch(ch int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch]
}

func (d *fakeDevice) MboardName() (string, error) { return "B210", nil }
func (d *fakeDevice) NumRxChannels() (int, error) { return len(d.channels), nil }

func (d *fakeDevice) RxRates(ch int) (source.MetaRange, error) { return fakeRates, nil }
func (d *fakeDevice) SetRxRate(rate float64, ch int) error {
	d.ch(ch).rate = fakeRates.Clip(rate, false)
	return nil
}
func (d *fakeDevice) RxRate(ch int) (float64, error) { return d.ch(ch).rate, nil }

func (d *fakeDevice) RxFreqRange(ch int) (source.MetaRange, error) { return fakeFreqs, nil }
func (d *fakeDevice) SetRxFreq(freq float64, ch int) error {
	d.ch(ch).freq = fakeFreqs.Clip(freq, false)
	return nil
}
func (d *fakeDevice) RxFreq(ch int) (float64, error) { return d.ch(ch).freq, nil }

func (d *fakeDevice) RxGainNames(ch int) ([]string, error) { return []string{"PGA"}, nil }
func (d *fakeDevice) RxGainRange(name string, ch int) (source.MetaRange, error) {
	return fakeGains, nil
}
func (d *fakeDevice) SetRxGain(gain float64, name string, ch int) error {
	d.ch(ch).gains["PGA"] = gain
	return nil
}
func (d *fakeDevice) RxGain(name string, ch int) (float64, error) {
	return d.ch(ch).gains["PGA"], nil
}

func (d *fakeDevice) RxAntennas(ch int) ([]string, error) { return fakeAnts, nil }
func (d *fakeDevice) SetRxAntenna(name string, ch int) error {
	d.ch(ch).antenna = name
	return nil
}
func (d *fakeDevice) RxAntenna(ch int) (string, error) { return d.ch(ch).antenna, nil }

func (d *fakeDevice) StartStream(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = true
	return nil
}

func (d *fakeDevice) Recv(buf []complex64, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming {
		return 0, errors.New("not streaming")
	}
	if len(d.recvErrs) > 0 {
		err := d.recvErrs[0]
		d.recvErrs = d.recvErrs[1:]
		return 0, err
	}
	n := len(buf)
	if n > 100 {
		n = 100
	}
	for i := 0; i < n; i++ {
		buf[i] = complex(d.next, 0)
		d.next++
	}
	return n, nil
}

func (d *fakeDevice) StopStream() error {
	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func openFake(t *testing.T, opts ...source.Option) (*UHDSource, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	src, err := NewUHDSourceWithDevice(source.ParseArgs("uhd,type=b200"), dev, opts...)
	if err != nil {
		t.Fatalf("NewUHDSourceWithDevice() = %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src, dev
}

func TestConformance(t *testing.T) {
	sourcetest.RunConformance(t, func(t *testing.T) source.Source {
		src, err := NewUHDSourceWithDevice(source.ParseArgs("uhd"), newFakeDevice())
		if err != nil {
			t.Fatalf("NewUHDSourceWithDevice() = %v", err)
		}
		return src
	}, sourcetest.Expectations{FreqCorrUnsupported: true})
}

func TestFreqCorrUnsupported(t *testing.T) {
	src, _ := openFake(t)
	for ch := 0; ch < 2; ch++ {
		_, err := src.FreqCorr(ch)
		var unsupported *source.UnsupportedError
		if !errors.As(err, &unsupported) {
			t.Fatalf("FreqCorr(%d) err = %v", ch, err)
		}
		if unsupported.Reason != "frequency correction is not supported with UHD" {
			t.Errorf("Reason = %q", unsupported.Reason)
		}
	}
}

func TestDelegation(t *testing.T) {
	src, dev := openFake(t)

	if src.Name() != "B210" {
		t.Errorf("Name() = %q", src.Name())
	}
	got, err := src.SetSampleRate(2.4e6)
	if err != nil || got != 2.4e6 {
		t.Fatalf("SetSampleRate() = %v, %v", got, err)
	}
	for ch := range dev.channels {
		if r := dev.ch(ch).rate; r != 2.4e6 {
			t.Errorf("channel %d rate = %v", ch, r)
		}
	}
	if _, err := src.SetSampleRate(100e6); !errors.Is(err, source.ErrOutOfRange) {
		t.Errorf("SetSampleRate(100e6) err = %v", err)
	}

	if got, err := src.SetCenterFreq(915e6, 1); err != nil || got != 915e6 {
		t.Errorf("SetCenterFreq() = %v, %v", got, err)
	}
	if f := dev.ch(0).freq; f != 100e6 {
		t.Errorf("channel 0 retuned to %v", f)
	}

	if got, err := src.SetNamedGain(30.4, "PGA", 0); err != nil || got != 30 {
		t.Errorf("SetNamedGain() = %v, %v", got, err)
	}
	if names, err := src.GainNames(0); err != nil || !reflect.DeepEqual(names, []string{"PGA"}) {
		t.Errorf("GainNames() = %v, %v", names, err)
	}

	if got, err := src.SetAntenna("TX/RX", 1); err != nil || got != "TX/RX" {
		t.Errorf("SetAntenna() = %q, %v", got, err)
	}
}

func TestStart(t *testing.T) {
	src, dev := openFake(t, source.WithSegmentSize(250))
	dev.recvErrs = []error{ErrOverflow}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan *types.SegmentComplex64)
	done := make(chan error, 1)
	go func() {
		done <- src.Start(ctx, out)
	}()

	for i := 1; i <= 2; i++ {
		seg := <-out
		if seg.SegmentNumber != i || len(seg.Data) != 250 {
			t.Fatalf("segment %d = #%d with %d samples", i, seg.SegmentNumber, len(seg.Data))
		}
		if first := real(seg.Data[0]); first != float32((i-1)*250) {
			t.Errorf("segment %d starts at %v", i, first)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() = %v", err)
	}
	dev.mu.Lock()
	streaming := dev.streaming
	dev.mu.Unlock()
	if streaming {
		t.Error("stream still running after Start returned")
	}
}

func TestStartFault(t *testing.T) {
	src, dev := openFake(t)
	dev.recvErrs = []error{errors.New("usb transfer failed")}

	err := src.Start(context.Background(), make(chan *types.SegmentComplex64))
	var driverErr *source.DriverError
	if !errors.As(err, &driverErr) || driverErr.Op != "recv" {
		t.Errorf("Start() = %v, want recv DriverError", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"type=b200,serial=30F1234,name=MyB210,product=B210", "uhd,label='b200 30F1234',name=MyB210,product=B210,serial=30F1234,type=b200"},
		{"type=x300,addr=192.168.40.2", "uhd,addr=192.168.40.2,label=x300,type=x300"},
	}
	for _, tt := range tests {
		got := Describe(tt.addr)
		if got != tt.want {
			t.Errorf("Describe(%q) = %q, want %q", tt.addr, got, tt.want)
		}
		sourcetest.CheckDevices(t, DriverName, []string{got})
		if addr := DeviceAddr(source.ParseArgs(got)); addr != source.ParseArgs(tt.addr).String() {
			t.Errorf("DeviceAddr(Describe(%q)) = %q", tt.addr, addr)
		}
	}
}

func TestDeviceAddr(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{"uhd,type=b200,serial=30AD2C5", "serial=30AD2C5,type=b200"},
		{"driver=uhd,addr=192.168.10.2", "addr=192.168.10.2"},
		{"uhd,serial=30AD2C5,label='Ettus B210 30AD2C5'", "serial=30AD2C5"},
	}
	for _, tt := range tests {
		if got := DeviceAddr(source.ParseArgs(tt.args)); got != tt.want {
			t.Errorf("DeviceAddr(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
