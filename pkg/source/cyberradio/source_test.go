package cyberradio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/source/sourcetest"
	"github.com/norasector/sdrsource/pkg/source/vita"
	"github.com/norasector/turbine-common/types"
)

func openFake(t *testing.T, radio *fakeRadio, extra string) *CyberRadioSource {
	t.Helper()
	args := radio.Args()
	if extra != "" {
		args += "," + extra
	}
	src, err := NewCyberRadioSource(source.ParseArgs(args))
	if err != nil {
		t.Fatalf("NewCyberRadioSource(%q) = %v", args, err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func TestConformance(t *testing.T) {
	radio := newFakeRadio(t, "ndr551")
	sourcetest.RunConformance(t, func(t *testing.T) source.Source {
		src, err := NewCyberRadioSource(source.ParseArgs(radio.Args()))
		if err != nil {
			t.Fatalf("NewCyberRadioSource() = %v", err)
		}
		return src
	}, sourcetest.Expectations{FreqCorrUnsupported: true})
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantErr error
		check   func(t *testing.T, cfg config)
	}{
		{
			name: "defaults",
			args: "cyberradio",
			check: func(t *testing.T, cfg config) {
				if cfg.host != DefaultHost || cfg.model.Name != "NDR551" || cfg.port != DefaultControlPort {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.ddc != Wideband {
					t.Errorf("ddc = %v", cfg.ddc)
				}
				if !reflect.DeepEqual(cfg.vita, vita.NDRConfig()) {
					t.Errorf("vita = %+v", cfg.vita)
				}
			},
		},
		{
			name: "overrides",
			args: "cyberradio,host=10.0.0.2,type=NDR651,ddc=nb,udp_port=5000,local=10.0.0.1",
			check: func(t *testing.T, cfg config) {
				if cfg.host != "10.0.0.2" || cfg.model.Name != "NDR651" || cfg.ddc != Narrowband {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.vita.Port != 5000 || cfg.vita.Address != "10.0.0.1" {
					t.Errorf("vita = %+v", cfg.vita)
				}
			},
		},
		{name: "unknown type", args: "cyberradio,type=ndr999", wantErr: source.ErrInvalidArgument},
		{name: "unknown ddc", args: "cyberradio,ddc=medium", wantErr: source.ErrInvalidArgument},
		{name: "bad port", args: "cyberradio,port=abc", wantErr: source.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig(source.ParseArgs(tt.args))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("parseConfig() err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseConfig() err = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestSampleRates(t *testing.T) {
	radio := newFakeRadio(t, "ndr551")

	t.Run("wideband", func(t *testing.T) {
		src := openFake(t, radio, "")

		rates, err := src.SampleRates()
		if err != nil {
			t.Fatalf("SampleRates() = %v", err)
		}
		if len(rates) != len(src.model.WbddcRates)+len(src.model.NbddcRates) {
			t.Errorf("SampleRates() = %s", rates)
		}

		got, err := src.SetSampleRate(32e6)
		if err != nil || got != 32e6 {
			t.Fatalf("SetSampleRate(32e6) = %v, %v", got, err)
		}
		if idx := radio.RateIndex("wbddc", 1); idx != 2 {
			t.Errorf("wbddc 1 rate index = %d, want 2", idx)
		}
		if _, err := src.SetSampleRate(1e6); !errors.Is(err, source.ErrUnsupported) {
			t.Errorf("SetSampleRate(narrowband rate) err = %v, want ErrUnsupported", err)
		}
		if _, err := src.SetSampleRate(5e6); !errors.Is(err, source.ErrOutOfRange) {
			t.Errorf("SetSampleRate(5e6) err = %v, want ErrOutOfRange", err)
		}
		if got, err := src.SampleRate(); err != nil || got != 32e6 {
			t.Errorf("SampleRate() = %v, %v", got, err)
		}
	})

	t.Run("narrowband", func(t *testing.T) {
		src := openFake(t, radio, "ddc=narrowband")
		got, err := src.SetSampleRate(250e3)
		if err != nil || got != 250e3 {
			t.Fatalf("SetSampleRate(250e3) = %v, %v", got, err)
		}
		if idx := radio.RateIndex("nbddc", 1); idx != 4 {
			t.Errorf("nbddc 1 rate index = %d, want 4", idx)
		}
		if _, err := src.SetSampleRate(128e6); !errors.Is(err, source.ErrUnsupported) {
			t.Errorf("SetSampleRate(wideband rate) err = %v, want ErrUnsupported", err)
		}
	})
}

func TestTunerMapping(t *testing.T) {
	radio := newFakeRadio(t, "ndr551")
	src := openFake(t, radio, "")

	if _, err := src.SetCenterFreq(100e6, 2); err != nil {
		t.Fatalf("SetCenterFreq() = %v", err)
	}
	if got := radio.Tuner(3).freq; got != 100e6 {
		t.Errorf("tuner 3 freq = %v, want 100e6", got)
	}

	got, err := src.SetGain(-12, 1)
	if err != nil || got != -12 {
		t.Fatalf("SetGain(-12, 1) = %v, %v", got, err)
	}
	if atten := radio.Tuner(2).atten; atten != 12 {
		t.Errorf("tuner 2 atten = %v, want 12", atten)
	}

	// fractional gains land on the 1 dB attenuator grid
	if got, err := src.SetNamedGain(-3.4, attenStage, 0); err != nil || got != -3 {
		t.Errorf("SetNamedGain(-3.4) = %v, %v", got, err)
	}
	if got, err := src.SetGain(5, 0); err != nil || got != 0 {
		t.Errorf("SetGain(5) = %v, %v", got, err)
	}

	if ant, err := src.Antennas(3); err != nil || !reflect.DeepEqual(ant, []string{"RX3"}) {
		t.Errorf("Antennas(3) = %v, %v", ant, err)
	}
	if src.Name() != "CyberRadio NDR551" {
		t.Errorf("Name() = %q", src.Name())
	}
}

func TestRejectedCommand(t *testing.T) {
	radio := newFakeRadio(t, "ndr551")
	src := openFake(t, radio, "")

	radio.Reject("tuner", "tuner locked")
	_, err := src.SetCenterFreq(100e6, 0)

	var driverErr *source.DriverError
	if !errors.As(err, &driverErr) {
		t.Fatalf("SetCenterFreq() err = %v, want DriverError", err)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Reason != "tuner locked" {
		t.Errorf("SetCenterFreq() err = %v, want CommandError", err)
	}
	if got, _ := src.CenterFreq(0); got != 0 {
		t.Errorf("CenterFreq() = %v after rejected tune", got)
	}
}

func TestStreaming(t *testing.T) {
	radio := newFakeRadio(t, "ndr551")
	src := openFake(t, radio, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan *types.SegmentComplex64, 1)
	done := make(chan error, 1)
	go func() {
		done <- src.Start(ctx, out)
	}()

	cfg := src.Receiver().Config()
	pkt := make([]byte, cfg.BytesPerPacket)
	vita.Header{Word: vita.PacketTypeIFDataWithStreamID | uint32(cfg.BytesPerPacket/4)}.Marshal(pkt)
	binary.BigEndian.PutUint16(pkt[cfg.HeaderOffset:], uint16(16384))

	conn, err := net.DialUDP("udp", nil, src.Receiver().LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP() = %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	select {
	case seg := <-out:
		if len(seg.Data) != cfg.SamplesPerPacket || seg.Data[0] != complex(0.5, 0) {
			t.Errorf("segment = %d samples, first %v", len(seg.Data), seg.Data[0])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for segment")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() = %v", err)
	}
}

func TestOpenUnreachable(t *testing.T) {
	port := closedPort(t)
	_, err := NewCyberRadioSource(source.ParseArgs(fmt.Sprintf("cyberradio,host=127.0.0.1,port=%d,timeout=200ms", port)))
	var driverErr *source.DriverError
	if !errors.As(err, &driverErr) {
		t.Errorf("NewCyberRadioSource() err = %v, want DriverError", err)
	}
}

func TestDevices(t *testing.T) {
	radio := newFakeRadio(t, "ndr551")
	dead := closedPort(t)

	hint := source.ParseArgs(fmt.Sprintf("cyberradio,host=127.0.0.1,port=%d", radio.Port()))
	devices, err := Devices(context.Background(), hint)
	if err != nil {
		t.Fatalf("Devices() = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Devices() = %v", devices)
	}
	want := fmt.Sprintf("cyberradio,host=127.0.0.1,label='CyberRadio NDR551 SN1234',port=%d,type=NDR551", radio.Port())
	if devices[0] != want {
		t.Errorf("Devices()[0] = %q, want %q", devices[0], want)
	}
	sourcetest.CheckDevices(t, DriverName, devices)

	// the description must open the radio it describes
	src, err := NewCyberRadioSource(source.ParseArgs(devices[0] + ",local=127.0.0.1,udp_port=0"))
	if err != nil {
		t.Fatalf("open discovered device: %v", err)
	}
	src.Close()

	hint = source.ParseArgs(fmt.Sprintf("cyberradio,host=127.0.0.1,port=%d,timeout=200ms", dead))
	devices, err = Devices(context.Background(), hint)
	if err != nil {
		t.Fatalf("Devices(unreachable) = %v", err)
	}
	if devices == nil || len(devices) != 0 {
		t.Errorf("Devices(unreachable) = %#v, want empty", devices)
	}
	sourcetest.CheckDevices(t, DriverName, devices)
}

func TestLookupModel(t *testing.T) {
	for _, name := range []string{"ndr551", "NDR358", "Ndr651"} {
		m, err := LookupModel(name)
		if err != nil {
			t.Errorf("LookupModel(%q) = %v", name, err)
			continue
		}
		if !strings.EqualFold(m.Name, name) {
			t.Errorf("LookupModel(%q).Name = %q", name, m.Name)
		}
		if err := m.FreqRange().Validate(); err != nil {
			t.Errorf("%s freq range: %v", name, err)
		}
		if r := m.GainRange(); r.Stop() != 0 || r.Start() != -m.MaxAtten {
			t.Errorf("%s gain range = %s", name, r)
		}
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestReportedModelWins(t *testing.T) {
	radio := newFakeRadio(t, "ndr651")
	src, err := NewCyberRadioSource(source.ParseArgs(radio.Args()).With("type", "ndr358"))
	if err != nil {
		t.Fatalf("NewCyberRadioSource() = %v", err)
	}
	defer src.Close()

	if n, err := src.NumChannels(); err != nil || n != radio.model.Tuners {
		t.Errorf("NumChannels() = %d, %v, want %d", n, err, radio.model.Tuners)
	}
}
