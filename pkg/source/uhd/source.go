// Package uhd exposes Ettus USRP receivers through libuhd. Without the uhd
// build tag the package compiles but opening a device fails with
// source.ErrNoDriver.
package uhd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	DriverName = "uhd"

	recvTimeout = 100 * time.Millisecond
)

type UHDSource struct {
	args     source.Args
	dev      Device
	logger   zerolog.Logger
	segSize  int
	channels int
	name     string
	streams  source.Streams

	mu     sync.Mutex
	closed bool
}

func Driver() source.Driver {
	return source.Driver{
		Name: DriverName,
		Open: func(args source.Args, opts ...source.Option) (source.Source, error) {
			return NewUHDSource(args, opts...)
		},
		Devices: Devices,
	}
}

// DeviceAddr strips the driver selection and the discovery label from args,
// leaving the UHD device address.
func DeviceAddr(args source.Args) string {
	return args.Without(DriverName).Without("driver").Without("label").String()
}

func NewUHDSource(args source.Args, opts ...source.Option) (*UHDSource, error) {
	dev, err := Open(DeviceAddr(args))
	if err != nil {
		return nil, err
	}
	src, err := NewUHDSourceWithDevice(args, dev, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return src, nil
}

// NewUHDSourceWithDevice wraps an already opened device. The source owns
// dev and closes it on Close.
func NewUHDSourceWithDevice(args source.Args, dev Device, opts ...source.Option) (*UHDSource, error) {
	o := source.NewOptions(opts...)

	name, err := dev.MboardName()
	if err != nil {
		return nil, source.WrapDriver(DriverName, "mboard name", err)
	}
	n, err := dev.NumRxChannels()
	if err != nil {
		return nil, source.WrapDriver(DriverName, "num channels", err)
	}

	s := &UHDSource{
		args:     args,
		dev:      dev,
		segSize:  o.SegmentSize,
		channels: n,
		name:     name,
		logger: o.Logger.With().
			Str("driver", DriverName).
			Str("mboard", name).
			Logger(),
	}
	s.logger.Info().Int("channels", n).Str("addr", DeviceAddr(args)).Msg("device opened")
	return s, nil
}

func (s *UHDSource) Name() string {
	return s.name
}

func (s *UHDSource) Args() source.Args {
	return s.args
}

func (s *UHDSource) check(ch int) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return source.ErrClosed
	}
	return source.CheckChannel(ch, s.channels)
}

func (s *UHDSource) NumChannels() (int, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return s.channels, nil
}

func (s *UHDSource) SampleRates() (source.MetaRange, error) {
	if err := s.check(0); err != nil {
		return nil, err
	}
	rates, err := s.dev.RxRates(0)
	return rates, source.WrapDriver(DriverName, "sample rates", err)
}

// SetSampleRate applies rate to every channel and returns the rate the
// device settled on for channel 0.
func (s *UHDSource) SetSampleRate(rate float64) (float64, error) {
	rates, err := s.SampleRates()
	if err != nil {
		return 0, err
	}
	if rate < rates.Start() || rate > rates.Stop() {
		return 0, fmt.Errorf("%w: sample rate %g not in %s", source.ErrOutOfRange, rate, rates)
	}
	for ch := 0; ch < s.channels; ch++ {
		if err := s.dev.SetRxRate(rate, ch); err != nil {
			return 0, source.WrapDriver(DriverName, "set sample rate", err)
		}
	}
	return s.SampleRate()
}

func (s *UHDSource) SampleRate() (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	rate, err := s.dev.RxRate(0)
	return rate, source.WrapDriver(DriverName, "sample rate", err)
}

func (s *UHDSource) FreqRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	r, err := s.dev.RxFreqRange(ch)
	return r, source.WrapDriver(DriverName, "freq range", err)
}

func (s *UHDSource) SetCenterFreq(freq float64, ch int) (float64, error) {
	freqs, err := s.FreqRange(ch)
	if err != nil {
		return 0, err
	}
	if err := source.CheckFreq(freq, freqs); err != nil {
		return 0, err
	}
	if err := s.dev.SetRxFreq(freq, ch); err != nil {
		return 0, source.WrapDriver(DriverName, "set center freq", err)
	}
	return s.CenterFreq(ch)
}

func (s *UHDSource) CenterFreq(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	freq, err := s.dev.RxFreq(ch)
	return freq, source.WrapDriver(DriverName, "center freq", err)
}

func (s *UHDSource) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "set freq correction", "frequency correction is not supported with UHD")
}

func (s *UHDSource) FreqCorr(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "freq correction", "frequency correction is not supported with UHD")
}

func (s *UHDSource) GainNames(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	names, err := s.dev.RxGainNames(ch)
	return names, source.WrapDriver(DriverName, "gain names", err)
}

func (s *UHDSource) GainRange(ch int) (source.MetaRange, error) {
	return s.NamedGainRange("", ch)
}

func (s *UHDSource) NamedGainRange(name string, ch int) (source.MetaRange, error) {
	if err := s.checkGainName(name, ch); err != nil {
		return nil, err
	}
	r, err := s.dev.RxGainRange(name, ch)
	return r, source.WrapDriver(DriverName, "gain range", err)
}

func (s *UHDSource) checkGainName(name string, ch int) error {
	if name == "" {
		return s.check(ch)
	}
	names, err := s.GainNames(ch)
	if err != nil {
		return err
	}
	return source.CheckGainName(name, names)
}

func (s *UHDSource) SetGain(gain float64, ch int) (float64, error) {
	return s.SetNamedGain(gain, "", ch)
}

func (s *UHDSource) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	r, err := s.NamedGainRange(name, ch)
	if err != nil {
		return 0, err
	}
	clipped := r.Clip(gain, true)
	if clipped != gain {
		s.logger.Debug().Str("stage", name).Float64("requested", gain).Float64("applied", clipped).Msg("gain clamped")
	}
	if err := s.dev.SetRxGain(clipped, name, ch); err != nil {
		return 0, source.WrapDriver(DriverName, "set gain", err)
	}
	return s.NamedGain(name, ch)
}

func (s *UHDSource) Gain(ch int) (float64, error) {
	return s.NamedGain("", ch)
}

func (s *UHDSource) NamedGain(name string, ch int) (float64, error) {
	if err := s.checkGainName(name, ch); err != nil {
		return 0, err
	}
	gain, err := s.dev.RxGain(name, ch)
	return gain, source.WrapDriver(DriverName, "gain", err)
}

func (s *UHDSource) Antennas(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	ants, err := s.dev.RxAntennas(ch)
	return ants, source.WrapDriver(DriverName, "antennas", err)
}

func (s *UHDSource) SetAntenna(name string, ch int) (string, error) {
	ants, err := s.Antennas(ch)
	if err != nil {
		return "", err
	}
	if err := source.CheckAntenna(name, ants); err != nil {
		return "", err
	}
	if err := s.dev.SetRxAntenna(name, ch); err != nil {
		return "", source.WrapDriver(DriverName, "set antenna", err)
	}
	return s.Antenna(ch)
}

func (s *UHDSource) Antenna(ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	ant, err := s.dev.RxAntenna(ch)
	return ant, source.WrapDriver(DriverName, "antenna", err)
}

// Start streams channel 0 in segments of the configured segment size.
// Close waits for it to stop the stream before the device is released.
func (s *UHDSource) Start(parent context.Context, out chan<- *types.SegmentComplex64) error {
	if err := s.check(0); err != nil {
		return err
	}
	ctx, done, err := s.streams.Begin(parent)
	if err != nil {
		return err
	}
	defer done()
	if err := s.dev.StartStream(0); err != nil {
		return source.WrapDriver(DriverName, "start stream", err)
	}
	defer func() {
		if err := s.dev.StopStream(); err != nil {
			s.logger.Warn().Err(err).Msg("stop stream")
		}
	}()

	var (
		segNum    int
		overflows int
		buf       = make([]complex64, s.segSize)
		fill      int
	)
	for {
		if err := ctx.Err(); err != nil {
			return s.streams.Result(parent, err)
		}
		n, err := s.dev.Recv(buf[fill:], recvTimeout)
		if errors.Is(err, ErrOverflow) {
			overflows++
			s.logger.Debug().Int("overflows", overflows).Msg("receive overflow")
		} else if err != nil {
			if s.check(0) != nil {
				return source.ErrClosed
			}
			return source.WrapDriver(DriverName, "recv", err)
		}

		fill += n
		if fill < len(buf) {
			continue
		}
		segNum++
		seg := &types.SegmentComplex64{SegmentNumber: segNum, Data: buf}
		if err := source.Emit(ctx, out, seg); err != nil {
			return s.streams.Result(parent, err)
		}
		buf = make([]complex64, s.segSize)
		fill = 0
	}
}

func (s *UHDSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.streams.Stop()

	s.logger.Info().Msg("closing device")
	return source.WrapDriver(DriverName, "close", s.dev.Close())
}

// Devices lists the USRPs libuhd finds. A build without libuhd finds none.
func Devices(ctx context.Context, hint source.Args) ([]string, error) {
	found, err := Find(DeviceAddr(hint))
	if errors.Is(err, source.ErrNoDriver) {
		return []string{}, nil
	}
	if err != nil {
		return nil, source.WrapDriver(DriverName, "find", err)
	}

	devices := make([]string, 0, len(found))
	for _, addr := range found {
		devices = append(devices, Describe(addr))
	}
	return devices, nil
}

// Describe turns a UHD device address into an argument string that
// selects this driver and carries a label.
func Describe(addr string) string {
	found := source.ParseArgs(addr)
	desc := source.ParseArgs(DriverName)
	for _, k := range found.Keys() {
		desc = desc.With(k, found.Get(k, ""))
	}

	ident := found.Get("serial", found.Get("name", ""))
	label := found.Get("type", "usrp")
	if ident != "" {
		label += " " + ident
	}
	return desc.With("label", label).String()
}
