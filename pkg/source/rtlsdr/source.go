// Package rtlsdr drives RTL2832U dongles through librtlsdr.
package rtlsdr

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/norasector/sdrsource/pkg/dsp/iq"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	DriverName = "rtlsdr"

	gainStage = "LNA"
	antenna   = "RX"
)

var (
	sampleRates = source.MetaRange{
		source.NewRangeStep(225001, 300000, 1),
		source.NewRangeStep(900001, 3200000, 1),
	}
	freqRange = source.MetaRange{source.NewRangeStep(24e6, 1766e6, 1)}
)

type RTLSDRSource struct {
	args   source.Args
	index  int
	dev    dongle
	logger zerolog.Logger
	bufNum int
	bufLen int
	gains  source.MetaRange

	streams source.Streams

	mu     sync.Mutex
	closed bool
}

func Driver() source.Driver {
	return source.Driver{
		Name: DriverName,
		Open: func(args source.Args, opts ...source.Option) (source.Source, error) {
			return NewRTLSDRSource(args, opts...)
		},
		Devices: Devices,
	}
}

func NewRTLSDRSource(args source.Args, opts ...source.Option) (*RTLSDRSource, error) {
	o := source.NewOptions(opts...)

	index, err := args.Int("rtl", 0)
	if err != nil {
		return nil, err
	}
	bufNum, err := args.Int("buffers", 0)
	if err != nil {
		return nil, err
	}
	bufLen, err := args.Int("buflen", 0)
	if err != nil {
		return nil, err
	}

	dev, err := openDongle(index)
	if err != nil {
		return nil, source.WrapDriver(DriverName, "open", err)
	}

	tenths, err := dev.GetTunerGains()
	if err != nil {
		dev.Close()
		return nil, source.WrapDriver(DriverName, "tuner gains", err)
	}
	gains := make(source.MetaRange, 0, len(tenths))
	for _, g := range tenths {
		gains = append(gains, source.NewRange(float64(g)/10))
	}
	if len(gains) == 0 {
		gains = append(gains, source.NewRange(0))
	}

	s := &RTLSDRSource{
		args:   args,
		index:  index,
		dev:    dev,
		bufNum: bufNum,
		bufLen: bufLen,
		gains:  gains.Sorted(),
		logger: o.Logger.With().
			Str("driver", DriverName).
			Int("index", index).
			Logger(),
	}
	s.logger.Info().Int("gain_steps", len(tenths)).Msg("dongle opened")
	return s, nil
}

func (s *RTLSDRSource) Name() string {
	return fmt.Sprintf("RTL-SDR #%d", s.index)
}

func (s *RTLSDRSource) Args() source.Args {
	return s.args
}

func (s *RTLSDRSource) check(ch int) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return source.ErrClosed
	}
	return source.CheckChannel(ch, 1)
}

func (s *RTLSDRSource) NumChannels() (int, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *RTLSDRSource) SampleRates() (source.MetaRange, error) {
	if err := s.check(0); err != nil {
		return nil, err
	}
	return sampleRates, nil
}

func (s *RTLSDRSource) SetSampleRate(rate float64) (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	if !sampleRates.Contains(rate) {
		return 0, fmt.Errorf("%w: sample rate %g not in %s", source.ErrOutOfRange, rate, sampleRates)
	}
	if err := s.dev.SetSampleRate(int(rate)); err != nil {
		return 0, source.WrapDriver(DriverName, "set sample rate", err)
	}
	s.logger.Debug().Str("rate", util.MspsToString(rate)).Msg("sample rate set")
	return s.SampleRate()
}

func (s *RTLSDRSource) SampleRate() (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return float64(s.dev.GetSampleRate()), nil
}

func (s *RTLSDRSource) FreqRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return freqRange, nil
}

func (s *RTLSDRSource) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := source.CheckFreq(freq, freqRange); err != nil {
		return 0, err
	}
	if err := s.dev.SetCenterFreq(int(freq)); err != nil {
		return 0, source.WrapDriver(DriverName, "set center freq", err)
	}
	return s.CenterFreq(ch)
}

func (s *RTLSDRSource) CenterFreq(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return float64(s.dev.GetCenterFreq()), nil
}

// SetFreqCorr rounds ppm to the whole ppm librtlsdr accepts.
func (s *RTLSDRSource) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	want := int(math.Round(ppm))
	// librtlsdr rejects setting the current value
	if want != s.dev.GetFreqCorrection() {
		if err := s.dev.SetFreqCorrection(want); err != nil {
			return 0, source.WrapDriver(DriverName, "set freq correction", err)
		}
	}
	return s.FreqCorr(ch)
}

func (s *RTLSDRSource) FreqCorr(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return float64(s.dev.GetFreqCorrection()), nil
}

func (s *RTLSDRSource) GainNames(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{gainStage}, nil
}

func (s *RTLSDRSource) GainRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return s.gains, nil
}

func (s *RTLSDRSource) NamedGainRange(name string, ch int) (source.MetaRange, error) {
	if err := source.CheckGainName(name, []string{gainStage}); err != nil {
		return nil, err
	}
	return s.GainRange(ch)
}

// SetGain switches the tuner to manual gain and selects the supported gain
// closest to gain.
func (s *RTLSDRSource) SetGain(gain float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	nearest := s.gains.Clip(gain, true)
	if err := s.dev.SetTunerGainMode(true); err != nil {
		return 0, source.WrapDriver(DriverName, "set gain mode", err)
	}
	if err := s.dev.SetTunerGain(int(math.Round(nearest * 10))); err != nil {
		return 0, source.WrapDriver(DriverName, "set gain", err)
	}
	return s.Gain(ch)
}

func (s *RTLSDRSource) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	if err := source.CheckGainName(name, []string{gainStage}); err != nil {
		return 0, err
	}
	return s.SetGain(gain, ch)
}

func (s *RTLSDRSource) Gain(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return float64(s.dev.GetTunerGain()) / 10, nil
}

func (s *RTLSDRSource) NamedGain(name string, ch int) (float64, error) {
	if err := source.CheckGainName(name, []string{gainStage}); err != nil {
		return 0, err
	}
	return s.Gain(ch)
}

// SetGainMode selects automatic (true) or manual tuner gain.
func (s *RTLSDRSource) SetGainMode(automatic bool) error {
	if err := s.check(0); err != nil {
		return err
	}
	return source.WrapDriver(DriverName, "set gain mode", s.dev.SetTunerGainMode(!automatic))
}

func (s *RTLSDRSource) Antennas(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{antenna}, nil
}

func (s *RTLSDRSource) SetAntenna(name string, ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	if err := source.CheckAntenna(name, []string{antenna}); err != nil {
		return "", err
	}
	return antenna, nil
}

func (s *RTLSDRSource) Antenna(ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	return antenna, nil
}

// Start runs librtlsdr's async reader until ctx is done or the source is
// closed.
func (s *RTLSDRSource) Start(parent context.Context, out chan<- *types.SegmentComplex64) error {
	if err := s.check(0); err != nil {
		return err
	}
	ctx, done, err := s.streams.Begin(parent)
	if err != nil {
		return err
	}
	defer done()
	if err := s.dev.ResetBuffer(); err != nil {
		return source.WrapDriver(DriverName, "reset buffer", err)
	}

	segNum := 0
	stopped := make(chan struct{})
	watcher := make(chan struct{})
	defer func() {
		close(stopped)
		<-watcher
	}()
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			if err := s.dev.CancelAsync(); err != nil {
				s.logger.Warn().Err(err).Msg("cancel async read")
			}
		case <-stopped:
		}
	}()

	// librtlsdr runs the callback on the goroutine blocked in ReadAsync
	dropped := 0
	callback := func(buf []byte) {
		if ctx.Err() != nil {
			return
		}
		segNum++
		seg := &types.SegmentComplex64{
			SegmentNumber: segNum,
			Data:          iq.ConvertCU8(buf),
		}
		if err := source.Emit(ctx, out, seg); err != nil {
			dropped++
			if dropped == 1 {
				s.logger.Debug().Err(err).Int("segment", segNum).Msg("segment not delivered")
			}
		}
	}

	s.logger.Info().Msg("starting async read")
	err = s.dev.ReadAsync(callback, s.bufNum, s.bufLen)
	if dropped > 0 {
		s.logger.Debug().Int("dropped", dropped).Msg("async read stopped with undelivered segments")
	}
	if ctx.Err() != nil {
		return s.streams.Result(parent, ctx.Err())
	}
	if err != nil {
		return source.WrapDriver(DriverName, "read async", err)
	}
	return fmt.Errorf("%s: async read ended", DriverName)
}

func (s *RTLSDRSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	// librtlsdr must not be closed under a running async read
	s.streams.Stop()
	return source.WrapDriver(DriverName, "close", s.dev.Close())
}

// Devices lists the dongles on the USB bus.
func Devices(ctx context.Context, hint source.Args) ([]string, error) {
	n := deviceCount()
	devices := make([]string, 0, n)
	for i := 0; i < n; i++ {
		label := fmt.Sprintf("RTL-SDR #%d", i)
		manufacturer, product, serial, err := deviceUsbStrings(i)
		if err == nil {
			label = fmt.Sprintf("%s %s SN %s", manufacturer, product, serial)
		}
		desc := source.ParseArgs(DriverName).
			With("rtl", strconv.Itoa(i)).
			With("label", label)
		devices = append(devices, desc.String())
	}
	return devices, nil
}
