// Package hackrf drives HackRF One receivers through libhackrf.
package hackrf

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/norasector/sdrsource/pkg/dsp/iq"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	DriverName = "hackrf"

	antenna = "TX/RX"

	defaultSampleRate = 10e6
	defaultLNAGain    = 16
	defaultVGAGain    = 20
)

var (
	sampleRates = source.MetaRange{source.NewRangeStep(2e6, 20e6, 0.1e6)}
	freqRange   = source.MetaRange{source.NewRangeStep(1e6, 6e9, 1)}

	stageNames  = []string{"LNA", "VGA", "AMP"}
	stageRanges = map[string]source.MetaRange{
		"LNA": {source.NewRangeStep(0, 40, 8)},
		"VGA": {source.NewRangeStep(0, 62, 2)},
		"AMP": {source.NewRange(0), source.NewRange(14)},
	}
	// every even total is reachable by filling AMP, then LNA, then VGA
	overallGain = source.MetaRange{source.NewRangeStep(0, 116, 2)}
)

type HackRFSource struct {
	args    source.Args
	dev     radio
	logger  zerolog.Logger
	streams source.Streams

	mu         sync.Mutex
	closed     bool
	centerFreq float64
	sampleRate float64
	gains      map[string]float64
}

func Driver() source.Driver {
	return source.Driver{
		Name: DriverName,
		Open: func(args source.Args, opts ...source.Option) (source.Source, error) {
			return NewHackRFSource(args, opts...)
		},
		Devices: Devices,
	}
}

func NewHackRFSource(args source.Args, opts ...source.Option) (*HackRFSource, error) {
	o := source.NewOptions(opts...)

	index, err := args.Int("index", 0)
	if err != nil {
		return nil, err
	}
	if index != 0 {
		return nil, fmt.Errorf("%w: hackrf index %d, only the first device can be opened", source.ErrInvalidArgument, index)
	}
	bias, err := args.Bool("bias", false)
	if err != nil {
		return nil, err
	}

	if err := acquireLib(); err != nil {
		return nil, source.WrapDriver(DriverName, "init", err)
	}
	dev, err := openRadio()
	if err != nil {
		releaseLib()
		return nil, source.WrapDriver(DriverName, "open", err)
	}

	s := &HackRFSource{
		args:   args,
		dev:    dev,
		logger: o.Logger.With().Str("driver", DriverName).Logger(),
		gains:  make(map[string]float64),
	}

	// libhackrf cannot report its state, so start from known settings
	err = s.applySampleRate(defaultSampleRate)
	if err == nil {
		err = s.applyStage("LNA", defaultLNAGain)
	}
	if err == nil {
		err = s.applyStage("VGA", defaultVGAGain)
	}
	if err == nil {
		err = s.applyStage("AMP", 0)
	}
	if err == nil {
		err = source.WrapDriver(DriverName, "set bias tee", dev.SetAntennaEnable(bias))
	}
	if err != nil {
		dev.Close()
		releaseLib()
		return nil, err
	}

	s.logger.Info().Bool("bias", bias).Msg("device opened")
	return s, nil
}

func (s *HackRFSource) Name() string {
	return "HackRF One"
}

func (s *HackRFSource) Args() source.Args {
	return s.args
}

func (s *HackRFSource) check(ch int) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return source.ErrClosed
	}
	return source.CheckChannel(ch, 1)
}

func (s *HackRFSource) NumChannels() (int, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *HackRFSource) SampleRates() (source.MetaRange, error) {
	if err := s.check(0); err != nil {
		return nil, err
	}
	return sampleRates, nil
}

func (s *HackRFSource) SetSampleRate(rate float64) (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	if !sampleRates.Contains(rate) {
		return 0, fmt.Errorf("%w: sample rate %g not in %s", source.ErrOutOfRange, rate, sampleRates)
	}
	if err := s.applySampleRate(rate); err != nil {
		return 0, err
	}
	return s.SampleRate()
}

func (s *HackRFSource) applySampleRate(rate float64) error {
	if err := s.dev.SetSampleRateManual(int(rate)*2, 2); err != nil {
		return source.WrapDriver(DriverName, "set sample rate", err)
	}
	if err := s.dev.SetBasebandFilterBandwidth(int(rate)); err != nil {
		return source.WrapDriver(DriverName, "set baseband filter", err)
	}
	s.mu.Lock()
	s.sampleRate = rate
	s.mu.Unlock()
	s.logger.Debug().Str("rate", util.MspsToString(rate)).Msg("sample rate set")
	return nil
}

func (s *HackRFSource) SampleRate() (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate, nil
}

func (s *HackRFSource) FreqRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return freqRange, nil
}

func (s *HackRFSource) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := source.CheckFreq(freq, freqRange); err != nil {
		return 0, err
	}
	if err := s.dev.SetFreq(uint64(freq)); err != nil {
		return 0, source.WrapDriver(DriverName, "set center freq", err)
	}
	s.mu.Lock()
	s.centerFreq = freq
	s.mu.Unlock()
	return s.CenterFreq(ch)
}

func (s *HackRFSource) CenterFreq(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.centerFreq, nil
}

func (s *HackRFSource) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "set freq correction", "")
}

func (s *HackRFSource) FreqCorr(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "freq correction", "")
}

func (s *HackRFSource) GainNames(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return append([]string(nil), stageNames...), nil
}

func (s *HackRFSource) GainRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return overallGain, nil
}

func (s *HackRFSource) NamedGainRange(name string, ch int) (source.MetaRange, error) {
	if err := source.CheckGainName(name, stageNames); err != nil {
		return nil, err
	}
	if name == "" {
		return s.GainRange(ch)
	}
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return stageRanges[name], nil
}

// SetGain spreads gain over the stages: the amplifier first, then the LNA,
// the remainder on the VGA.
func (s *HackRFSource) SetGain(gain float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	remaining := overallGain.Clip(gain, true)

	amp := 0.0
	if remaining >= 14 {
		amp = 14
	}
	remaining -= amp
	lna := stageRanges["LNA"].Clip(float64(int(remaining/8)*8), true)
	remaining -= lna
	vga := stageRanges["VGA"].Clip(remaining, true)

	for _, st := range []struct {
		name string
		gain float64
	}{{"AMP", amp}, {"LNA", lna}, {"VGA", vga}} {
		if err := s.applyStage(st.name, st.gain); err != nil {
			return 0, err
		}
	}
	return s.Gain(ch)
}

func (s *HackRFSource) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	if err := source.CheckGainName(name, stageNames); err != nil {
		return 0, err
	}
	if name == "" {
		return s.SetGain(gain, ch)
	}
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := s.applyStage(name, stageRanges[name].Clip(gain, true)); err != nil {
		return 0, err
	}
	return s.NamedGain(name, ch)
}

func (s *HackRFSource) applyStage(name string, gain float64) error {
	var err error
	switch name {
	case "LNA":
		err = s.dev.SetLNAGain(int(gain))
	case "VGA":
		err = s.dev.SetVGAGain(int(gain))
	case "AMP":
		err = s.dev.SetAmpEnable(gain > 0)
	}
	if err != nil {
		return source.WrapDriver(DriverName, "set "+name+" gain", err)
	}
	s.mu.Lock()
	s.gains[name] = gain
	s.mu.Unlock()
	return nil
}

func (s *HackRFSource) Gain(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gains["AMP"] + s.gains["LNA"] + s.gains["VGA"], nil
}

func (s *HackRFSource) NamedGain(name string, ch int) (float64, error) {
	if err := source.CheckGainName(name, stageNames); err != nil {
		return 0, err
	}
	if name == "" {
		return s.Gain(ch)
	}
	if err := s.check(ch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gains[name], nil
}

func (s *HackRFSource) Antennas(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{antenna}, nil
}

func (s *HackRFSource) SetAntenna(name string, ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	if err := source.CheckAntenna(name, []string{antenna}); err != nil {
		return "", err
	}
	return antenna, nil
}

func (s *HackRFSource) Antenna(ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	return antenna, nil
}

// Start receives until ctx is done or the source is closed. libhackrf
// invokes the callback from its own transfer thread; rx is always stopped
// before Start returns.
func (s *HackRFSource) Start(parent context.Context, out chan<- *types.SegmentComplex64) error {
	if err := s.check(0); err != nil {
		return err
	}
	ctx, done, err := s.streams.Begin(parent)
	if err != nil {
		return err
	}
	defer done()

	var (
		segMu  sync.Mutex
		segNum int
	)
	callback := func(buf []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := iq.ConvertCS8(buf)

		segMu.Lock()
		segNum++
		seg := &types.SegmentComplex64{SegmentNumber: segNum, Data: data}
		segMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- seg:
		}
		return nil
	}

	if err := s.dev.StartRX(callback); err != nil {
		return source.WrapDriver(DriverName, "start rx", err)
	}
	s.logger.Info().Msg("receiving")

	<-ctx.Done()
	if err := s.dev.StopRX(); err != nil {
		s.logger.Warn().Err(err).Msg("stop rx")
	}
	return s.streams.Result(parent, ctx.Err())
}

func (s *HackRFSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.streams.Stop()

	closeErr := s.dev.Close()
	if err := releaseLib(); err != nil {
		s.logger.Warn().Err(err).Msg("hackrf exit")
	}
	return source.WrapDriver(DriverName, "close", closeErr)
}

// Devices lists the HackRF boards on the USB bus. Only the board at index 0
// can be opened.
func Devices(ctx context.Context, hint source.Args) ([]string, error) {
	if err := acquireLib(); err != nil {
		return nil, source.WrapDriver(DriverName, "init", err)
	}
	defer releaseLib()

	found, err := listDevices()
	if err != nil {
		return nil, source.WrapDriver(DriverName, "device list", err)
	}
	devices := make([]string, 0, len(found))
	for _, d := range found {
		label := d.board
		if d.serial != "" {
			label += " " + d.serial
		}
		desc := source.ParseArgs(DriverName).
			With("index", strconv.Itoa(d.index)).
			With("label", label)
		if d.serial != "" {
			desc = desc.With("serial", d.serial)
		}
		devices = append(devices, desc.String())
	}
	return devices, nil
}
