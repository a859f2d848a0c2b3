// Package cyberradio drives CyberRadio NDR receivers: tuning and gain go
// over the radio's JSON control port while samples arrive as VITA-49 UDP.
package cyberradio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/source/vita"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	DriverName  = "cyberradio"
	DefaultHost = "192.168.0.10"
	DefaultType = "ndr551"

	attenStage = "ATT"
)

// CyberRadioSource implements source.Source for one NDR radio. Channel n
// maps to tuner n; the sample rate is that of DDC 0 of the configured kind.
type CyberRadioSource struct {
	args   source.Args
	model  Model
	ddc    DDCKind
	radio  RadioHandler
	rx     *vita.Receiver
	logger zerolog.Logger

	mu         sync.Mutex
	closed     bool
	centerFreq map[int]float64
}

func Driver() source.Driver {
	return source.Driver{
		Name: DriverName,
		Open: func(args source.Args, opts ...source.Option) (source.Source, error) {
			return NewCyberRadioSource(args, opts...)
		},
		Devices: Devices,
	}
}

type config struct {
	host    string
	port    int
	model   Model
	ddc     DDCKind
	vita    vita.Config
	timeout time.Duration
}

func parseConfig(args source.Args) (config, error) {
	var cfg config
	var err error

	cfg.host = args.Get("host", DefaultHost)
	if cfg.model, err = LookupModel(args.Get("type", DefaultType)); err != nil {
		return cfg, err
	}
	if cfg.port, err = args.Int("port", DefaultControlPort); err != nil {
		return cfg, err
	}
	kind := args.Get("ddc", "wideband")
	var ok bool
	if cfg.ddc, ok = ParseDDCKind(strings.ToLower(kind)); !ok {
		return cfg, fmt.Errorf("%w: ddc %q", source.ErrInvalidArgument, kind)
	}
	if cfg.timeout, err = args.Duration("timeout", defaultTimeout); err != nil {
		return cfg, err
	}

	cfg.vita = vita.NDRConfig()
	cfg.vita.Address = args.Get("local", cfg.vita.Address)
	if cfg.vita.Port, err = args.Int("udp_port", cfg.vita.Port); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func NewCyberRadioSource(args source.Args, opts ...source.Option) (*CyberRadioSource, error) {
	o := source.NewOptions(opts...)
	cfg, err := parseConfig(args)
	if err != nil {
		return nil, err
	}
	logger := o.Logger.With().
		Str("driver", DriverName).
		Str("host", cfg.host).
		Str("type", cfg.model.Name).
		Logger()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	radio, err := GetRadioObject(ctx, cfg.model.Name, cfg.host, cfg.port, cfg.timeout, logger)
	if err != nil {
		return nil, source.WrapDriver(DriverName, "connect", err)
	}

	rx, err := vita.NewReceiver(cfg.vita, source.WithLogger(logger), source.WithMetrics(o.Metrics))
	if err != nil {
		radio.Close()
		return nil, err
	}

	logger.Info().
		Str("ddc", cfg.ddc.String()).
		Str("listen", rx.LocalAddr().String()).
		Msg("radio connected")

	return newSource(args, cfg.ddc, radio, rx, logger), nil
}

func newSource(args source.Args, ddc DDCKind, radio RadioHandler, rx *vita.Receiver, logger zerolog.Logger) *CyberRadioSource {
	return &CyberRadioSource{
		args:       args,
		model:      radio.Model(),
		ddc:        ddc,
		radio:      radio,
		rx:         rx,
		logger:     logger,
		centerFreq: make(map[int]float64),
	}
}

func (s *CyberRadioSource) Name() string {
	return "CyberRadio " + s.model.Name
}

func (s *CyberRadioSource) Args() source.Args {
	return s.args
}

// Receiver exposes the VITA-49 stream statistics.
func (s *CyberRadioSource) Receiver() *vita.Receiver {
	return s.rx
}

func (s *CyberRadioSource) check(ch int) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return source.ErrClosed
	}
	return source.CheckChannel(ch, s.model.Tuners)
}

func (s *CyberRadioSource) NumChannels() (int, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return s.model.Tuners, nil
}

// SampleRates lists every DDC output rate of the radio, wideband and
// narrowband merged. Only the rates of the configured DDC kind are settable.
func (s *CyberRadioSource) SampleRates() (source.MetaRange, error) {
	if err := s.check(0); err != nil {
		return nil, err
	}
	var rates []float64
	seen := make(map[float64]bool)
	for _, set := range []RateSet{s.model.WbddcRates, s.model.NbddcRates} {
		for _, r := range set {
			if !seen[r] {
				seen[r] = true
				rates = append(rates, r)
			}
		}
	}
	sort.Float64s(rates)

	out := make(source.MetaRange, len(rates))
	for i, r := range rates {
		out[i] = source.NewRange(r)
	}
	return out, nil
}

func (s *CyberRadioSource) SetSampleRate(rate float64) (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	idx, ok := s.model.Rates(s.ddc).IndexOf(rate)
	if !ok {
		other := Narrowband
		if s.ddc == Narrowband {
			other = Wideband
		}
		if _, inOther := s.model.Rates(other).IndexOf(rate); inOther {
			return 0, source.Unsupported(DriverName, "set sample rate",
				fmt.Sprintf("%s requires the %s ddc, source uses %s", util.MspsToString(rate), other, s.ddc))
		}
		return 0, fmt.Errorf("%w: sample rate %g not offered by the %s ddc", source.ErrOutOfRange, rate, s.ddc)
	}

	if err := s.radio.SetDDCRateIndex(s.ddc, 0, idx); err != nil {
		return 0, source.WrapDriver(DriverName, "set sample rate", err)
	}
	s.logger.Debug().Str("rate", util.MspsToString(rate)).Int("index", idx).Msg("sample rate set")
	return s.SampleRate()
}

func (s *CyberRadioSource) SampleRate() (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	idx, err := s.radio.DDCRateIndex(s.ddc, 0)
	if err != nil {
		return 0, source.WrapDriver(DriverName, "sample rate", err)
	}
	rate, ok := s.model.Rates(s.ddc)[idx]
	if !ok {
		return 0, source.WrapDriver(DriverName, "sample rate", fmt.Errorf("radio reports unknown rate index %d", idx))
	}
	return rate, nil
}

func (s *CyberRadioSource) FreqRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return s.model.FreqRange(), nil
}

// SetCenterFreq tunes the radio. The tuner works on a coarse grid, so the
// requested frequency is what CenterFreq reports back.
func (s *CyberRadioSource) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := source.CheckFreq(freq, s.model.FreqRange()); err != nil {
		return 0, err
	}
	if err := s.radio.SetTunerFrequency(ch, freq); err != nil {
		return 0, source.WrapDriver(DriverName, "set center freq", err)
	}

	s.mu.Lock()
	s.centerFreq[ch] = freq
	s.mu.Unlock()

	s.logger.Debug().Int("tuner", ch).Str("freq", util.MHzToString(freq)).Msg("tuned")
	return freq, nil
}

func (s *CyberRadioSource) CenterFreq(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.centerFreq[ch], nil
}

func (s *CyberRadioSource) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "set freq correction", "")
}

func (s *CyberRadioSource) FreqCorr(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "freq correction", "")
}

func (s *CyberRadioSource) GainNames(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{attenStage}, nil
}

func (s *CyberRadioSource) GainRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return s.model.GainRange(), nil
}

func (s *CyberRadioSource) NamedGainRange(name string, ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	if err := source.CheckGainName(name, []string{attenStage}); err != nil {
		return nil, err
	}
	return s.model.GainRange(), nil
}

// SetGain clamps gain to the attenuation range and programs the tuner
// attenuator with its negation.
func (s *CyberRadioSource) SetGain(gain float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	clipped := s.model.GainRange().Clip(gain, true)
	if clipped != gain {
		s.logger.Debug().Float64("requested", gain).Float64("applied", clipped).Msg("gain clamped")
	}
	if err := s.radio.SetTunerAttenuation(ch, -clipped); err != nil {
		return 0, source.WrapDriver(DriverName, "set gain", err)
	}
	return s.Gain(ch)
}

func (s *CyberRadioSource) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := source.CheckGainName(name, []string{attenStage}); err != nil {
		return 0, err
	}
	return s.SetGain(gain, ch)
}

func (s *CyberRadioSource) Gain(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	atten, err := s.radio.TunerAttenuation(ch)
	if err != nil {
		return 0, source.WrapDriver(DriverName, "gain", err)
	}
	if atten == 0 {
		return 0, nil
	}
	return -atten, nil
}

func (s *CyberRadioSource) NamedGain(name string, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := source.CheckGainName(name, []string{attenStage}); err != nil {
		return 0, err
	}
	return s.Gain(ch)
}

func antennaName(ch int) string {
	return fmt.Sprintf("RX%d", ch)
}

func (s *CyberRadioSource) Antennas(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{antennaName(ch)}, nil
}

func (s *CyberRadioSource) SetAntenna(name string, ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	if err := source.CheckAntenna(name, []string{antennaName(ch)}); err != nil {
		return "", err
	}
	return name, nil
}

func (s *CyberRadioSource) Antenna(ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	return antennaName(ch), nil
}

func (s *CyberRadioSource) Start(ctx context.Context, out chan<- *types.SegmentComplex64) error {
	if err := s.check(0); err != nil {
		return err
	}
	return s.rx.Start(ctx, out)
}

func (s *CyberRadioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	rxErr := s.rx.Close()
	if err := s.radio.Close(); err != nil {
		return source.WrapDriver(DriverName, "close", err)
	}
	s.logger.Info().Msg("radio disconnected")
	return rxErr
}
