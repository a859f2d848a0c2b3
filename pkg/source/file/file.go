// Package file plays back raw IQ captures as if they came from a radio.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/norasector/sdrsource/pkg/dsp/iq"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	DriverName = "file"

	antenna = "RX"
)

// any frequency may be recorded against a capture
var freqRange = source.MetaRange{source.NewRangeStep(0, 100e9, 0)}

type config struct {
	path     string
	rate     float64
	freq     float64
	format   iq.Format
	repeat   bool
	throttle bool
}

func parseConfig(args source.Args) (config, error) {
	var (
		c   config
		err error
	)
	c.path = args.Get("path", "")
	if c.path == "" {
		return c, fmt.Errorf("%w: path is required", source.ErrInvalidArgument)
	}
	if c.rate, err = args.Float("rate", 0); err != nil {
		return c, err
	}
	if c.rate <= 0 {
		return c, fmt.Errorf("%w: rate is required", source.ErrInvalidArgument)
	}
	if c.freq, err = args.Float("freq", 0); err != nil {
		return c, err
	}
	if c.format, err = iq.ParseFormat(args.Get("format", "")); err != nil {
		return c, fmt.Errorf("%w: %v", source.ErrInvalidArgument, err)
	}
	if c.repeat, err = args.Bool("repeat", true); err != nil {
		return c, err
	}
	if c.throttle, err = args.Bool("throttle", true); err != nil {
		return c, err
	}
	return c, nil
}

type FileSource struct {
	args     source.Args
	cfg      config
	segSize  int
	readFile *os.File
	logger   zerolog.Logger

	mu         sync.Mutex
	closed     bool
	centerFreq float64
}

func Driver() source.Driver {
	return source.Driver{
		Name: DriverName,
		Open: func(args source.Args, opts ...source.Option) (source.Source, error) {
			return NewFileSource(args, opts...)
		},
	}
}

func NewFileSource(args source.Args, opts ...source.Option) (*FileSource, error) {
	o := source.NewOptions(opts...)
	cfg, err := parseConfig(args)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(cfg.path)
	if err != nil {
		return nil, source.WrapDriver(DriverName, "open", err)
	}

	s := &FileSource{
		args:       args,
		cfg:        cfg,
		segSize:    o.SegmentSize,
		readFile:   f,
		centerFreq: cfg.freq,
		logger: o.Logger.With().
			Str("driver", DriverName).
			Str("file", cfg.path).
			Logger(),
	}
	s.logger.Info().
		Str("format", cfg.format.String()).
		Str("rate", util.MspsToString(cfg.rate)).
		Bool("repeat", cfg.repeat).
		Bool("throttle", cfg.throttle).
		Msg("capture opened")
	return s, nil
}

func (s *FileSource) Name() string {
	return "IQ file " + s.cfg.path
}

func (s *FileSource) Args() source.Args {
	return s.args
}

func (s *FileSource) check(ch int) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return source.ErrClosed
	}
	return source.CheckChannel(ch, 1)
}

func (s *FileSource) NumChannels() (int, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *FileSource) SampleRates() (source.MetaRange, error) {
	if err := s.check(0); err != nil {
		return nil, err
	}
	return source.MetaRange{source.NewRange(s.cfg.rate)}, nil
}

// SetSampleRate cannot resample a capture; it keeps the recorded rate.
func (s *FileSource) SetSampleRate(rate float64) (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	if rate != s.cfg.rate {
		s.logger.Warn().
			Str("requested", util.MspsToString(rate)).
			Str("rate", util.MspsToString(s.cfg.rate)).
			Msg("capture sample rate is fixed")
	}
	return s.cfg.rate, nil
}

func (s *FileSource) SampleRate() (float64, error) {
	if err := s.check(0); err != nil {
		return 0, err
	}
	return s.cfg.rate, nil
}

func (s *FileSource) FreqRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return freqRange, nil
}

func (s *FileSource) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	if err := source.CheckFreq(freq, freqRange); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.centerFreq = freq
	s.mu.Unlock()
	return s.CenterFreq(ch)
}

func (s *FileSource) CenterFreq(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.centerFreq, nil
}

func (s *FileSource) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "set freq correction", "")
}

func (s *FileSource) FreqCorr(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, source.Unsupported(DriverName, "freq correction", "")
}

func (s *FileSource) GainNames(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{}, nil
}

func (s *FileSource) GainRange(ch int) (source.MetaRange, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return source.MetaRange{source.NewRange(0)}, nil
}

func (s *FileSource) NamedGainRange(name string, ch int) (source.MetaRange, error) {
	if err := source.CheckGainName(name, nil); err != nil {
		return nil, err
	}
	return s.GainRange(ch)
}

func (s *FileSource) SetGain(gain float64, ch int) (float64, error) {
	return s.Gain(ch)
}

func (s *FileSource) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	if err := source.CheckGainName(name, nil); err != nil {
		return 0, err
	}
	return s.Gain(ch)
}

func (s *FileSource) Gain(ch int) (float64, error) {
	if err := s.check(ch); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *FileSource) NamedGain(name string, ch int) (float64, error) {
	if err := source.CheckGainName(name, nil); err != nil {
		return 0, err
	}
	return s.Gain(ch)
}

func (s *FileSource) Antennas(ch int) ([]string, error) {
	if err := s.check(ch); err != nil {
		return nil, err
	}
	return []string{antenna}, nil
}

func (s *FileSource) SetAntenna(name string, ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	if err := source.CheckAntenna(name, []string{antenna}); err != nil {
		return "", err
	}
	return antenna, nil
}

func (s *FileSource) Antenna(ch int) (string, error) {
	if err := s.check(ch); err != nil {
		return "", err
	}
	return antenna, nil
}

// Start plays the capture one segment at a time, paced to the recorded
// sample rate when throttled. Without repeat it returns io.EOF at the end
// of the file.
func (s *FileSource) Start(ctx context.Context, out chan<- *types.SegmentComplex64) error {
	if err := s.check(0); err != nil {
		return err
	}

	var tick <-chan time.Time
	if s.cfg.throttle {
		interval := time.Duration(float64(s.segSize) / s.cfg.rate * float64(time.Second))
		if interval < time.Microsecond {
			interval = time.Microsecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	buf := make([]byte, s.segSize*s.cfg.format.BytesPerSample())
	segNum := 0
	readSinceRewind := 0
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(s.readFile, buf)
		readSinceRewind += n
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			if readSinceRewind == 0 {
				return fmt.Errorf("%s: %s holds no samples: %w", DriverName, s.cfg.path, io.EOF)
			}
			if !s.cfg.repeat {
				if n == 0 {
					s.logger.Info().Int("segments", segNum).Msg("end of capture")
					return io.EOF
				}
				break
			}
			if _, err := s.readFile.Seek(0, io.SeekStart); err != nil {
				return source.WrapDriver(DriverName, "rewind", err)
			}
			readSinceRewind = 0
			s.logger.Debug().Msg("capture rewound")
		case errors.Is(err, os.ErrClosed):
			return source.ErrClosed
		default:
			return source.WrapDriver(DriverName, "read", err)
		}

		data := s.cfg.format.Convert(buf[:n])
		if len(data) == 0 {
			continue
		}
		segNum++
		seg := &types.SegmentComplex64{SegmentNumber: segNum, Data: data}
		if err := source.Emit(ctx, out, seg); err != nil {
			return err
		}
	}
}

// Finite reports whether the capture is played once, so Start ends with
// io.EOF rather than streaming until cancelled.
func (s *FileSource) Finite() bool {
	return !s.cfg.repeat
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return source.WrapDriver(DriverName, "close", s.readFile.Close())
}
