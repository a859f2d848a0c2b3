// Package sdrsource runs a configured source: it tunes the device, keeps
// the stream alive and fans segments out to sinks.
package sdrsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrsource/pkg/dsp/processor"
	"github.com/norasector/sdrsource/pkg/dsp/viz"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// a stream that survived this long resets the restart backoff
	healthyStreamTime = 30 * time.Second

	rawSampleBuffer = 4
)

// finiteSource is implemented by sources that can run out of samples, such
// as a capture played once.
type finiteSource interface {
	Finite() bool
}

type Stats struct {
	Segments uint64
	Samples  uint64
	Skipped  uint64
	Restarts uint64
}

type Receiver struct {
	// accessed atomically, kept first for 64-bit alignment
	segments uint64
	samples  uint64
	skipped  uint64
	restarts uint64

	src        source.Source
	opts       Options
	sinks      []Sink
	writeAPI   api.WriteAPI
	vizServer  *viz.Server
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff
	proc       *processor.Processor

	mu     sync.Mutex
	cancel context.CancelFunc
}

type ReceiverOption func(r *Receiver) error

func WithInfluxDB(influxClient api.WriteAPI) ReceiverOption {
	return func(r *Receiver) error {
		r.writeAPI = influxClient
		return nil
	}
}

func WithLogger(logger zerolog.Logger) ReceiverOption {
	return func(r *Receiver) error {
		r.logger = logger
		return nil
	}
}

func WithSinks(sinks ...Sink) ReceiverOption {
	return func(r *Receiver) error {
		r.sinks = append(r.sinks, sinks...)
		return nil
	}
}

// WithImageServer plots the decimation chain and runs the server with the
// receiver.
func WithImageServer(vizServer *viz.Server) ReceiverOption {
	return func(r *Receiver) error {
		r.vizServer = vizServer
		return nil
	}
}

// WithBackOff sets the policy for restarting a failed stream.
func WithBackOff(newBackOff func() backoff.BackOff) ReceiverOption {
	return func(r *Receiver) error {
		if newBackOff == nil {
			return errors.New("nil backoff")
		}
		r.newBackOff = newBackOff
		return nil
	}
}

func NewReceiver(src source.Source, options Options, opts ...ReceiverOption) (*Receiver, error) {
	if src == nil {
		return nil, errors.New("must specify a source")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	r := &Receiver{
		src:      src,
		opts:     options,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		logger:   log.Logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With().Str("source", src.Name()).Logger()
	return r, nil
}

// AddSinks registers sinks built after the source was configured. It must
// be called before Start.
func (r *Receiver) AddSinks(sinks ...Sink) {
	r.sinks = append(r.sinks, sinks...)
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Segments: atomic.LoadUint64(&r.segments),
		Samples:  atomic.LoadUint64(&r.samples),
		Skipped:  atomic.LoadUint64(&r.skipped),
		Restarts: atomic.LoadUint64(&r.restarts),
	}
}

// Configure applies the options to the source.
func (r *Receiver) Configure() error {
	ch := r.opts.Channel
	n, err := r.src.NumChannels()
	if err != nil {
		return err
	}
	if err := source.CheckChannel(ch, n); err != nil {
		return err
	}

	if r.opts.SampleRate > 0 {
		rate, err := r.src.SetSampleRate(r.opts.SampleRate)
		if err != nil {
			return fmt.Errorf("set sample rate: %w", err)
		}
		if rate != r.opts.SampleRate {
			r.logger.Warn().
				Str("requested", util.MspsToString(r.opts.SampleRate)).
				Str("actual", util.MspsToString(rate)).
				Msg("sample rate coerced")
		}
	}

	if r.opts.CenterFreq > 0 {
		tuneFreq := r.opts.CenterFreq + r.opts.TuneOffset
		freq, err := r.src.SetCenterFreq(tuneFreq, ch)
		if err != nil {
			return fmt.Errorf("set center freq: %w", err)
		}
		if freq != tuneFreq {
			r.logger.Warn().
				Str("requested", util.MHzToString(tuneFreq)).
				Str("actual", util.MHzToString(freq)).
				Msg("center freq coerced")
		}
	}

	if _, err := r.src.SetFreqCorr(r.opts.FreqCorr, ch); err != nil {
		if !errors.Is(err, source.ErrUnsupported) || r.opts.FreqCorr != 0 {
			return fmt.Errorf("set freq correction: %w", err)
		}
		r.logger.Debug().Err(err).Msg("skipping freq correction")
	}

	switch r.opts.GainMode {
	case GainModeAuto:
		gm, ok := r.src.(gainModeSetter)
		if !ok {
			return fmt.Errorf("set gain mode: %w", source.Unsupported(r.src.Name(), "automatic gain", ""))
		}
		if err := gm.SetGainMode(true); err != nil {
			return fmt.Errorf("set gain mode: %w", err)
		}
	case GainModeManual:
		gain, err := r.src.SetGain(r.opts.Gain, ch)
		if err != nil {
			return fmt.Errorf("set gain: %w", err)
		}
		if gain != r.opts.Gain {
			r.logger.Info().Float64("requested", r.opts.Gain).Float64("actual", gain).Msg("gain clipped")
		}
	}

	if r.opts.Antenna != "" {
		if _, err := r.src.SetAntenna(r.opts.Antenna, ch); err != nil {
			return fmt.Errorf("set antenna: %w", err)
		}
	}

	return nil
}

// Start configures the source and streams until ctx is done, Stop is called
// or the stream cannot be restarted. A source that runs out of samples ends
// Start with io.EOF.
func (r *Receiver) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if err := r.Configure(); err != nil {
		return err
	}
	if err := r.buildProcessor(); err != nil {
		return err
	}

	rate, _ := r.src.SampleRate()
	freq, _ := r.CenterFreq()
	r.logger.Info().
		Str("center_freq", util.MHzToString(freq)).
		Str("sample_rate", util.MspsToString(rate)).
		Int("sinks", len(r.sinks)).
		Msg("Starting")

	// a finite source is delivered whole; a live one never waits on sinks
	lossless := false
	if f, ok := r.src.(finiteSource); ok {
		lossless = f.Finite()
	}

	rawSampleChan := make(chan *types.SegmentComplex64, rawSampleBuffer)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.runSource(ctx, rawSampleChan)
	})
	eg.Go(func() error {
		return r.processRawSamples(ctx, rawSampleChan, lossless)
	})
	for _, sink := range r.sinks {
		thisSink := sink
		eg.Go(func() error {
			return thisSink.Start(ctx)
		})
	}
	if r.vizServer != nil {
		eg.Go(func() error {
			return r.vizServer.Run(ctx)
		})
	}

	return eg.Wait()
}

func (r *Receiver) buildProcessor() error {
	if r.opts.Decimation <= 1 && r.opts.TuneOffset == 0 {
		return nil
	}
	rate, err := r.src.SampleRate()
	if err != nil {
		return err
	}
	r.proc = processor.NewProcessor(r.src.Name(), r.vizServer)

	if r.opts.TuneOffset != 0 {
		shift, err := processor.NewShifter("offset", int(rate), r.opts.TuneOffset)
		if err != nil {
			return err
		}
		r.proc.AddBlock(shift)
	}
	if r.opts.Decimation > 1 {
		dec, err := processor.NewDecimator("decimator", int(rate), r.opts.Decimation)
		if err != nil {
			return err
		}
		r.proc.AddBlock(dec)
	}
	if err := r.proc.Initialize(); err != nil {
		return err
	}
	r.logger.Info().
		Float64("tune_offset", r.opts.TuneOffset).
		Int("decimation", r.opts.Decimation).
		Str("output_rate", util.MspsToString(float64(r.proc.OutputRate()))).
		Msg("processing chain built")
	return nil
}

// CenterFreq is the frequency at the center of the segments the sinks
// receive.
func (r *Receiver) CenterFreq() (float64, error) {
	freq, err := r.src.CenterFreq(r.opts.Channel)
	if err != nil {
		return 0, err
	}
	return freq - r.opts.TuneOffset, nil
}

// OutputRate is the sample rate the sinks receive.
func (r *Receiver) OutputRate() float64 {
	rate, err := r.src.SampleRate()
	if err != nil {
		return 0
	}
	if r.opts.Decimation > 1 {
		return rate / float64(r.opts.Decimation)
	}
	return rate
}

// runSource closes raw when the source runs out of samples, leaving
// processRawSamples to finish delivery and end the run with io.EOF.
func (r *Receiver) runSource(ctx context.Context, raw chan<- *types.SegmentComplex64) error {
	b := r.newBackOff()
	b.Reset()
	for {
		started := time.Now()
		err := r.src.Start(ctx, raw)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			r.logger.Info().Msg("source finished")
			close(raw)
			return nil
		case errors.Is(err, source.ErrClosed):
			return err
		}
		if err == nil {
			err = errors.New("stream ended")
		}

		if time.Since(started) > healthyStreamTime {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up on stream: %w", err)
		}
		restarts := atomic.AddUint64(&r.restarts, 1)
		r.logger.Warn().Err(err).Dur("wait", wait).Uint64("restarts", restarts).Msg("stream failed, restarting")
		r.writeAPI.WritePoint(influxdb2.NewPoint("source.restart",
			map[string]string{"source": r.src.Name()},
			map[string]interface{}{
				"error":    err.Error(),
				"restarts": restarts,
			}, time.Now()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Receiver) processRawSamples(ctx context.Context, raw <-chan *types.SegmentComplex64, lossless bool) error {
	for {
		select {
		case <-ctx.Done():
			// flush what the source produced before it stopped
			for {
				select {
				case seg, ok := <-raw:
					if !ok {
						return ctx.Err()
					}
					if err := r.dispatch(ctx, seg, false); err != nil {
						return err
					}
				default:
					return ctx.Err()
				}
			}
		case seg, ok := <-raw:
			if !ok {
				// every segment is with the sinks; cancelling now lets
				// them drain and finish
				return io.EOF
			}
			if err := r.dispatch(ctx, seg, lossless); err != nil {
				return err
			}
		}
	}
}

// dispatch offers seg to every sink. A blocked sink is skipped unless wait
// is set, in which case dispatch waits for it or for ctx.
func (r *Receiver) dispatch(ctx context.Context, seg *types.SegmentComplex64, wait bool) error {
	fields := map[string]interface{}{
		"input_samples": len(seg.Data),
	}
	if r.proc != nil {
		out, err := r.proc.Process(seg, fields)
		if err != nil {
			return err
		}
		seg = out
	}

	skippedSinks := 0
	for _, sink := range r.sinks {
		if wait {
			select {
			case sink.Receive() <- seg:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case sink.Receive() <- seg:
			// We will not wait on blocked sinks.
		default:
			skippedSinks++
		}
	}

	atomic.AddUint64(&r.segments, 1)
	atomic.AddUint64(&r.samples, uint64(len(seg.Data)))
	atomic.AddUint64(&r.skipped, uint64(skippedSinks))

	fields["samples"] = len(seg.Data)
	fields["segment_number"] = seg.SegmentNumber
	fields["skipped_sinks"] = skippedSinks
	r.writeAPI.WritePoint(influxdb2.NewPoint("source.segments",
		map[string]string{"source": r.src.Name()},
		fields, time.Now()))
	return nil
}

// Stop cancels a running Start and closes the source.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.src.Close()
}
