package viz

import (
	"context"
	"math"
	"math/cmplx"
	"sort"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	dspfft "github.com/mjibson/go-dsp/fft"
	"github.com/norasector/sdrsource/pkg/dsp/filters/fir"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	monitorFFTSize = 4096
	// a bin is a peak when it is the largest in a window this wide
	peakWindow = 13
)

type Peak struct {
	Freq    float64
	PowerDB float64
}

// FindPeaks returns up to n local maxima of the power spectrum of samples,
// strongest first, as absolute frequencies around centerFreq.
func FindPeaks(samples []complex64, sampleRate, centerFreq float64, n int) []Peak {
	size := len(samples)
	if size < peakWindow || n <= 0 {
		return nil
	}

	win := fir.BlackmanWindow(size)
	data := make([]complex128, size)
	for i, v := range samples {
		data[i] = complex128(v) * complex(float64(win[i]), 0)
	}
	coeffs := dspfft.FFT(data)

	// reorder so index 0 is the most negative offset
	mag := make([]float64, size)
	half := size / 2
	for i := range mag {
		mag[i] = cmplx.Abs(coeffs[(i+half+size%2)%size])
	}
	binFreq := func(i int) float64 {
		return centerFreq + float64(i-half)*sampleRate/float64(size)
	}

	var peaks []int
	for i := 0; i+peakWindow <= size; i++ {
		maxIdx := i
		for j := i + 1; j < i+peakWindow; j++ {
			if mag[j] > mag[maxIdx] {
				maxIdx = j
			}
		}
		if maxIdx == i+peakWindow/2 {
			peaks = append(peaks, maxIdx)
		}
	}
	sort.SliceStable(peaks, func(a, b int) bool { return mag[peaks[a]] > mag[peaks[b]] })
	if len(peaks) > n {
		peaks = peaks[:n]
	}

	norm := 0.42 * float64(size)
	out := make([]Peak, len(peaks))
	for i, idx := range peaks {
		out[i] = Peak{
			Freq:    binFreq(idx),
			PowerDB: 20 * math.Log10(math.Max(mag[idx]/norm, 1e-12)),
		}
	}
	return out
}

// Monitor is a sink that plots the spectrum of what it receives and
// periodically logs the strongest signals.
type Monitor struct {
	name       string
	sampleRate float64
	centerFreq float64
	interval   time.Duration
	numPeaks   int
	spectrum   *Spectrum
	logger     zerolog.Logger
	writeAPI   api.WriteAPI
	in         chan *types.SegmentComplex64

	mu     sync.Mutex
	latest []complex64
}

type MonitorOption func(m *Monitor)

func WithMonitorLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMonitorServer plots the monitor's spectrum on s.
func WithMonitorServer(s *Server) MonitorOption {
	return func(m *Monitor) {
		s.Register(m.name, m.spectrum)
	}
}

func WithReportInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

func WithPeaks(n int) MonitorOption {
	return func(m *Monitor) {
		m.numPeaks = n
	}
}

func WithMonitorMetrics(writeAPI api.WriteAPI) MonitorOption {
	return func(m *Monitor) {
		m.writeAPI = writeAPI
	}
}

func NewMonitor(name string, sampleRate, centerFreq float64, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		name:       name,
		sampleRate: sampleRate,
		centerFreq: centerFreq,
		interval:   5 * time.Second,
		numPeaks:   3,
		spectrum:   NewSpectrum(name, 1024, int(sampleRate)),
		logger:     log.Logger,
		writeAPI:   &util.MockWriteAPI{},
		in:         make(chan *types.SegmentComplex64, 4),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("monitor", name).Logger()
	return m
}

func (m *Monitor) Receive() chan<- *types.SegmentComplex64 {
	return m.in
}

func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-m.in:
			m.spectrum.Append(seg.Data)
			m.keep(seg.Data)
		case <-ticker.C:
			m.Report()
		}
	}
}

func (m *Monitor) keep(samples []complex64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = append(m.latest, samples...)
	if extra := len(m.latest) - monitorFFTSize; extra > 0 {
		m.latest = append(m.latest[:0], m.latest[extra:]...)
	}
}

// Report logs and returns the strongest peaks of the latest samples.
func (m *Monitor) Report() []Peak {
	m.mu.Lock()
	samples := append([]complex64(nil), m.latest...)
	m.mu.Unlock()

	peaks := FindPeaks(samples, m.sampleRate, m.centerFreq, m.numPeaks)
	if len(peaks) == 0 {
		return nil
	}
	m.logger.Info().
		Str("freq", util.MHzToString(peaks[0].Freq)).
		Float64("power_db", math.Round(peaks[0].PowerDB*10)/10).
		Int("peaks", len(peaks)).
		Msg("strongest signal")

	for rank, p := range peaks {
		m.writeAPI.WritePoint(influxdb2.NewPoint("viz.peak",
			map[string]string{
				"monitor": m.name,
				"rank":    strconv.Itoa(rank),
			},
			map[string]interface{}{
				"freq":     p.Freq,
				"power_db": p.PowerDB,
			}, time.Now()))
	}
	return peaks
}
