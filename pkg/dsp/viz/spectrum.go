package viz

import (
	"bytes"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/norasector/sdrsource/pkg/dsp/filters/fir"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// exponential averaging weight of each new power estimate
const powerAvg = 0.10

// Spectrum keeps the latest samples of a complex stream and plots their
// averaged power spectrum.
type Spectrum struct {
	name       string
	size       int
	sampleRate int
	fft        *fourier.CmplxFFT
	window     []float32

	mu          sync.Mutex
	buf         []complex64
	avgPower    []float64
	plotOptions []PlotOptions
}

func NewSpectrum(name string, size, sampleRate int) *Spectrum {
	return &Spectrum{
		name:       name,
		size:       size,
		sampleRate: sampleRate,
		fft:        fourier.NewCmplxFFT(size),
		window:     fir.BlackmanWindow(size),
		buf:        make([]complex64, size),
		avgPower:   make([]float64, size),
	}
}

func (s *Spectrum) Name() string {
	return s.name
}

func (s *Spectrum) AddPlotOption(opt PlotOptions) {
	s.mu.Lock()
	s.plotOptions = append(s.plotOptions, opt)
	s.mu.Unlock()
}

// Append keeps the most recent size samples.
func (s *Spectrum) Append(samples []complex64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(samples) >= s.size {
		copy(s.buf, samples[len(samples)-s.size:])
		return
	}
	copy(s.buf, s.buf[len(samples):])
	copy(s.buf[s.size-len(samples):], samples)
}

// Power updates the running average and returns it in dB, ordered from the
// most negative to the most positive frequency offset.
func (s *Spectrum) Power() (offsets, db []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// normalize by the Blackman coherent gain so a full scale tone is 0 dB
	norm := 0.42 * float64(s.size)
	data := make([]complex128, s.size)
	for i, v := range s.buf {
		data[i] = complex128(v) * complex(float64(s.window[i])/norm, 0)
	}
	coeffs := s.fft.Coefficients(nil, data)

	offsets = make([]float64, s.size)
	db = make([]float64, s.size)
	for i := range coeffs {
		idx := s.fft.ShiftIdx(i)
		s.avgPower[i] = (1-powerAvg)*s.avgPower[i] + powerAvg*cmplx.Abs(coeffs[idx])
		offsets[i] = s.fft.Freq(idx) * float64(s.sampleRate)
		db[i] = 20 * math.Log10(math.Max(s.avgPower[i], 1e-12))
	}
	return offsets, db
}

func (s *Spectrum) GetImage() (*ImageContainer, error) {
	offsets, db := s.Power()

	p := newPlot(DarkTheme)
	p.Title.Text = s.name
	p.X.Label.Text = "Offset (Hz)"
	p.Y.Label.Text = "Power (dB)"
	p.Y.Min = -120
	p.Y.Max = 0
	s.mu.Lock()
	for _, opt := range s.plotOptions {
		opt(p)
	}
	s.mu.Unlock()
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(offsets))
	for i := range offsets {
		xys[i] = plotter.XY{X: offsets[i], Y: db[i]}
	}
	if err := plotutil.AddLines(p, "power", xys); err != nil {
		return nil, fmt.Errorf("plot %s: %w", s.name, err)
	}

	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", s.name, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render %s: %w", s.name, err)
	}
	return &ImageContainer{name: s.name, data: buf.Bytes()}, nil
}
