package processor

import (
	"fmt"

	"github.com/norasector/sdrsource/pkg/dsp/filters/fir"
	"github.com/norasector/sdrsource/pkg/dsp/mixer"
	"github.com/racerxdl/segdsp/dsp"
)

// Complex in, complex out
type CCWorker interface {
	WorkBuffer([]complex64, []complex64) int
	PredictOutputSize(int) int
}

// Block is one stage of a Processor.
type Block struct {
	Name       string
	InputRate  int
	OutputRate int

	worker CCWorker
	buf    []complex64
}

func NewBlock(name string, inputRate, outputRate int, worker CCWorker) *Block {
	return &Block{
		Name:       name,
		InputRate:  inputRate,
		OutputRate: outputRate,
		worker:     worker,
	}
}

// work runs the worker into the block's reusable buffer.
func (b *Block) work(input []complex64) []complex64 {
	if want := b.worker.PredictOutputSize(len(input)) * 2; len(b.buf) < want {
		b.buf = make([]complex64, want)
	}
	n := b.worker.WorkBuffer(input, b.buf)
	return b.buf[:n]
}

// NewDecimator low-pass filters to 80% of the output Nyquist band and keeps
// every decimation-th sample.
func NewDecimator(name string, inputRate, decimation int) (*Block, error) {
	if decimation < 2 {
		return nil, fmt.Errorf("decimation must be at least 2, got %d", decimation)
	}
	if inputRate%decimation != 0 {
		return nil, fmt.Errorf("sample rate %d is not a multiple of decimation %d", inputRate, decimation)
	}
	outputRate := inputRate / decimation

	fa := 0.4 * float64(outputRate)
	fb := 0.5 * float64(outputRate)
	taps := fir.MakeLowPass(1.0, float64(inputRate), (fa+fb)/2, fb-fa, fir.Hamming)

	return NewBlock(name, inputRate, outputRate, dsp.MakeDecimationFirFilter(decimation, taps)), nil
}

// NewShifter moves the input up by shift Hz without changing the rate.
func NewShifter(name string, rate int, shift float64) (*Block, error) {
	if shift <= -float64(rate)/2 || shift >= float64(rate)/2 {
		return nil, fmt.Errorf("shift %.0f Hz outside the %d Hz band", shift, rate)
	}
	return NewBlock(name, rate, rate, mixer.NewShifter(float64(rate), shift)), nil
}
