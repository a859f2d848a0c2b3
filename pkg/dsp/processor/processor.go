// Package processor chains complex sample workers, typically the decimating
// filters between a source and its sinks.
package processor

import (
	"errors"
	"fmt"

	"github.com/norasector/sdrsource/pkg/dsp/viz"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
)

const spectrumSize = 1024

type Processor struct {
	Name string

	blocks      []*Block
	vizServer   *viz.Server
	spectra     []*viz.Spectrum
	initialized bool
}

// NewProcessor creates an empty chain. When vizServer is not nil the input
// and every block output are plotted under name.
func NewProcessor(name string, vizServer *viz.Server) *Processor {
	return &Processor{
		Name:      name,
		vizServer: vizServer,
	}
}

func (p *Processor) AddBlock(b *Block) {
	p.blocks = append(p.blocks, b)
	p.initialized = false
}

func (p *Processor) Initialize() error {
	if p.initialized {
		return nil
	}
	if len(p.blocks) == 0 {
		return errors.New("must specify at least 1 block")
	}
	for i := 1; i < len(p.blocks); i++ {
		cur, next := p.blocks[i-1], p.blocks[i]
		if cur.OutputRate != next.InputRate {
			return fmt.Errorf("cur: %s next %s rate mismatch (%d %d)", cur.Name, next.Name, cur.OutputRate, next.InputRate)
		}
	}

	p.spectra = nil
	if p.vizServer != nil {
		p.spectra = make([]*viz.Spectrum, len(p.blocks)+1)
		p.spectra[0] = viz.NewSpectrum("00. input", spectrumSize, p.blocks[0].InputRate)
		p.vizServer.Register(p.Name, p.spectra[0])
		for i, b := range p.blocks {
			s := viz.NewSpectrum(fmt.Sprintf("%02d. %s", i+1, b.Name), spectrumSize, b.OutputRate)
			p.spectra[i+1] = s
			p.vizServer.Register(p.Name, s)
		}
	}

	p.initialized = true
	return nil
}

func (p *Processor) InputRate() int {
	if len(p.blocks) == 0 {
		return 0
	}
	return p.blocks[0].InputRate
}

func (p *Processor) OutputRate() int {
	if len(p.blocks) == 0 {
		return 0
	}
	return p.blocks[len(p.blocks)-1].OutputRate
}

// Process runs input through every block and records each block's duration
// in metrics as <name>_duration in microseconds. The returned segment owns
// its data.
func (p *Processor) Process(input *types.SegmentComplex64, metrics map[string]interface{}) (*types.SegmentComplex64, error) {
	if err := p.Initialize(); err != nil {
		return nil, err
	}

	data := input.Data
	if p.spectra != nil {
		p.spectra[0].Append(data)
	}
	for i, b := range p.blocks {
		elapsed := util.TimeOperationMicroseconds(func() {
			data = b.work(data)
		})
		if metrics != nil {
			metrics[b.Name+"_duration"] = elapsed
		}
		if p.spectra != nil {
			p.spectra[i+1].Append(data)
		}
	}

	return &types.SegmentComplex64{
		SegmentNumber: input.SegmentNumber,
		Data:          append([]complex64(nil), data...),
	}, nil
}
