package output

import (
	"bufio"
	"context"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrsource/pkg/dsp/iq"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	sampleBufferLength = 8
	recordBufferSize   = 1 << 20
)

// FileRecorder writes every segment it receives to a file as cf32 samples,
// the format the file source plays back with format=cf32.
type FileRecorder struct {
	path       string
	outputFile *os.File
	recvChan   chan *types.SegmentComplex64
	metrics    api.WriteAPI
	logger     zerolog.Logger
	scratch    []byte
	written    int64
}

func NewFileRecorder(path string, metrics api.WriteAPI, logger zerolog.Logger) (*FileRecorder, error) {
	outFile, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileRecorder{
		path:       path,
		outputFile: outFile,
		recvChan:   make(chan *types.SegmentComplex64, sampleBufferLength),
		metrics:    metrics,
		logger:     logger.With().Str("sink", "recorder").Str("file", path).Logger(),
	}, nil
}

func (r *FileRecorder) Receive() chan<- *types.SegmentComplex64 {
	return r.recvChan
}

// Start writes segments until ctx is done, then flushes what is queued and
// closes the file.
func (r *FileRecorder) Start(ctx context.Context) error {
	w := bufio.NewWriterSize(r.outputFile, recordBufferSize)
	defer r.outputFile.Close()

	r.logger.Info().Msg("recording")
	for {
		select {
		case <-ctx.Done():
			if err := r.drain(w); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			r.logger.Info().Int64("bytes", r.written).Msg("recording closed")
			return ctx.Err()

		case seg := <-r.recvChan:
			if err := r.write(w, seg); err != nil {
				return err
			}
		}
	}
}

func (r *FileRecorder) drain(w *bufio.Writer) error {
	for {
		select {
		case seg := <-r.recvChan:
			if err := r.write(w, seg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *FileRecorder) write(w *bufio.Writer, seg *types.SegmentComplex64) error {
	r.scratch = iq.AppendCF32(r.scratch[:0], seg.Data)
	n, err := w.Write(r.scratch)
	r.written += int64(n)
	if err != nil {
		return err
	}
	go r.metrics.WritePoint(influxdb2.NewPoint("recorder.wrote_segment",
		map[string]string{"file": r.path},
		map[string]interface{}{
			"bytes_written":  n,
			"segment_number": seg.SegmentNumber,
		}, time.Now()))
	return nil
}
