package source

import (
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrsource/pkg/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultSegmentSize = 16384

type Options struct {
	Logger      zerolog.Logger
	Metrics     api.WriteAPI
	SegmentSize int
}

type Option func(o *Options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(writeAPI api.WriteAPI) Option {
	return func(o *Options) {
		o.Metrics = writeAPI
	}
}

// WithSegmentSize sets the number of samples per emitted segment for
// sources that choose their own buffer sizes.
func WithSegmentSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SegmentSize = n
		}
	}
}

func NewOptions(opts ...Option) Options {
	o := Options{
		Logger:      log.Logger,
		Metrics:     &util.MockWriteAPI{},
		SegmentSize: DefaultSegmentSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
