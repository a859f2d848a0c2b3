package vita

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const pollInterval = 250 * time.Millisecond

var reportInterval = 5 * time.Second

// errDuplicate marks a packet repeating the previous packet count.
var errDuplicate = errors.New("vita: duplicate packet")

// Config describes the packet layout the radio firmware emits. A mismatch
// silently corrupts the sample stream, so the values must match the radio.
type Config struct {
	Address          string
	Port             int
	HeaderOffset     int
	SamplesPerPacket int
	BytesPerPacket   int
	SwapBytes        bool
	SwapIQ           bool
}

// NDRConfig is the layout of CyberRadio NDR wideband DDC streams.
func NDRConfig() Config {
	return Config{
		Address:          "0.0.0.0",
		Port:             4991,
		HeaderOffset:     HeaderSize,
		SamplesPerPacket: 2048,
		BytesPerPacket:   8224,
		SwapBytes:        true,
		SwapIQ:           false,
	}
}

func (c Config) Validate() error {
	if c.SamplesPerPacket <= 0 {
		return fmt.Errorf("%w: samples per packet %d", source.ErrInvalidArgument, c.SamplesPerPacket)
	}
	if c.HeaderOffset < 0 || c.HeaderOffset+c.SamplesPerPacket*4 > c.BytesPerPacket {
		return fmt.Errorf("%w: %d samples at offset %d do not fit %d byte packets",
			source.ErrInvalidArgument, c.SamplesPerPacket, c.HeaderOffset, c.BytesPerPacket)
	}
	return nil
}

type Stats struct {
	Packets    uint64
	Dropped    uint64
	Duplicates uint64
	Lost       uint64
	Segments   uint64
	LastError  string
}

// Receiver listens for VITA-49 IF data packets on UDP and emits one segment
// per packet. The socket is bound at construction and released by Close.
type Receiver struct {
	// accessed atomically, kept first for 64-bit alignment
	packets    uint64
	dropped    uint64
	duplicates uint64
	lost       uint64
	segments   uint64

	cfg     Config
	conn    *net.UDPConn
	logger  zerolog.Logger
	metrics api.WriteAPI

	mu         sync.Mutex
	closed     bool
	lastCount  int
	haveCount  bool
	segmentNum int
	lastErr    string
}

func NewReceiver(cfg Config, opts ...source.Option) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := source.NewOptions(opts...)

	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Address), Port: cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("vita: listen %s: %w", addr, err)
	}

	return &Receiver{
		cfg:     cfg,
		conn:    conn,
		logger:  o.Logger.With().Str("component", "vita_rx").Logger(),
		metrics: o.Metrics,
	}, nil
}

func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *Receiver) Config() Config {
	return r.cfg
}

func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	lastErr := r.lastErr
	r.mu.Unlock()
	return Stats{
		Packets:    atomic.LoadUint64(&r.packets),
		Dropped:    atomic.LoadUint64(&r.dropped),
		Duplicates: atomic.LoadUint64(&r.duplicates),
		Lost:       atomic.LoadUint64(&r.lost),
		Segments:   atomic.LoadUint64(&r.segments),
		LastError:  lastErr,
	}
}

func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Start reads packets until ctx is done or the receiver is closed. It may be
// called again after it returns.
func (r *Receiver) Start(ctx context.Context, out chan<- *types.SegmentComplex64) error {
	if r.isClosed() {
		return source.ErrClosed
	}

	buf := make([]byte, r.cfg.BytesPerPacket+1)
	lastReport := time.Now()

	r.logger.Info().
		Str("listen", r.LocalAddr().String()).
		Int("samples_per_packet", r.cfg.SamplesPerPacket).
		Int("bytes_per_packet", r.cfg.BytesPerPacket).
		Msg("receiving")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// reported on every pass so a stream that only drops still warns
		if time.Since(lastReport) > reportInterval {
			r.report()
			lastReport = time.Now()
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			if r.isClosed() {
				return source.ErrClosed
			}
			return err
		}

		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if r.isClosed() {
				return source.ErrClosed
			}
			return fmt.Errorf("vita: read: %w", err)
		}

		seg, err := r.decode(buf[:n])
		if errors.Is(err, errDuplicate) {
			atomic.AddUint64(&r.duplicates, 1)
			continue
		}
		if err != nil {
			atomic.AddUint64(&r.dropped, 1)
			r.mu.Lock()
			r.lastErr = err.Error()
			r.mu.Unlock()
			r.logger.Debug().Err(err).Int("bytes", n).Msg("dropping packet")
			continue
		}

		atomic.AddUint64(&r.segments, 1)
		if err := source.Emit(ctx, out, seg); err != nil {
			return err
		}
	}
}

func (r *Receiver) decode(pkt []byte) (*types.SegmentComplex64, error) {
	atomic.AddUint64(&r.packets, 1)

	hdr, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}

	samples := make([]complex64, r.cfg.SamplesPerPacket)
	if err := DecodeSamples(pkt, r.cfg, samples); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.haveCount {
		// the count is 4 bits; a repeated count is a resend, not 15 losses
		step := (hdr.PacketCount() - r.lastCount + 16) % 16
		if step == 0 {
			r.mu.Unlock()
			return nil, errDuplicate
		}
		if step > 1 {
			atomic.AddUint64(&r.lost, uint64(step-1))
		}
	}
	r.lastCount = hdr.PacketCount()
	r.haveCount = true
	r.segmentNum++
	segNum := r.segmentNum
	r.mu.Unlock()

	return &types.SegmentComplex64{
		SegmentNumber: segNum,
		Data:          samples,
	}, nil
}

func (r *Receiver) report() {
	stats := r.Stats()
	r.metrics.WritePoint(influxdb2.NewPoint("vita.receiver",
		map[string]string{
			"listen": r.LocalAddr().String(),
		},
		map[string]interface{}{
			"packets":    stats.Packets,
			"dropped":    stats.Dropped,
			"duplicates": stats.Duplicates,
			"lost":       stats.Lost,
			"segments":   stats.Segments,
		}, time.Now()))
	if stats.Dropped > 0 || stats.Lost > 0 || stats.Duplicates > 0 {
		r.logger.Warn().
			Uint64("dropped", stats.Dropped).
			Uint64("duplicates", stats.Duplicates).
			Uint64("lost", stats.Lost).
			Str("last_error", stats.LastError).
			Msg("stream degraded")
	}
}
