package output

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrsource/pkg/dsp/iq"
	"github.com/norasector/sdrsource/pkg/sdrsource/config"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

const (
	Magic      = "SDRS"
	HeaderSize = 16

	// 1024 cf32 samples keep a datagram under 8.5 KiB
	DefaultMaxDatagramSamples = 1024
)

// Header precedes the cf32 payload of every datagram. A segment larger than
// one datagram is split; Offset is the index of the first payload sample
// within the segment and Total the segment's sample count.
type Header struct {
	Segment uint32
	Total   uint32
	Offset  uint32
}

func (h Header) Append(dst []byte) []byte {
	var b [HeaderSize]byte
	copy(b[:], Magic)
	binary.LittleEndian.PutUint32(b[4:], h.Segment)
	binary.LittleEndian.PutUint32(b[8:], h.Total)
	binary.LittleEndian.PutUint32(b[12:], h.Offset)
	return append(dst, b[:]...)
}

var ErrMalformed = errors.New("malformed datagram")

// ParseDatagram splits a datagram into its header and samples.
func ParseDatagram(b []byte) (Header, []complex64, error) {
	var h Header
	if len(b) < HeaderSize || string(b[:4]) != Magic {
		return h, nil, ErrMalformed
	}
	payload := b[HeaderSize:]
	if len(payload)%8 != 0 {
		return h, nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformed, len(payload))
	}
	h.Segment = binary.LittleEndian.Uint32(b[4:])
	h.Total = binary.LittleEndian.Uint32(b[8:])
	h.Offset = binary.LittleEndian.Uint32(b[12:])
	return h, iq.ConvertCF32(payload), nil
}

// EncodeSegment splits seg into datagrams of at most maxSamples samples.
func EncodeSegment(seg *types.SegmentComplex64, maxSamples int) [][]byte {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxDatagramSamples
	}
	total := len(seg.Data)
	out := make([][]byte, 0, total/maxSamples+1)
	off := 0
	for {
		end := off + maxSamples
		if end > total {
			end = total
		}
		h := Header{Segment: uint32(seg.SegmentNumber), Total: uint32(total), Offset: uint32(off)}
		buf := h.Append(make([]byte, 0, HeaderSize+8*(end-off)))
		out = append(out, iq.AppendCF32(buf, seg.Data[off:end]))
		off = end
		if off >= total {
			return out
		}
	}
}

// UDPStream sends segments to one or more UDP destinations.
type UDPStream struct {
	dests      []config.OutputDestination
	recvChan   chan *types.SegmentComplex64
	metrics    api.WriteAPI
	logger     zerolog.Logger
	maxSamples int
}

func NewUDPStream(dests []config.OutputDestination, metrics api.WriteAPI, logger zerolog.Logger) *UDPStream {
	return &UDPStream{
		dests:      dests,
		recvChan:   make(chan *types.SegmentComplex64, sampleBufferLength),
		metrics:    metrics,
		logger:     logger.With().Str("sink", "udp").Logger(),
		maxSamples: DefaultMaxDatagramSamples,
	}
}

func (s *UDPStream) Receive() chan<- *types.SegmentComplex64 {
	return s.recvChan
}

func (s *UDPStream) Start(ctx context.Context) error {
	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			return fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		s.logger.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("stream output starting")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			// segments already handed over still go out
			for {
				select {
				case seg := <-s.recvChan:
					s.send(conn, destAddrs, seg)
				default:
					return ctx.Err()
				}
			}
		case seg := <-s.recvChan:
			s.send(conn, destAddrs, seg)
		}
	}
}

func (s *UDPStream) send(conn *net.UDPConn, destAddrs []*net.UDPAddr, seg *types.SegmentComplex64) {
	datagrams := EncodeSegment(seg, s.maxSamples)
	bytesWritten, dropped := 0, 0
	for _, destAddr := range destAddrs {
		for _, d := range datagrams {
			n, err := conn.WriteToUDP(d, destAddr)
			if err != nil {
				s.logger.Error().Err(err).Str("dest", destAddr.String()).Msg("error writing")
				dropped++
				continue
			}
			bytesWritten += n
		}
	}

	go s.metrics.WritePoint(influxdb2.NewPoint("udp.sent_segment",
		map[string]string{"destinations": strconv.Itoa(len(destAddrs))},
		map[string]interface{}{
			"bytes_written":  bytesWritten,
			"datagrams":      len(datagrams),
			"dropped":        dropped,
			"segment_number": seg.SegmentNumber,
		}, time.Now()))
}
