package vita

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerPacketTypeMask  uint32 = 0xF0000000
	headerClassIDMask     uint32 = 0x08000000
	headerTrailerMask     uint32 = 0x04000000
	headerTSIMask         uint32 = 0x00C00000
	headerTSFMask         uint32 = 0x00300000
	headerPacketCountMask uint32 = 0x000F0000
	headerPacketSizeMask  uint32 = 0x0000FFFF

	PacketTypeIFData             uint32 = 0x00000000
	PacketTypeIFDataWithStreamID uint32 = 0x10000000
	PacketTypeContext            uint32 = 0x40000000

	// Full IF data header: header word, stream id, two class id words,
	// integer timestamp and two fractional timestamp words.
	HeaderSize = 7 * 4
)

var (
	ErrShortPacket = errors.New("vita: short packet")
	ErrPacketSize  = errors.New("vita: unexpected packet size")
	ErrNotIFData   = errors.New("vita: not an IF data packet")
)

type Header struct {
	Word           uint32
	StreamID       uint32
	ClassIDH       uint32
	ClassIDL       uint32
	TimestampInt   uint32
	TimestampFracH uint32
	TimestampFracL uint32
}

func (h Header) PacketType() uint32 {
	return h.Word & headerPacketTypeMask
}

func (h Header) PacketCount() int {
	return int((h.Word & headerPacketCountMask) >> 16)
}

// PacketWords is the packet size in 32-bit words as declared by the sender.
func (h Header) PacketWords() int {
	return int(h.Word & headerPacketSizeMask)
}

func (h Header) HasTrailer() bool {
	return h.Word&headerTrailerMask != 0
}

func (h Header) HasClassID() bool {
	return h.Word&headerClassIDMask != 0
}

func ParseHeader(pkt []byte) (Header, error) {
	var h Header
	if len(pkt) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(pkt))
	}
	h.Word = binary.BigEndian.Uint32(pkt[0:])
	h.StreamID = binary.BigEndian.Uint32(pkt[4:])
	h.ClassIDH = binary.BigEndian.Uint32(pkt[8:])
	h.ClassIDL = binary.BigEndian.Uint32(pkt[12:])
	h.TimestampInt = binary.BigEndian.Uint32(pkt[16:])
	h.TimestampFracH = binary.BigEndian.Uint32(pkt[20:])
	h.TimestampFracL = binary.BigEndian.Uint32(pkt[24:])

	switch h.PacketType() {
	case PacketTypeIFData, PacketTypeIFDataWithStreamID:
	default:
		return h, fmt.Errorf("%w: type 0x%08x", ErrNotIFData, h.PacketType())
	}
	return h, nil
}

func (h Header) Marshal(dst []byte) {
	binary.BigEndian.PutUint32(dst[0:], h.Word)
	binary.BigEndian.PutUint32(dst[4:], h.StreamID)
	binary.BigEndian.PutUint32(dst[8:], h.ClassIDH)
	binary.BigEndian.PutUint32(dst[12:], h.ClassIDL)
	binary.BigEndian.PutUint32(dst[16:], h.TimestampInt)
	binary.BigEndian.PutUint32(dst[20:], h.TimestampFracH)
	binary.BigEndian.PutUint32(dst[24:], h.TimestampFracL)
}

const sampleScale = 1.0 / 32768.0

// DecodeSamples converts the 16-bit IQ payload of pkt into dst, which must
// hold cfg.SamplesPerPacket samples.
func DecodeSamples(pkt []byte, cfg Config, dst []complex64) error {
	if len(pkt) != cfg.BytesPerPacket {
		return fmt.Errorf("%w: got %d want %d", ErrPacketSize, len(pkt), cfg.BytesPerPacket)
	}
	end := cfg.HeaderOffset + cfg.SamplesPerPacket*4
	if end > len(pkt) || len(dst) < cfg.SamplesPerPacket {
		return fmt.Errorf("%w: payload of %d samples at offset %d exceeds packet", ErrShortPacket, cfg.SamplesPerPacket, cfg.HeaderOffset)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if cfg.SwapBytes {
		order = binary.BigEndian
	}

	payload := pkt[cfg.HeaderOffset:end]
	for i := 0; i < cfg.SamplesPerPacket; i++ {
		a := float32(int16(order.Uint16(payload[i*4:]))) * sampleScale
		b := float32(int16(order.Uint16(payload[i*4+2:]))) * sampleScale
		if cfg.SwapIQ {
			a, b = b, a
		}
		dst[i] = complex(a, b)
	}
	return nil
}
