// Package iq converts raw interleaved IQ sample formats to complex64.
package iq

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/norasector/turbine-common/types"
)

type Format int

const (
	CS8 Format = iota
	CU8
	CF32
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "cs8":
		return CS8, nil
	case "cu8":
		return CU8, nil
	case "cf32", "fc32":
		return CF32, nil
	}
	return CS8, fmt.Errorf("unknown sample format %q", s)
}

func (f Format) String() string {
	switch f {
	case CU8:
		return "cu8"
	case CF32:
		return "cf32"
	}
	return "cs8"
}

// BytesPerSample is the size of one complex sample.
func (f Format) BytesPerSample() int {
	if f == CF32 {
		return 8
	}
	return 2
}

// Convert decodes buf, dropping a trailing partial sample.
func (f Format) Convert(buf []byte) []complex64 {
	switch f {
	case CU8:
		return ConvertCU8(buf)
	case CF32:
		return ConvertCF32(buf)
	}
	return ConvertCS8(buf)
}

// ConvertCS8 decodes signed 8-bit IQ the way HackRF delivers it.
func ConvertCS8(buf []byte) []complex64 {
	n := len(buf) &^ 1
	raw := types.SegmentCS8Raw{Data: buf[:n]}
	return raw.ToComplex64().Data
}

// ConvertCU8 maps unsigned 8-bit IQ (RTL2832U) onto [-1, 1].
func ConvertCU8(buf []byte) []complex64 {
	out := make([]complex64, len(buf)/2)
	for i := range out {
		out[i] = complex(
			(float32(buf[2*i])-127.5)/127.5,
			(float32(buf[2*i+1])-127.5)/127.5,
		)
	}
	return out
}

// ConvertCF32 decodes little-endian float32 pairs.
func ConvertCF32(buf []byte) []complex64 {
	out := make([]complex64, len(buf)/8)
	for i := range out {
		re := math.Float32frombits(binary.LittleEndian.Uint32(buf[8*i:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(buf[8*i+4:]))
		out[i] = complex(re, im)
	}
	return out
}

// AppendCF32 encodes samples as little-endian float32 pairs.
func AppendCF32(dst []byte, samples []complex64) []byte {
	var b [8]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(b[0:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(b[4:], math.Float32bits(imag(s)))
		dst = append(dst, b[:]...)
	}
	return dst
}
