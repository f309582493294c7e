// Package mlx parses response frames from the MLX90363 magnetic position
// sensor. The firmware relays the raw 8-byte frames inside Manual-state
// reports; this package checks the trailing CRC and extracts the fields
// selected by the frame marker.
package mlx

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameLength is the size of one sensor frame including its CRC byte.
const FrameLength = 8

// Marker selects the frame payload, from the top two bits of byte 6.
type Marker byte

const (
	MarkerAlpha     Marker = 0
	MarkerAlphaBeta Marker = 1
	MarkerXYZ       Marker = 2
	MarkerOpcode    Marker = 3
)

func (m Marker) String() string {
	switch m {
	case MarkerAlpha:
		return "alpha"
	case MarkerAlphaBeta:
		return "alpha/beta"
	case MarkerXYZ:
		return "xyz"
	case MarkerOpcode:
		return "opcode"
	}
	return "unknown"
}

// Opcodes seen in MarkerOpcode frames.
const (
	OpcodeErrorFrame        uint8 = 0x3D
	OpcodeNothingToTransmit uint8 = 0x3E
	OpcodeReadyMessage      uint8 = 0x2D
)

var (
	ErrFrameLength = errors.New("mlx: frame must be 8 bytes")
	ErrCRC         = errors.New("mlx: crc mismatch")
)

// Response is one parsed sensor frame. Angle fields are 14-bit; only the
// fields selected by Marker are meaningful.
type Response struct {
	Marker  Marker `json:"marker"`
	Counter uint8  `json:"counter"` // 6-bit rolling counter

	Alpha     uint16 `json:"alpha,omitempty"`
	Beta      uint16 `json:"beta,omitempty"`
	ErrorBits uint8  `json:"errorBits,omitempty"` // top two bits of byte 1
	VG        uint8  `json:"vg,omitempty"`        // virtual gain

	X int16 `json:"x,omitempty"` // sign-extended 14-bit field components
	Y int16 `json:"y,omitempty"`
	Z int16 `json:"z,omitempty"`

	Opcode uint8 `json:"opcode,omitempty"`
}

// crcTable is the CRC-8 table for polynomial 0x2F.
var crcTable [256]byte

func init() {
	for i := range crcTable {
		c := byte(i)
		for b := 0; b < 8; b++ {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x2F
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c
	}
}

// CRC computes the frame checksum over the first seven bytes, as the
// sensor writes it into byte 7: init 0xFF, table lookups, final invert.
func CRC(data []byte) byte {
	c := byte(0xFF)
	for _, d := range data[:7] {
		c = crcTable[d^c]
	}
	return ^c
}

// Parse validates and decodes one frame.
func Parse(frame []byte) (*Response, error) {
	if len(frame) != FrameLength {
		return nil, fmt.Errorf("%w, got %d", ErrFrameLength, len(frame))
	}
	if got := CRC(frame); got != frame[7] {
		return nil, fmt.Errorf("%w: computed %#02x, frame has %#02x", ErrCRC, got, frame[7])
	}

	r := &Response{
		Marker:  Marker(frame[6] >> 6),
		Counter: frame[6] & 0x3F,
	}

	switch r.Marker {
	case MarkerAlpha:
		r.Alpha = binary.LittleEndian.Uint16(frame[0:2]) & 0x3FFF
		r.ErrorBits = frame[1] >> 6
		r.VG = frame[4]

	case MarkerAlphaBeta:
		r.Alpha = binary.LittleEndian.Uint16(frame[0:2]) & 0x3FFF
		r.Beta = binary.LittleEndian.Uint16(frame[2:4]) & 0x3FFF
		r.ErrorBits = frame[1] >> 6
		r.VG = frame[4]

	case MarkerXYZ:
		r.X = signExtend14(binary.LittleEndian.Uint16(frame[0:2]))
		r.Y = signExtend14(binary.LittleEndian.Uint16(frame[2:4]))
		r.Z = signExtend14(binary.LittleEndian.Uint16(frame[4:6]))

	case MarkerOpcode:
		r.Opcode = frame[0]
	}

	return r, nil
}

func signExtend14(v uint16) int16 {
	return int16(v<<2) >> 2
}
