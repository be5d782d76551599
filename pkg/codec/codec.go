// Package codec converts fixed-width byte spans to integers and floats and back.
//
// The peripheral wire format is little-endian in both directions; WireOrder
// names that choice and WriteBytes always uses it. Readers take the byte order
// explicitly so callers decoding foreign captures can override it.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Endianness selects the byte order of a multi-byte field.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// WireOrder is the byte order used by every frame the peripheral sends or accepts.
const WireOrder = LittleEndian

// ErrOutOfRange is returned when a read would run past the end of the buffer.
var ErrOutOfRange = errors.New("offset out of range")

func (e Endianness) String() string {
	switch e {
	case LittleEndian:
		return "little-endian"
	case BigEndian:
		return "big-endian"
	default:
		return fmt.Sprintf("Endianness(%d)", int(e))
	}
}

// byteOrder reads and appends in one order; binary.LittleEndian and
// binary.BigEndian implement both halves.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (e Endianness) order() byteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func span(buf []byte, off, width int) ([]byte, error) {
	if off < 0 || off+width > len(buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, buffer has %d", ErrOutOfRange, width, off, len(buf))
	}
	return buf[off : off+width], nil
}

// ReadUint16 reads an unsigned 16-bit integer at off.
func ReadUint16(buf []byte, off int, e Endianness) (uint16, error) {
	b, err := span(buf, off, 2)
	if err != nil {
		return 0, err
	}
	return e.order().Uint16(b), nil
}

// ReadInt32 reads a signed 32-bit integer at off.
func ReadInt32(buf []byte, off int, e Endianness) (int32, error) {
	b, err := span(buf, off, 4)
	if err != nil {
		return 0, err
	}
	return int32(e.order().Uint32(b)), nil
}

// ReadFloat32 reinterprets the 4 bytes at off as an IEEE-754 single.
func ReadFloat32(buf []byte, off int, e Endianness) (float32, error) {
	b, err := span(buf, off, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(e.order().Uint32(b)), nil
}

// WriteBytes encodes values back to back in WireOrder.
//
// Supported value types are uint8, int8, uint16, int16, uint32, int32,
// float32 and []byte. Any other type is a programming error and panics.
func WriteBytes(values ...any) []byte {
	return WriteBytesOrder(WireOrder, values...)
}

// WriteBytesOrder is WriteBytes with an explicit byte order.
func WriteBytesOrder(e Endianness, values ...any) []byte {
	order := e.order()
	out := make([]byte, 0, encodedSize(values))
	for _, v := range values {
		switch x := v.(type) {
		case uint8:
			out = append(out, x)
		case int8:
			out = append(out, byte(x))
		case uint16:
			out = order.AppendUint16(out, x)
		case int16:
			out = order.AppendUint16(out, uint16(x))
		case uint32:
			out = order.AppendUint32(out, x)
		case int32:
			out = order.AppendUint32(out, uint32(x))
		case float32:
			out = order.AppendUint32(out, math.Float32bits(x))
		case []byte:
			out = append(out, x...)
		default:
			panic(fmt.Sprintf("codec: unsupported value type %T", v))
		}
	}
	return out
}

func encodedSize(values []any) int {
	n := 0
	for _, v := range values {
		switch x := v.(type) {
		case uint8, int8:
			n++
		case uint16, int16:
			n += 2
		case uint32, int32, float32:
			n += 4
		case []byte:
			n += len(x)
		}
	}
	return n
}

var (
	_ byteOrder = binary.LittleEndian
	_ byteOrder = binary.BigEndian
)
