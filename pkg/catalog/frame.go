package catalog

import (
	"fmt"
	"strings"

	"github.com/srg/sensorstream/pkg/codec"
)

// Param is one TLV triple of a request parameter block.
type Param struct {
	Tag   byte
	Value []byte
}

// Uint8Param builds a one-byte parameter.
func Uint8Param(tag, v byte) Param {
	return Param{Tag: tag, Value: []byte{v}}
}

// Uint16Param builds a two-byte parameter in wire order.
func Uint16Param(tag byte, v uint16) Param {
	return Param{Tag: tag, Value: codec.WriteBytes(v)}
}

// ControlFrame is an immutable outbound control request.
type ControlFrame struct {
	opcode    byte
	requestID byte
	params    []Param
	raw       []byte
}

// NewControlFrame encodes a request frame.
func NewControlFrame(opcode, requestID byte, params ...Param) ControlFrame {
	values := []any{RequestClass, opcode, requestID}
	for _, p := range params {
		values = append(values, p.Tag, uint16(len(p.Value)), p.Value)
	}
	return ControlFrame{
		opcode:    opcode,
		requestID: requestID,
		params:    clone(params),
		raw:       codec.WriteBytes(values...),
	}
}

func clone(params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Tag: p.Tag, Value: append([]byte(nil), p.Value...)}
	}
	return out
}

func (f ControlFrame) Opcode() byte    { return f.opcode }
func (f ControlFrame) RequestID() byte { return f.requestID }

// Bytes returns a copy of the encoded frame.
func (f ControlFrame) Bytes() []byte {
	return append([]byte(nil), f.raw...)
}

// Params returns a copy of the parameter block.
func (f ControlFrame) Params() []Param {
	return clone(f.params)
}

// ParamValue returns the value of the first parameter with the given tag.
func (f ControlFrame) ParamValue(tag byte) ([]byte, bool) {
	for _, p := range f.params {
		if p.Tag == tag {
			return append([]byte(nil), p.Value...), true
		}
	}
	return nil, false
}

func (f ControlFrame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "op=%#02x id=%d", f.opcode, f.requestID)
	for _, p := range f.params {
		fmt.Fprintf(&sb, " %s=% x", paramName(p.Tag), p.Value)
	}
	return sb.String()
}

func paramName(tag byte) string {
	switch tag {
	case ParamSampleRate:
		return "rate"
	case ParamResolution:
		return "resolution"
	case ParamRange:
		return "range"
	case ParamChannels:
		return "channels"
	case ParamStreamType:
		return "type"
	default:
		return fmt.Sprintf("tag%#02x", tag)
	}
}

// ParseControlFrame decodes request bytes back into a ControlFrame.
func ParseControlFrame(b []byte) (ControlFrame, error) {
	if len(b) < 3 {
		return ControlFrame{}, fmt.Errorf("%w: %d bytes is shorter than the 3 byte header", ErrMalformedRequest, len(b))
	}
	if b[0] != RequestClass {
		return ControlFrame{}, fmt.Errorf("%w: command class %#02x", ErrMalformedRequest, b[0])
	}

	var params []Param
	for off := 3; off < len(b); {
		n, err := codec.ReadUint16(b, off+1, codec.WireOrder)
		if err != nil {
			return ControlFrame{}, fmt.Errorf("%w: truncated parameter header at offset %d", ErrMalformedRequest, off)
		}
		start := off + 3
		end := start + int(n)
		if end > len(b) {
			return ControlFrame{}, fmt.Errorf("%w: parameter %#02x wants %d bytes, %d left", ErrMalformedRequest, b[off], n, len(b)-start)
		}
		params = append(params, Param{Tag: b[off], Value: append([]byte(nil), b[start:end]...)})
		off = end
	}

	return ControlFrame{
		opcode:    b[1],
		requestID: b[2],
		params:    params,
		raw:       append([]byte(nil), b...),
	}, nil
}
