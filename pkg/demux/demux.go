// Package demux routes inbound notification frames to control-response or
// telemetry handling and decodes them.
//
// Responses and telemetry share the leading 0x02 class byte, so the source
// characteristic is part of classification.
package demux

import (
	"errors"
	"fmt"

	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/pkg/codec"
)

// Source is the characteristic a frame arrived on.
type Source int

const (
	SourceControl Source = iota
	SourceData
)

func (s Source) String() string {
	switch s {
	case SourceControl:
		return "control"
	case SourceData:
		return "data"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Kind is the classification of an inbound frame.
type Kind int

const (
	Unknown Kind = iota
	ControlResponse
	Telemetry
)

func (k Kind) String() string {
	switch k {
	case ControlResponse:
		return "control-response"
	case Telemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedFrame marks frames that are too short or structurally wrong.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrForeignFrame marks well-formed frames that belong to another stream or request.
	ErrForeignFrame = errors.New("foreign frame")
)

// Classify decides how a frame should be handled based on its source and leading type byte.
func Classify(src Source, frame []byte) Kind {
	if len(frame) == 0 {
		return Unknown
	}
	switch src {
	case SourceControl:
		if _, ok := catalog.LookupResponseLayout(frame[0]); ok {
			return ControlResponse
		}
	case SourceData:
		if frame[0] == catalog.Telemetry.FrameType {
			return Telemetry
		}
	}
	return Unknown
}

// ResponseFrame is a decoded control response.
type ResponseFrame struct {
	FrameType byte
	RequestID byte
	Status    byte
	Payload   []byte
}

// OK reports whether the peripheral accepted the request.
func (r ResponseFrame) OK() bool {
	return r.Status == 0
}

// ParseResponse validates frame against its registered layout and decodes it.
func ParseResponse(frame []byte) (ResponseFrame, error) {
	if len(frame) == 0 {
		return ResponseFrame{}, fmt.Errorf("%w: empty response", ErrMalformedFrame)
	}
	layout, ok := catalog.LookupResponseLayout(frame[0])
	if !ok {
		return ResponseFrame{}, fmt.Errorf("%w: unregistered response type %#02x", ErrMalformedFrame, frame[0])
	}
	if len(frame) < layout.MinLength {
		return ResponseFrame{}, fmt.Errorf("%w: response has %d bytes, need %d", ErrMalformedFrame, len(frame), layout.MinLength)
	}

	r := ResponseFrame{FrameType: frame[0], RequestID: frame[1], Status: frame[2]}
	if layout.PayloadFollows && len(frame) > layout.MinLength {
		r.Payload = append([]byte(nil), frame[layout.MinLength:]...)
	}
	return r, nil
}

// TelemetrySample is one decoded measurement.
type TelemetrySample struct {
	// Timestamp is in device clock units.
	Timestamp int32     `json:"timestamp"`
	Values    []float32 `json:"values"`
}

// DecodeTelemetry decodes a telemetry frame carrying n channel values.
//
// n comes from the negotiated stream configuration; it cannot be recovered
// from the frame. Trailing bytes past the n values are ignored.
func DecodeTelemetry(frame []byte, n int) (TelemetrySample, error) {
	layout := catalog.Telemetry
	if n < 0 {
		return TelemetrySample{}, fmt.Errorf("%w: negative channel count %d", ErrMalformedFrame, n)
	}
	if len(frame) < layout.MinLength(n) {
		return TelemetrySample{}, fmt.Errorf("%w: telemetry has %d bytes, need %d for %d channels", ErrMalformedFrame, len(frame), layout.MinLength(n), n)
	}
	if frame[0] != layout.FrameType {
		return TelemetrySample{}, fmt.Errorf("%w: frame type %#02x", ErrMalformedFrame, frame[0])
	}
	if frame[1] != layout.StreamID {
		return TelemetrySample{}, fmt.Errorf("%w: stream id %d", ErrForeignFrame, frame[1])
	}

	ts, err := codec.ReadInt32(frame, layout.TimestampOffset, codec.WireOrder)
	if err != nil {
		return TelemetrySample{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	values := make([]float32, n)
	for i := range values {
		v, err := codec.ReadFloat32(frame, layout.ValuesOffset+i*layout.ValueWidth, codec.WireOrder)
		if err != nil {
			return TelemetrySample{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		values[i] = v
	}

	return TelemetrySample{Timestamp: ts, Values: values}, nil
}

// EncodeTelemetry builds a telemetry frame. It is the inverse of DecodeTelemetry.
func EncodeTelemetry(s TelemetrySample) []byte {
	values := []any{catalog.Telemetry.FrameType, catalog.Telemetry.StreamID, s.Timestamp}
	for _, v := range s.Values {
		values = append(values, v)
	}
	return codec.WriteBytes(values...)
}

// EncodeResponse builds a control response frame.
func EncodeResponse(requestID, status byte, payload ...byte) []byte {
	return codec.WriteBytes(catalog.ResponseClass, requestID, status, payload)
}
