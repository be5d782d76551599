// Package catalog holds the static definitions of the peripheral control
// protocol: request templates, the stream configuration allow-list, and the
// structural layout of response and telemetry frames.
//
// Request frame:
//
//	[commandClass 1B][opcode 1B][requestId 1B][TLV...]
//	TLV = [paramTag 1B][length 2B LE][value lengthB]
//
// Response frame:
//
//	[0x02][requestId][status][payload...]
//
// Telemetry frame:
//
//	[0x02][streamId][timestamp int32 LE][N x float32 LE]
package catalog

import "errors"

// Frame class and correlation constants.
const (
	RequestClass   byte = 0x01
	ResponseClass  byte = 0x02
	TelemetryClass byte = 0x02

	OpStartStream byte = 0x02

	// RequestID correlates a start-stream request with its response.
	RequestID byte = 99
	// StreamID tags every telemetry frame of the negotiated stream.
	StreamID byte = 99
)

// Parameter tags of the request TLV block.
const (
	ParamSampleRate byte = 0x00
	ParamResolution byte = 0x01
	ParamRange      byte = 0x02
	ParamChannels   byte = 0x04
	ParamStreamType byte = 0x10
)

// ErrUnsupportedConfiguration is returned for stream configurations outside the allow-list.
var ErrUnsupportedConfiguration = errors.New("unsupported stream configuration")

// ErrMalformedRequest is returned by ParseControlFrame for bytes that are not a request frame.
var ErrMalformedRequest = errors.New("malformed control request")

// Profile names the GATT service and characteristics the session drives.
type Profile struct {
	Service string `yaml:"service"`
	Control string `yaml:"control"`
	Data    string `yaml:"data"`
}

// DefaultProfile is the measurement service exposed by the supported sensors.
var DefaultProfile = Profile{
	Service: "fb005c80-02e7-f387-1cad-8acd2d8df0c8",
	Control: "fb005c81-02e7-f387-1cad-8acd2d8df0c8",
	Data:    "fb005c82-02e7-f387-1cad-8acd2d8df0c8",
}

// ResponseLayout describes the expected shape of a control response.
type ResponseLayout struct {
	FrameType byte
	// MinLength covers class, request id and status.
	MinLength int
	// PayloadFollows reports whether bytes past MinLength carry a payload.
	PayloadFollows bool
}

var responseLayouts = map[byte]ResponseLayout{
	ResponseClass: {FrameType: ResponseClass, MinLength: 3, PayloadFollows: true},
}

// LookupResponseLayout returns the layout registered for a response frame type.
func LookupResponseLayout(frameType byte) (ResponseLayout, bool) {
	l, ok := responseLayouts[frameType]
	return l, ok
}

// TelemetryLayout describes the fixed header and per-channel width of telemetry frames.
type TelemetryLayout struct {
	FrameType       byte
	StreamID        byte
	TimestampOffset int
	ValuesOffset    int
	ValueWidth      int
}

// Telemetry is the layout of every telemetry frame.
var Telemetry = TelemetryLayout{
	FrameType:       TelemetryClass,
	StreamID:        StreamID,
	TimestampOffset: 2,
	ValuesOffset:    6,
	ValueWidth:      4,
}

// MinLength returns the smallest valid frame length carrying n channel values.
func (l TelemetryLayout) MinLength(n int) int {
	return l.ValuesOffset + n*l.ValueWidth
}
