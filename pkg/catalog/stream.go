package catalog

import (
	"fmt"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StreamConfig selects which sensor to stream and how.
type StreamConfig struct {
	Channel string `yaml:"channel" json:"channel"`
	Rate    uint16 `yaml:"rate" json:"rate"`
	Range   uint16 `yaml:"range" json:"range"`
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("%s@%dHz/range=%d", c.Channel, c.Rate, c.Range)
}

// ChannelSpec is one entry of the allow-list: the combinations a sensor accepts.
type ChannelSpec struct {
	Name       string
	Code       byte
	Rates      []uint16
	Ranges     []uint16
	Resolution uint16
	Axes       uint8
	Unit       string
}

// DefaultStream is the accelerometer stream the sensors are normally asked for.
var DefaultStream = StreamConfig{Channel: "acc", Rate: 52, Range: 8}

var channels = func() *orderedmap.OrderedMap[string, ChannelSpec] {
	m := orderedmap.New[string, ChannelSpec]()
	m.Set("acc", ChannelSpec{
		Name: "acc", Code: 0x02,
		Rates: []uint16{25, 50, 52, 100, 200}, Ranges: []uint16{2, 4, 8},
		Resolution: 16, Axes: 3, Unit: "G",
	})
	m.Set("gyro", ChannelSpec{
		Name: "gyro", Code: 0x05,
		Rates: []uint16{52, 104, 208}, Ranges: []uint16{250, 500, 1000, 2000},
		Resolution: 16, Axes: 3, Unit: "dps",
	})
	m.Set("mag", ChannelSpec{
		Name: "mag", Code: 0x06,
		Rates: []uint16{10, 20, 50, 100}, Ranges: []uint16{50},
		Resolution: 16, Axes: 3, Unit: "gauss",
	})
	return m
}()

// Channels returns the allow-list in catalog order.
func Channels() []ChannelSpec {
	out := make([]ChannelSpec, 0, channels.Len())
	for pair := channels.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// LookupChannel returns the allow-list entry for a channel name.
func LookupChannel(name string) (ChannelSpec, bool) {
	return channels.Get(name)
}

// Validate checks cfg against the allow-list and returns the matching channel.
func Validate(cfg StreamConfig) (ChannelSpec, error) {
	spec, ok := channels.Get(cfg.Channel)
	if !ok {
		return ChannelSpec{}, fmt.Errorf("%w: unknown channel %q", ErrUnsupportedConfiguration, cfg.Channel)
	}
	if !slices.Contains(spec.Rates, cfg.Rate) {
		return ChannelSpec{}, fmt.Errorf("%w: %s does not support rate %d Hz (allowed %v)", ErrUnsupportedConfiguration, cfg.Channel, cfg.Rate, spec.Rates)
	}
	if !slices.Contains(spec.Ranges, cfg.Range) {
		return ChannelSpec{}, fmt.Errorf("%w: %s does not support range %d (allowed %v)", ErrUnsupportedConfiguration, cfg.Channel, cfg.Range, spec.Ranges)
	}
	return spec, nil
}

// ChannelCount returns how many float values each telemetry frame of cfg carries.
func ChannelCount(cfg StreamConfig) (int, error) {
	spec, err := Validate(cfg)
	if err != nil {
		return 0, err
	}
	return int(spec.Axes), nil
}

// BuildStartStreamCommand builds the request that starts streaming cfg.
func BuildStartStreamCommand(cfg StreamConfig) (ControlFrame, error) {
	spec, err := Validate(cfg)
	if err != nil {
		return ControlFrame{}, err
	}

	return NewControlFrame(OpStartStream, RequestID,
		Uint8Param(ParamStreamType, spec.Code),
		Uint16Param(ParamSampleRate, cfg.Rate),
		Uint16Param(ParamResolution, spec.Resolution),
		Uint16Param(ParamRange, cfg.Range),
		Uint8Param(ParamChannels, spec.Axes),
	), nil
}
