package testutils

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/srg/sensorstream/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockAdvertisement is a testify mock of device.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string { return m.Called().String(0) }
func (m *MockAdvertisement) Addr() string      { return m.Called().String(0) }
func (m *MockAdvertisement) RSSI() int         { return m.Called().Int(0) }

func (m *MockAdvertisement) HasService(uuid string) bool {
	args := m.Called(uuid)
	if fn, ok := args.Get(0).(func(string) bool); ok {
		return fn(uuid)
	}
	return args.Bool(0)
}

// AdvertisementBuilder builds mocked BLE advertisements for testing.
type AdvertisementBuilder struct {
	name     string
	address  string
	rssi     int
	services []string
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with default values.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{rssi: -50}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Name     *string  `json:"name"`
		Address  *string  `json:"address"`
		RSSI     *int     `json:"rssi"`
		Services []string `json:"services"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal: %v", err))
	}

	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	b.services = append(b.services, data.Services...)
	return b
}

// Build creates a MockAdvertisement. Every accessor may be called any number of times.
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}
	services := slices.Clone(b.services)

	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("Addr").Return(b.address).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("HasService", mock.Anything).Return(func(uuid string) bool {
		return slices.ContainsFunc(services, func(s string) bool { return device.SameUUID(s, uuid) })
	}).Maybe()
	return adv
}

// Identity is the device.Identity the scanner derives from the built advertisement.
func (b *AdvertisementBuilder) Identity() device.Identity {
	return device.Identity{Address: b.address, Name: b.name, RSSI: b.rssi}
}
