package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/sensorstream/internal/device"
)

// bleScanner wraps ble.Device to implement device.ScanningDevice
type bleScanner struct {
	dev ble.Device
}

// Scan converts each ble.Advertisement to a device.Advertisement for handler.
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	return NormalizeError(s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}))
}

// NewScanner creates a device.ScanningDevice on the shared adapter.
func NewScanner() (device.ScanningDevice, error) {
	dev, err := sharedDevice()
	if err != nil {
		return nil, err
	}
	return &bleScanner{dev: dev}, nil
}
