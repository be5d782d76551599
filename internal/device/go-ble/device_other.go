//go:build !darwin && !linux

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/sensorstream/internal/device"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble has no HCI backend on this platform", device.ErrUnsupported)
}
