package tinygo

import (
	"fmt"

	"github.com/srg/sensorstream/internal/device"
)

// NormalizeError maps BlueZ / CoreBluetooth error strings to the structured device errors.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotReady"),
		device.ContainsIgnoreCase(msg, "powered off"),
		device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotConnected"),
		device.ContainsIgnoreCase(msg, "not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.AlreadyConnected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "timeout"), device.ContainsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}
