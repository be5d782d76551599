package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/sensorstream/internal/device"
)

// NormalizeError maps known go-ble error strings to the structured device errors.
// The original error is kept in the message; context errors pass through untouched.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "timeout"), device.ContainsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}
