package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while samples were streaming.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoSensorFound is returned when a scan ends without a matching peripheral.
	ErrNoSensorFound = errors.New("no matching sensor found")
)

// FormatUserError turns an error chain into a message with a hint on what to do next.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	var rejected *session.RejectedError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off or unavailable; enable the adapter and retry"
	case errors.As(err, &rejected):
		return fmt.Sprintf("sensor rejected the stream configuration (status %d); run 'sensorstream configs' to see supported combinations", rejected.Status)
	case errors.As(err, &notFound), errors.Is(err, session.ErrServiceNotFound):
		return fmt.Sprintf("device is not a supported sensor: %v", err)
	case errors.Is(err, catalog.ErrUnsupportedConfiguration):
		return fmt.Sprintf("%v; run 'sensorstream configs' to see supported combinations", err)
	case errors.Is(err, ErrNoSensorFound):
		return "no matching sensor found; check it is powered on and advertising, or widen --name"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("timed out: %v", err)
	default:
		return err.Error()
	}
}
