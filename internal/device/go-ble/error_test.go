package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/sensorstream/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "darwin powered off", err: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), target: device.ErrBluetoothOff},
		{name: "bluetooth off", err: errors.New("Bluetooth is turned off"), target: device.ErrBluetoothOff},
		{name: "not connected", err: errors.New("device not connected"), target: device.ErrNotConnected},
		{name: "disconnected", err: errors.New("peripheral disconnected"), target: device.ErrNotConnected},
		{name: "already connected", err: errors.New("device already connected"), target: device.ErrAlreadyConnected},
		{name: "timeout", err: errors.New("write timed out"), target: device.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.target)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be preserved")
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})

	t.Run("context errors pass through", func(t *testing.T) {
		err := fmt.Errorf("dial: %w", context.Canceled)
		assert.Same(t, err, NormalizeError(err))
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		err := errors.New("att: insufficient authentication")
		assert.Same(t, err, NormalizeError(err))
	})
}
