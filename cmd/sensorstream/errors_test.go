package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/session"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "bluetooth off",
			err:  fmt.Errorf("scan: %w", device.ErrBluetoothOff),
			want: "Bluetooth is off",
		},
		{
			name: "rejected start request",
			err:  fmt.Errorf("start: %w", &session.RejectedError{RequestID: 2, Status: 5}),
			want: "sensor rejected the stream configuration (status 5)",
		},
		{
			name: "missing service",
			err:  fmt.Errorf("%w: fb005c80", session.ErrServiceNotFound),
			want: "device is not a supported sensor",
		},
		{
			name: "unsupported configuration",
			err:  fmt.Errorf("%w: acc does not support rate 51 Hz", catalog.ErrUnsupportedConfiguration),
			want: "run 'sensorstream configs'",
		},
		{name: "no sensor", err: ErrNoSensorFound, want: "widen --name"},
		{name: "deadline", err: fmt.Errorf("connect: %w", context.DeadlineExceeded), want: "timed out"},
		{name: "plain", err: errors.New("boom"), want: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}
