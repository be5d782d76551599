package testutils

import (
	"context"

	"github.com/srg/sensorstream/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockScanningDevice is a testify mock of device.ScanningDevice.
type MockScanningDevice struct {
	mock.Mock
}

func (m *MockScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	return m.Called(ctx, allowDup, handler).Error(0)
}

// NewReplayingScanningDevice returns a scanning device that reports during
// before its context ends and late after it, the way a radio keeps delivering
// queued reports after the scan was asked to stop.
func NewReplayingScanningDevice(during []device.Advertisement, late ...device.Advertisement) *MockScanningDevice {
	m := &MockScanningDevice{}
	m.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			handler := args.Get(2).(func(device.Advertisement))
			for _, adv := range during {
				handler(adv)
			}
			<-ctx.Done()
			for _, adv := range late {
				handler(adv)
			}
		}).
		Return(nil)
	return m
}
