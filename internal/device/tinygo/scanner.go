package tinygo

import (
	"context"
	"strconv"

	"github.com/srg/sensorstream/internal/device"
	"tinygo.org/x/bluetooth"
)

type advertisement struct {
	result bluetooth.ScanResult
}

func (a advertisement) LocalName() string { return a.result.LocalName() }
func (a advertisement) Addr() string      { return a.result.Address.String() }
func (a advertisement) RSSI() int         { return int(a.result.RSSI) }

func (a advertisement) HasService(uuid string) bool {
	u, ok := toUUID(uuid)
	return ok && a.result.HasServiceUUID(u)
}

// toUUID converts any accepted UUID spelling to a bluetooth.UUID.
func toUUID(s string) (bluetooth.UUID, bool) {
	n := device.NormalizeUUID(s)
	switch len(n) {
	case 4:
		v, err := strconv.ParseUint(n, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, false
		}
		return bluetooth.New16BitUUID(uint16(v)), true
	case 8:
		v, err := strconv.ParseUint(n, 16, 32)
		if err != nil {
			return bluetooth.UUID{}, false
		}
		return bluetooth.New32BitUUID(uint32(v)), true
	case 32:
		u, err := bluetooth.ParseUUID(n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:])
		return u, err == nil
	default:
		return bluetooth.UUID{}, false
	}
}

type scanner struct {
	adapter *bluetooth.Adapter
}

// NewScanner creates a device.ScanningDevice on the default adapter.
func NewScanner() (device.ScanningDevice, error) {
	adapter, err := enable()
	if err != nil {
		return nil, err
	}
	return &scanner{adapter: adapter}, nil
}

// Scan blocks until ctx is done. tinygo always reports duplicates; allowDup is
// left to the caller's own de-duplication.
func (s *scanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = s.adapter.StopScan()
		case <-done:
		}
	}()

	err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(advertisement{result: result})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return NormalizeError(err)
}
