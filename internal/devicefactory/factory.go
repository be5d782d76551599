package devicefactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	goble "github.com/srg/sensorstream/internal/device/go-ble"
	"github.com/srg/sensorstream/internal/device/tinygo"
)

// Backend names a BLE stack implementation.
type Backend string

const (
	BackendGoBLE  Backend = "go-ble"
	BackendTinyGo Backend = "tinygo"
)

// Backends lists the supported backends, default first.
func Backends() []Backend {
	return []Backend{BackendGoBLE, BackendTinyGo}
}

// ParseBackend resolves a backend name; empty selects go-ble.
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(name))) {
	case "", BackendGoBLE:
		return BackendGoBLE, nil
	case BackendTinyGo:
		return BackendTinyGo, nil
	default:
		return "", fmt.Errorf("unknown BLE backend %q (supported: %s, %s)", name, BackendGoBLE, BackendTinyGo)
	}
}

// ScanningDeviceFactory creates device.ScanningDevice instances for BLE scanning operations.
// This is a variable so that it can be overridden in tests.
var ScanningDeviceFactory = func(backend Backend) (device.ScanningDevice, error) {
	switch backend {
	case BackendTinyGo:
		return tinygo.NewScanner()
	default:
		return goble.NewScanner()
	}
}

// TransportFactory creates the device.Transport a session drives.
// This is a variable so that it can be overridden in tests.
var TransportFactory = func(backend Backend, logger *logrus.Logger) (device.Transport, error) {
	switch backend {
	case BackendTinyGo:
		return tinygo.NewTransport(logger)
	default:
		return goble.NewTransport(logger), nil
	}
}
