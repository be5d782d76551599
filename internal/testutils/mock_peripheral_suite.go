package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with mock BLE scanning support.
// It swaps devicefactory.ScanningDeviceFactory for the duration of each test.
//
// Usage:
//
//	type ScannerSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func (s *ScannerSuite) SetupTest() {
//	    s.WithAdvertisements(adv1, adv2)
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalScanningDeviceFactory func(devicefactory.Backend) (device.ScanningDevice, error)

	// ScanningDevice is returned by the factory; built from the configured
	// advertisements when left nil.
	ScanningDevice *MockScanningDevice

	advertisements []device.Advertisement
	late           []device.Advertisement
}

// SetupSuite initializes the test suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.OriginalScanningDeviceFactory = devicefactory.ScanningDeviceFactory

	s.T().Cleanup(func() {
		devicefactory.ScanningDeviceFactory = s.OriginalScanningDeviceFactory
	})
}

// SetupTest installs the mock scanning device.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.ScanningDevice == nil {
		s.ScanningDevice = NewReplayingScanningDevice(s.advertisements, s.late...)
	}
	dev := s.ScanningDevice
	devicefactory.ScanningDeviceFactory = func(devicefactory.Backend) (device.ScanningDevice, error) {
		return dev, nil
	}
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest restores the factory and resets the configuration.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	devicefactory.ScanningDeviceFactory = s.OriginalScanningDeviceFactory
	s.ScanningDevice = nil
	s.advertisements = nil
	s.late = nil
}

// WithAdvertisements adds advertisements reported while the scan runs.
func (s *MockBLEPeripheralSuite) WithAdvertisements(ads ...device.Advertisement) *MockBLEPeripheralSuite {
	s.advertisements = append(s.advertisements, ads...)
	return s
}

// WithLateAdvertisements adds advertisements reported after the scan context ended.
func (s *MockBLEPeripheralSuite) WithLateAdvertisements(ads ...device.Advertisement) *MockBLEPeripheralSuite {
	s.late = append(s.late, ads...)
	return s
}
