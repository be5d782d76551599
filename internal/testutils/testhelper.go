package testutils

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

// DebugEnv turns on debug logging in tests when set to any non-empty value.
const DebugEnv = "SENSORSTREAM_TEST_DEBUG"

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper whose logger stays at warn unless DebugEnv is set.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if os.Getenv(DebugEnv) != "" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return &TestHelper{T: t, Logger: logger}
}

// CreateMockAdvertisement builds a named advertisement from a sensor at address.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}
