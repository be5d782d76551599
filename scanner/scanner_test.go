package scanner_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/testutils"
	"github.com/srg/sensorstream/scanner"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

const shortScan = 100 * time.Millisecond

type ScannerTestSuite struct {
	testutils.MockBLEPeripheralSuite

	polar1, polar2, other *testutils.AdvertisementBuilder
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.polar1 = testutils.NewAdvertisementBuilder().
		WithAddress("A0:9E:1A:00:00:01").
		WithName("Polar Sense 0001").
		WithRSSI(-45).
		WithServices("fb005c80-02e7-f387-1cad-8acd2d8df0c8", "180D")

	suite.polar2 = testutils.CreateMockAdvertisementFromJSON(`{
		"address": "A0:9E:1A:00:00:02",
		"name": "Polar H10 0002",
		"rssi": -67,
		"services": ["180D"]
	}`)

	suite.other = testutils.CreateMockAdvertisement("Mi Band", "11:22:33:44:55:66", -80).
		WithServices("180F")

	suite.WithAdvertisements(suite.polar1.Build(), suite.polar2.Build(), suite.other.Build())
	suite.MockBLEPeripheralSuite.SetupTest()
}

// collect drains the discovery and returns what it yielded, sorted by address.
func collect(t *testing.T, d *scanner.Discovery) []device.Identity {
	t.Helper()
	var out []device.Identity
	timeout := time.After(5 * time.Second)
	for {
		select {
		case id, ok := <-d.Identities():
			if !ok {
				sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
				return out
			}
			out = append(out, id)
		case <-timeout:
			t.Fatal("discovery MUST close its identity stream")
		}
	}
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("creates scanner with provided logger", func() {
		s, err := scanner.NewScanner(suite.Logger)
		suite.NoError(err)
		suite.NotNil(s)
	})

	suite.Run("creates scanner with nil logger", func() {
		s, err := scanner.NewScanner(nil)
		suite.NoError(err)
		suite.NotNil(s)
	})
}

func (suite *ScannerTestSuite) TestDefaultOptions() {
	opts := scanner.DefaultOptions()

	suite.Equal(5*time.Second, opts.Duration)
	suite.Equal("Polar", opts.NameFilter)
	suite.Equal(devicefactory.BackendGoBLE, opts.Backend)
	suite.Nil(opts.ServiceUUIDs)
	suite.Nil(opts.AllowList)
	suite.Nil(opts.BlockList)
}

func (suite *ScannerTestSuite) TestScannerFiltering() {
	tests := []struct {
		name     string
		opts     scanner.Options
		expected []device.Identity
	}{
		{
			name:     "includes all devices with no filters",
			opts:     scanner.Options{},
			expected: []device.Identity{suite.other.Identity(), suite.polar1.Identity(), suite.polar2.Identity()},
		},
		{
			name:     "name filter is a case-insensitive substring match",
			opts:     scanner.Options{NameFilter: "polar"},
			expected: []device.Identity{suite.polar1.Identity(), suite.polar2.Identity()},
		},
		{
			name:     "excludes device on block list",
			opts:     scanner.Options{NameFilter: "Polar", BlockList: []string{"a0:9e:1a:00:00:01"}},
			expected: []device.Identity{suite.polar2.Identity()},
		},
		{
			name:     "includes only devices on allow list",
			opts:     scanner.Options{AllowList: []string{"11:22:33:44:55:66"}},
			expected: []device.Identity{suite.other.Identity()},
		},
		{
			name:     "includes device with matching service UUID",
			opts:     scanner.Options{ServiceUUIDs: []string{"FB005C80-02E7-F387-1CAD-8ACD2D8DF0C8"}},
			expected: []device.Identity{suite.polar1.Identity()},
		},
		{
			name:     "excludes devices without matching service UUID",
			opts:     scanner.Options{ServiceUUIDs: []string{"1234"}},
			expected: nil,
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			s, err := scanner.NewScanner(suite.Logger)
			require.NoError(suite.T(), err)

			opts := tt.opts
			opts.Duration = shortScan
			d, err := s.Scan(context.Background(), &opts)
			require.NoError(suite.T(), err, "Scan MUST start")

			suite.Equal(tt.expected, collect(suite.T(), d))
			suite.NoError(d.Wait(), "reaching the deadline MUST NOT be an error")
		})
	}
}

func (suite *ScannerTestSuite) TestInvalidServiceFilter() {
	s, _ := scanner.NewScanner(suite.Logger)
	_, err := s.Scan(context.Background(), &scanner.Options{ServiceUUIDs: []string{"xyz"}})
	suite.ErrorContains(err, "invalid service filter")
}

func (suite *ScannerTestSuite) TestFactoryFailure() {
	devicefactory.ScanningDeviceFactory = func(devicefactory.Backend) (device.ScanningDevice, error) {
		return nil, device.ErrBluetoothOff
	}

	s, _ := scanner.NewScanner(suite.Logger)
	_, err := s.Scan(context.Background(), scanner.DefaultOptions())
	suite.ErrorIs(err, device.ErrBluetoothOff)
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}

type ScannerDeadlineTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

// SetupTest is deferred: each test configures its peripheral and then calls
// MockBLEPeripheralSuite.SetupTest itself.
func (suite *ScannerDeadlineTestSuite) SetupTest() {}

func (suite *ScannerDeadlineTestSuite) TestNothingYieldedAfterDeadline() {
	// GOAL: Verify the discovery window is a hard bound even if the radio keeps reporting
	//
	// TEST SCENARIO: one device before the deadline, two after → only the first is yielded

	early := testutils.CreateMockAdvertisement("Polar Early", "A0:00:00:00:00:01", -40)
	lateA := testutils.CreateMockAdvertisement("Polar Late A", "A0:00:00:00:00:02", -40)
	lateB := testutils.CreateMockAdvertisement("Polar Late B", "A0:00:00:00:00:03", -40)

	suite.ScanningDevice = testutils.NewReplayingScanningDevice(
		[]device.Advertisement{early.Build()},
		lateA.Build(), lateB.Build(),
	)
	suite.MockBLEPeripheralSuite.SetupTest()

	s, _ := scanner.NewScanner(suite.Logger)
	started := time.Now()
	d, err := s.Scan(context.Background(), &scanner.Options{NameFilter: "Polar", Duration: shortScan})
	suite.Require().NoError(err)

	suite.Equal([]device.Identity{early.Identity()}, collect(suite.T(), d))
	suite.GreaterOrEqual(time.Since(started), shortScan, "stream MUST stay open for the whole window")
	suite.NoError(d.Wait())
	suite.Equal([]device.Identity{early.Identity()}, d.Found(), "late reports MUST NOT be recorded")
}

func (suite *ScannerDeadlineTestSuite) TestDuplicatesYieldedOnce() {
	// GOAL: Verify an identity is yielded at most once per scan

	first := testutils.CreateMockAdvertisement("Polar A", "A0:00:00:00:00:0A", -40)
	again := testutils.CreateMockAdvertisement("Polar A", "a0:00:00:00:00:0a", -70)
	other := testutils.CreateMockAdvertisement("Polar B", "A0:00:00:00:00:0B", -60)

	suite.WithAdvertisements(first.Build(), again.Build(), other.Build(), first.Build())
	suite.MockBLEPeripheralSuite.SetupTest()

	s, _ := scanner.NewScanner(suite.Logger)
	d, err := s.Scan(context.Background(), &scanner.Options{Duration: shortScan})
	suite.Require().NoError(err)

	suite.Equal([]device.Identity{first.Identity(), other.Identity()}, collect(suite.T(), d))
}

func (suite *ScannerDeadlineTestSuite) TestNamelessReportThenNamedReport() {
	// A first report without a name must not shadow a later report that carries it.
	blank := testutils.CreateMockAdvertisement("", "A0:00:00:00:00:0C", -40)
	named := testutils.CreateMockAdvertisement("Polar C", "A0:00:00:00:00:0C", -41)

	suite.WithAdvertisements(blank.Build(), named.Build())
	suite.MockBLEPeripheralSuite.SetupTest()

	s, _ := scanner.NewScanner(suite.Logger)
	d, err := s.Scan(context.Background(), &scanner.Options{NameFilter: "Polar", Duration: shortScan})
	suite.Require().NoError(err)

	suite.Equal([]device.Identity{named.Identity()}, collect(suite.T(), d))
}

func (suite *ScannerDeadlineTestSuite) TestStopEndsScanEarly() {
	suite.WithAdvertisements(testutils.CreateMockAdvertisement("Polar", "A0:00:00:00:00:0D", -40).Build())
	suite.MockBLEPeripheralSuite.SetupTest()

	s, _ := scanner.NewScanner(suite.Logger)
	started := time.Now()
	d, err := s.Scan(context.Background(), &scanner.Options{Duration: time.Minute})
	suite.Require().NoError(err)

	<-d.Identities()
	d.Stop()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		suite.FailNow("Stop MUST stop the underlying scan")
	}
	suite.Less(time.Since(started), time.Minute)
	suite.NoError(d.Wait())
	_, open := <-d.Identities()
	suite.False(open)
}

func (suite *ScannerDeadlineTestSuite) TestParentCancellationStopsScan() {
	suite.MockBLEPeripheralSuite.SetupTest()

	ctx, cancel := context.WithCancel(context.Background())
	s, _ := scanner.NewScanner(suite.Logger)
	d, err := s.Scan(ctx, &scanner.Options{Duration: time.Minute})
	suite.Require().NoError(err)

	cancel()
	suite.Empty(collect(suite.T(), d))
	suite.NoError(d.Wait())
}

func (suite *ScannerDeadlineTestSuite) TestScanErrorIsReported() {
	dev := &testutils.MockScanningDevice{}
	dev.On("Scan", mock.Anything, false, mock.Anything).Return(errors.New("hci0: device busy"))
	suite.ScanningDevice = dev
	suite.MockBLEPeripheralSuite.SetupTest()

	s, _ := scanner.NewScanner(suite.Logger)
	d, err := s.Scan(context.Background(), &scanner.Options{Duration: time.Minute})
	suite.Require().NoError(err)

	suite.Empty(collect(suite.T(), d))
	suite.ErrorContains(d.Wait(), "hci0: device busy")
	dev.AssertExpectations(suite.T())
}

func TestScannerDeadlineTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerDeadlineTestSuite))
}
