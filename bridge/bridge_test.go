package bridge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/ptyio"
	"github.com/srg/sensorstream/internal/testutils"
	"github.com/srg/sensorstream/pkg/demux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const waitTimeout = 2 * time.Second

// memPTY is an in-memory ptyio.PTY capturing everything written to it.
type memPTY struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	name   string
	closed bool
}

func (p *memPTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.buf.Write(b)
}

func (p *memPTY) Read([]byte) (int, error) { return 0, nil }

func (p *memPTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPTY) TTYName() string                   { return p.name }
func (p *memPTY) Stats() ptyio.Stats                { return ptyio.Stats{} }
func (p *memPTY) SetReadCallback(ptyio.ReadCallback) {}

func (p *memPTY) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func (p *memPTY) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type BridgeTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	transport *testutils.FakeTransport
	pty       *memPTY

	originalTransportFactory func(devicefactory.Backend, *logrus.Logger) (device.Transport, error)
	originalPTYFactory       func(*ptyio.Options) (ptyio.PTY, error)
}

func (suite *BridgeTestSuite) SetupSuite() {
	suite.logger = testutils.NewTestHelper(suite.T()).Logger
	suite.originalTransportFactory = devicefactory.TransportFactory
	suite.originalPTYFactory = PTYFactory
}

func (suite *BridgeTestSuite) SetupTest() {
	suite.useScript(testutils.DefaultPeripheralScript())
	suite.pty = &memPTY{name: "/dev/pts/test"}
	PTYFactory = func(*ptyio.Options) (ptyio.PTY, error) { return suite.pty, nil }
}

func (suite *BridgeTestSuite) TearDownTest() {
	devicefactory.TransportFactory = suite.originalTransportFactory
	PTYFactory = suite.originalPTYFactory
	suite.transport.Stop()
}

func (suite *BridgeTestSuite) useScript(script testutils.PeripheralScript) {
	if suite.transport != nil {
		suite.transport.Stop()
	}
	ft := testutils.NewFakeTransport(script)
	suite.transport = ft
	devicefactory.TransportFactory = func(devicefactory.Backend, *logrus.Logger) (device.Transport, error) {
		return ft, nil
	}
}

func (suite *BridgeTestSuite) options() *Options {
	return &Options{Address: "A0:9E:1A:12:34:56", ConnectTimeout: waitTimeout, Logger: suite.logger}
}

func (suite *BridgeTestSuite) TestSamplesReachPTYAsCSV() {
	// GOAL: Verify telemetry flows from the session into the PTY as CSV lines
	//
	// TEST SCENARIO: Bridge streams → two telemetry frames → link drops → PTY holds both lines in order

	var phases []string
	stats, err := RunDeviceBridge(context.Background(), suite.options(),
		func(phase string) { phases = append(phases, phase) },
		func(b Bridge) (Stats, error) {
			suite.Equal("/dev/pts/test", b.TTYName())
			suite.Empty(b.TTYSymlink())

			suite.transport.SendTelemetry(1000, 1.0, -2.5, 0.0)
			suite.transport.SendTelemetry(1020, 0.5, 0.25, 9.75)
			suite.Require().Eventually(func() bool { return b.Session().Stats().Samples == 2 }, waitTimeout, 5*time.Millisecond)
			suite.transport.DropLink()

			select {
			case <-b.Done():
			case <-time.After(waitTimeout):
				suite.FailNow("bridge MUST finish once the sample stream closes")
			}
			return b.Stats(), nil
		})

	suite.Require().NoError(err)
	suite.Equal("1000,1,-2.5,0\n1020,0.5,0.25,9.75\n", suite.pty.String())
	suite.Equal(uint64(2), stats.Lines)
	suite.Zero(stats.Overwritten)
	suite.Equal("Connecting", phases[0])
	suite.Contains(phases, "Streaming")
	suite.Equal("Running", phases[len(phases)-1])
	suite.True(suite.pty.IsClosed(), "PTY MUST be closed when the callback returns")
}

func (suite *BridgeTestSuite) TestSymlinkLifecycle() {
	link := filepath.Join(suite.T().TempDir(), "sensor")
	opts := suite.options()
	opts.TTYSymlinkPath = link

	_, err := RunDeviceBridge(context.Background(), opts, nil, func(b Bridge) (struct{}, error) {
		target, err := os.Readlink(link)
		suite.NoError(err, "symlink MUST exist while the bridge runs")
		suite.Equal("/dev/pts/test", target)
		suite.Equal(link, b.TTYSymlink())
		return struct{}{}, nil
	})
	suite.Require().NoError(err)

	_, err = os.Lstat(link)
	suite.True(os.IsNotExist(err), "symlink MUST be removed on exit")
}

func (suite *BridgeTestSuite) TestConnectFailures() {
	rejected := uint8(2)
	tests := []struct {
		name    string
		script  func() testutils.PeripheralScript
		opts    func(*Options)
		wantErr string
	}{
		{
			name:    "missing address",
			opts:    func(o *Options) { o.Address = "" },
			wantErr: "device address is required",
		},
		{
			name: "peripheral rejects configuration",
			script: func() testutils.PeripheralScript {
				s := testutils.DefaultPeripheralScript()
				s.ResponseStatus = &rejected
				return s
			},
			wantErr: "peripheral rejected configuration",
		},
		{
			name: "connect timeout",
			script: func() testutils.PeripheralScript {
				s := testutils.DefaultPeripheralScript()
				s.Hold = []string{testutils.StepConnect}
				return s
			},
			opts:    func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond },
			wantErr: "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			if tt.script != nil {
				suite.useScript(tt.script())
			}
			opts := suite.options()
			if tt.opts != nil {
				tt.opts(opts)
			}

			called := false
			_, err := RunDeviceBridge(context.Background(), opts, nil, func(Bridge) (int, error) {
				called = true
				return 0, nil
			})
			suite.ErrorContains(err, tt.wantErr)
			suite.False(called, "callback MUST NOT run when streaming never started")
		})
	}
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func TestFormatCSV(t *testing.T) {
	tests := []struct {
		name   string
		sample demux.TelemetrySample
		want   string
	}{
		{name: "three axes", sample: demux.TelemetrySample{Timestamp: 1000, Values: []float32{1, -2.5, 0}}, want: "1000,1,-2.5,0\n"},
		{name: "negative timestamp", sample: demux.TelemetrySample{Timestamp: -7, Values: []float32{0.1}}, want: "-7,0.1\n"},
		{name: "no values", sample: demux.TelemetrySample{Timestamp: 5}, want: "5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCSV(tt.sample))
		})
	}
}
