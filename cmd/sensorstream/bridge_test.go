//go:build test

package main

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/bridge"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/ptyio"
	"github.com/srg/sensorstream/internal/testutils"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/stretchr/testify/suite"
)

// capturePTY records what the bridge writes instead of allocating a real PTY.
type capturePTY struct {
	mu  sync.Mutex
	out strings.Builder
}

func (p *capturePTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *capturePTY) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func (p *capturePTY) Read([]byte) (int, error)           { return 0, nil }
func (p *capturePTY) Close() error                       { return nil }
func (p *capturePTY) TTYName() string                    { return "/dev/pts/fake" }
func (p *capturePTY) Stats() ptyio.Stats                 { return ptyio.Stats{} }
func (p *capturePTY) SetReadCallback(ptyio.ReadCallback) {}

type BridgeCmdTestSuite struct {
	CommandTestSuite

	pty             *capturePTY
	originalFactory func(*ptyio.Options) (ptyio.PTY, error)
}

func (s *BridgeCmdTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.pty = &capturePTY{}
	s.originalFactory = bridge.PTYFactory
	bridge.PTYFactory = func(*ptyio.Options) (ptyio.PTY, error) { return s.pty, nil }
}

func (s *BridgeCmdTestSuite) TearDownTest() {
	bridge.PTYFactory = s.originalFactory
	s.CommandTestSuite.TearDownTest()
}

func (s *BridgeCmdTestSuite) TestBridgeWritesCSVUntilLinkDrops() {
	// GOAL: Verify samples reach the PTY as CSV and a dropped link ends the command
	//
	// TEST SCENARIO: bridge <addr> --link → PTY and link printed → two samples → link drops → error returned

	link := filepath.Join(s.T().TempDir(), "sensor")
	done := make(chan result, 1)
	go func() {
		out, errOut, err := s.ExecuteCommand("bridge", TestSensorAddress1, "--link", link)
		done <- result{out, errOut, err}
	}()

	data := "subscribe " + device.NormalizeUUID(catalog.DefaultProfile.Data)
	s.Require().Eventually(func() bool {
		return slices.Contains(s.Transport.CallLog(), data)
	}, waitTimeout, 5*time.Millisecond, "bridge MUST start streaming")

	s.Transport.SendTelemetry(1000, 1.0, -2.5, 0.0)
	s.Transport.SendTelemetry(1020, 0.5, 0.25, 9.75)
	s.Require().Eventually(func() bool {
		return s.pty.String() == "1000,1,-2.5,0\n1020,0.5,0.25,9.75\n"
	}, waitTimeout, 5*time.Millisecond, "samples MUST reach the PTY in order")

	s.Transport.DropLink()

	var r result
	select {
	case r = <-done:
	case <-time.After(waitTimeout):
		s.FailNow("bridge did not return after the link dropped")
	}
	s.Require().Error(r.err)
	s.Contains(r.out, "PTY: /dev/pts/fake")
	s.Contains(r.out, "Link: "+link+" -> /dev/pts/fake")
	s.NoFileExists(link, "symlink MUST be removed on exit")
}

func (s *BridgeCmdTestSuite) TestBridgeRejectedConfiguration() {
	status := uint8(2)
	s.Script.ResponseStatus = &status
	s.Transport.Stop()
	s.Transport = testutils.NewFakeTransport(s.Script)
	ft := s.Transport
	devicefactory.TransportFactory = func(devicefactory.Backend, *logrus.Logger) (device.Transport, error) {
		return ft, nil
	}

	_, _, err := s.ExecuteCommand("bridge", TestSensorAddress1)
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "status 2")
	s.Empty(s.pty.String(), "no PTY output without a stream")
}

func TestBridgeCmdTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeCmdTestSuite))
}
