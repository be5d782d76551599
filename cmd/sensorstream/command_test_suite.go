//go:build test

package main

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/testutils"
)

// Test sensor addresses for consistent mock identification
const (
	TestSensorAddress1 = "A0:9E:1A:00:00:01"
	TestSensorAddress2 = "A0:9E:1A:00:00:02"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writers a command starts.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite extends MockBLEPeripheralSuite with a scripted transport and
// command execution helpers. All cmd/sensorstream suites embed it.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite

	Transport *testutils.FakeTransport
	Script    testutils.PeripheralScript

	originalTransportFactory func(devicefactory.Backend, *logrus.Logger) (device.Transport, error)
}

// SetupTest isolates HOME, resets every flag and installs the scripted transport.
// Suites that customize Script set it before calling this.
func (s *CommandTestSuite) SetupTest() {
	s.T().Setenv("HOME", s.T().TempDir())
	resetFlags(rootCmd)

	if s.Script.Services == nil {
		s.Script = testutils.DefaultPeripheralScript()
	}
	s.Transport = testutils.NewFakeTransport(s.Script)
	s.originalTransportFactory = devicefactory.TransportFactory
	ft := s.Transport
	devicefactory.TransportFactory = func(devicefactory.Backend, *logrus.Logger) (device.Transport, error) {
		return ft, nil
	}

	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.TransportFactory = s.originalTransportFactory
	s.Transport.Stop()
	s.Script = testutils.PeripheralScript{}
	s.MockBLEPeripheralSuite.TearDownTest()
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
