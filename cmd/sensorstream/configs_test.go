//go:build test

package main

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/srg/sensorstream/pkg/demux"
	"github.com/stretchr/testify/suite"
)

const defaultStartFrame = "010263" + "10010002" + "0002003400" + "0102001000" + "0202000800" + "04010003"

type OfflineCommandsTestSuite struct {
	CommandTestSuite
}

func (s *OfflineCommandsTestSuite) TestConfigs() {
	out, _, err := s.ExecuteCommand("configs")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 4, "header plus one row per channel")
	s.Contains(lines[0], "CHANNEL")
	s.Equal([]string{"acc", "25,50,52,100,200", "2,4,8", "16", "3", "G"}, strings.Fields(lines[1]))
	s.True(strings.HasPrefix(lines[2], "gyro"))
	s.True(strings.HasPrefix(lines[3], "mag"))
	s.Empty(s.Transport.Calls(), "configs MUST NOT touch the transport")
}

func (s *OfflineCommandsTestSuite) TestConfigsHex() {
	out, _, err := s.ExecuteCommand("configs", "--hex")
	s.Require().NoError(err)

	found := false
	for _, line := range strings.Split(out, "\n") {
		if f := strings.Fields(line); len(f) == 2 && f[0] == "acc@52Hz/range=8" {
			s.Equal(defaultStartFrame, f[1])
			found = true
		}
	}
	s.True(found, "default configuration MUST be listed")
	// 5*3 acc + 3*4 gyro + 4*1 mag + header
	s.Len(strings.Split(strings.TrimSpace(out), "\n"), 32)
}

func (s *OfflineCommandsTestSuite) TestDecode() {
	telemetry := hex.EncodeToString(demux.EncodeTelemetry(demux.TelemetrySample{Timestamp: 1000, Values: []float32{1, -2.5, 0}}))

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "telemetry with separators",
			args: []string{"decode", telemetry[:6], "0x" + telemetry[6:]},
			want: []string{"TIMESTAMP", "1000", "1.0000", "-2.5000", "0.0000"},
		},
		{
			name: "accepted response",
			args: []string{"decode", "--kind", "response", hex.EncodeToString(demux.EncodeResponse(2, 0))},
			want: []string{"id=2 status=0 ok"},
		},
		{
			name: "rejected response with payload",
			args: []string{"decode", "-k", "response", hex.EncodeToString(demux.EncodeResponse(2, 3, 0xaa))},
			want: []string{"status=3 rejected", "payload=aa"},
		},
		{
			name: "start request",
			args: []string{"decode", "--kind", "request", defaultStartFrame},
			want: []string{"id=99", "type=02", "rate=34 00", "range=08 00", "channels=03"},
		},
		{name: "bad hex", args: []string{"decode", "zz"}, wantErr: "invalid hex input"},
		{name: "short telemetry", args: []string{"decode", telemetry[:10]}, wantErr: "telemetry has 5 bytes"},
		{name: "unknown kind", args: []string{"decode", "--kind", "ecg", "00"}, wantErr: "invalid kind 'ecg': must be one of [request response telemetry]"},
		{name: "malformed request", args: []string{"decode", "-k", "request", "0102"}, wantErr: "malformed control request"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)
			out, _, err := s.ExecuteCommand(tt.args...)
			if tt.wantErr != "" {
				s.Require().Error(err)
				s.Contains(err.Error(), tt.wantErr)
				return
			}
			s.Require().NoError(err)
			for _, w := range tt.want {
				s.Contains(out, w)
			}
		})
	}
}

func TestOfflineCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(OfflineCommandsTestSuite))
}
