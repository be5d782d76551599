package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/bridge"
	"github.com/srg/sensorstream/pkg/config"
	"github.com/srg/sensorstream/pkg/demux"
	"github.com/srg/sensorstream/session"
)

var (
	sampleFormats = []string{"table", "json", "csv"}
	scanFormats   = []string{"table", "json"}
)

func validateFormat(format string, valid []string) error {
	if !slices.Contains(valid, format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, valid)
	}
	return nil
}

// outputFormat returns --format when it was given, otherwise output_format from
// the config. A configured format the command cannot render falls back to valid[0].
func outputFormat(cmd *cobra.Command, flag string, cfg *config.Config, valid []string) (string, error) {
	if cmd.Flags().Changed("format") {
		return flag, validateFormat(flag, valid)
	}
	if slices.Contains(valid, cfg.OutputFormat) {
		return cfg.OutputFormat, nil
	}
	return valid[0], nil
}

// truncateName shortens name to at most limit runes, marking the cut with "...".
func truncateName(name string, limit int) string {
	runes := []rune(name)
	if len(runes) <= limit {
		return name
	}
	return string(runes[:limit-3]) + "..."
}

// sampleWriter renders samples in one output format.
type sampleWriter interface {
	Write(s demux.TelemetrySample) error
}

func newSampleWriter(w io.Writer, format string, axes int) sampleWriter {
	switch format {
	case "json":
		return jsonSampleWriter{enc: json.NewEncoder(w)}
	case "csv":
		return csvSampleWriter{w: w}
	default:
		return &tableSampleWriter{w: w, axes: axes}
	}
}

type jsonSampleWriter struct{ enc *json.Encoder }

func (j jsonSampleWriter) Write(s demux.TelemetrySample) error { return j.enc.Encode(s) }

type csvSampleWriter struct{ w io.Writer }

func (c csvSampleWriter) Write(s demux.TelemetrySample) error {
	_, err := io.WriteString(c.w, bridge.FormatCSV(s))
	return err
}

type tableSampleWriter struct {
	w      io.Writer
	axes   int
	header bool
}

func (t *tableSampleWriter) Write(s demux.TelemetrySample) error {
	if !t.header {
		cols := []string{fmt.Sprintf("%12s", "TIMESTAMP")}
		for i := 0; i < t.axes; i++ {
			cols = append(cols, fmt.Sprintf("%12s", axisName(i)))
		}
		if _, err := fmt.Fprintln(t.w, strings.Join(cols, " ")); err != nil {
			return err
		}
		t.header = true
	}
	cols := []string{fmt.Sprintf("%12d", s.Timestamp)}
	for _, v := range s.Values {
		cols = append(cols, fmt.Sprintf("%12.4f", v))
	}
	_, err := fmt.Fprintln(t.w, strings.Join(cols, " "))
	return err
}

func axisName(i int) string {
	if i < 3 {
		return string(rune('X' + i))
	}
	return fmt.Sprintf("V%d", i)
}

func stateColor(s session.State) *color.Color {
	switch s {
	case session.Streaming:
		return color.New(color.FgGreen, color.Bold)
	case session.Error:
		return color.New(color.FgRed, color.Bold)
	case session.Disconnected:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// formatStateChange renders a transition as a single status line.
func formatStateChange(ch session.StateChange) string {
	line := fmt.Sprintf("%s %s -> %s", ch.At.Format(time.TimeOnly), ch.From, stateColor(ch.To).Sprint(ch.To))
	if ch.Reason != nil {
		line += ": " + ch.Reason.Error()
	}
	return line
}
