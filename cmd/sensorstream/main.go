package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sensorstream",
	Short: "Stream telemetry from BLE motion sensors",
	Long: `Discover a BLE motion sensor, configure a measurement stream and decode
its telemetry:

- Scan for sensors by name, service, or address lists
- Stream decoded samples as a table, JSON, or CSV, optionally over WebSocket
- Bridge samples into a PTY for tools that expect a serial device
- List the supported stream configurations and decode captured frames offline`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(configsCmd)
	rootCmd.AddCommand(decodeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/sensorstream/config.yaml when present)")
	rootCmd.PersistentFlags().String("backend", "", "BLE backend (go-ble, tinygo)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
