package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/bridge"
	"github.com/srg/sensorstream/internal/devicefactory"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge [address]",
	Short: "Expose sensor samples as CSV lines on a PTY",
	Long: `Start a measurement stream and write every sample as a CSV line
("timestamp,x,y,z") into a pseudo-terminal, so serial tools and plotters can
read the sensor like a serial device.

Without an address the first sensor matching the scan filters is used.`,
	Example: `  sensorstream bridge --link /tmp/sensor
  screen /tmp/sensor`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

var bridgeLink string

func init() {
	addScanFlags(bridgeCmd)
	addStreamFlags(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeLink, "link", "", "Create a symlink to the PTY at this path")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	st, err := streamSettings(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	target, err := resolveTarget(ctx, cmd, args, cfg, logger)
	if err != nil {
		return err
	}

	opts := &bridge.Options{
		Address:        target.Address,
		Name:           target.Name,
		Backend:        devicefactory.Backend(cfg.Backend),
		ConnectTimeout: st.ConnectTimeout,
		Stream:         st.Catalog(),
		Profile:        cfg.Profile,
		SampleBuffer:   st.SampleBuffer,
		TTYSymlinkPath: bridgeLink,
		Logger:         logger,
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Bridging %s", target), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	out := cmd.OutOrStdout()
	stats, err := bridge.RunDeviceBridge(ctx, opts, progress.Callback(), func(b bridge.Bridge) (bridge.Stats, error) {
		progress.Stop()
		fmt.Fprintf(out, "PTY: %s\n", b.TTYName())
		if link := b.TTYSymlink(); link != "" {
			fmt.Fprintf(out, "Link: %s -> %s\n", link, b.TTYName())
		}
		fmt.Fprintln(out, "Press Ctrl+C to stop")

		select {
		case <-ctx.Done():
			return b.Stats(), nil
		case <-b.Done():
			if snap := b.Session().State(); snap.Reason != nil {
				return b.Stats(), snap.Reason
			}
			return b.Stats(), ErrConnectionLost
		}
	})

	logger.WithFields(logrus.Fields{
		"lines":       stats.Lines,
		"overwritten": stats.Overwritten,
		"ptyDropped":  stats.PTY.DroppedWrite,
	}).Info("Bridge finished")
	return err
}
