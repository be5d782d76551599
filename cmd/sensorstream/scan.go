package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/pkg/config"
	"github.com/srg/sensorstream/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE sensors",
	Long: `Scan for nearby BLE sensors for a bounded window and list them.

Peripherals are filtered by advertised name (case-insensitive substring),
advertised service UUIDs, and address allow/block lists. Each sensor is
reported once per scan.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanName      string
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	addScanFlags(scanCmd)
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

// addScanFlags registers the discovery filter flags shared by scan, stream and bridge.
func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&scanName, "name", "n", scanner.DefaultNameFilter, "Keep sensors whose name contains this text")
	cmd.Flags().DurationVarP(&scanDuration, "duration", "d", scanner.DefaultDuration, "Scan window")
	cmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	cmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only consider these addresses")
	cmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Ignore these addresses")
}

// scanOptions merges the config file with any discovery flags set on cmd.
func scanOptions(cmd *cobra.Command, cfg *config.Config) (*scanner.Options, error) {
	opts := &scanner.Options{
		NameFilter:   cfg.Scan.NameFilter,
		Duration:     cfg.Scan.Duration,
		ServiceUUIDs: cfg.Scan.ServiceUUIDs,
		AllowList:    cfg.Scan.AllowList,
		BlockList:    cfg.Scan.BlockList,
		Backend:      devicefactory.Backend(cfg.Backend),
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		opts.NameFilter = scanName
	}
	if flags.Changed("duration") {
		if scanDuration <= 0 {
			return nil, fmt.Errorf("invalid duration %v: must be > 0", scanDuration)
		}
		opts.Duration = scanDuration
	}
	if flags.Changed("services") {
		uuids, err := device.ValidateUUID(scanServices...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}
	if flags.Changed("allow") {
		opts.AllowList = scanAllowList
	}
	if flags.Changed("block") {
		opts.BlockList = scanBlockList
	}
	return opts, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := validateFormat(scanFormat, scanFormats); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd, scanFormat, cfg, scanFormats)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	opts, err := scanOptions(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	d, err := s.Scan(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for sensors", "Scanning", opts.Duration)
	progress.Start()

	for id := range d.Identities() {
		if format == "table" {
			progress.Println(cmd.ErrOrStderr(), fmt.Sprintf("found %s", id))
		}
	}
	progress.Stop()

	if err := d.Wait(); err != nil {
		return err
	}
	return displayIdentities(out, d.Found(), format)
}

// firstSensor scans with opts and returns the first matching identity.
func firstSensor(ctx context.Context, cmd *cobra.Command, s *scanner.Scanner, opts *scanner.Options) (device.Identity, error) {
	d, err := s.Scan(ctx, opts)
	if err != nil {
		return device.Identity{}, err
	}
	defer d.Stop()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Looking for a sensor", "Scanning", opts.Duration)
	progress.Start()
	defer progress.Stop()

	id, ok := <-d.Identities()
	if !ok {
		if err := d.Wait(); err != nil {
			return device.Identity{}, err
		}
		if ctx.Err() != nil {
			return device.Identity{}, ctx.Err()
		}
		return device.Identity{}, ErrNoSensorFound
	}
	return id, nil
}

func displayIdentities(w io.Writer, ids []device.Identity, format string) error {
	sorted := append([]device.Identity(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if format == "json" {
		if sorted == nil {
			sorted = []device.Identity{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sorted)
	}

	if len(sorted) == 0 {
		fmt.Fprintln(w, "No sensors discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(tw, "----\t-------\t----")
	for _, id := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\n", truncateName(id.Name, 24), id.Address, id.RSSI)
	}
	return tw.Flush()
}
