package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/groutine"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/pkg/config"
	"github.com/srg/sensorstream/pkg/wsfeed"
	"github.com/srg/sensorstream/scanner"
	"github.com/srg/sensorstream/session"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream [address]",
	Short: "Stream decoded samples from a sensor",
	Long: `Connect to a sensor, start a measurement stream and print decoded samples.

Without an address the first sensor matching the scan filters is used.
State changes are printed on stderr; samples go to stdout as a table,
JSON lines, or CSV. With --serve, samples and state changes are also
published to WebSocket clients at /samples.`,
	Example: `  sensorstream stream
  sensorstream stream A0:9E:1A:12:34:56 --channel gyro --rate 104 --range 500
  sensorstream stream --count 100 --format csv > samples.csv
  sensorstream stream --serve :8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

var (
	streamChannel        string
	streamRate           uint16
	streamRange          uint16
	streamConnectTimeout time.Duration
	streamCount          int
	streamFormat         string
	streamServe          string
	streamServeOrigins   []string
)

func init() {
	addScanFlags(streamCmd)
	addStreamFlags(streamCmd)
	streamCmd.Flags().IntVar(&streamCount, "count", 0, "Stop after this many samples (0 = until interrupted)")
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "table", "Output format (table, json, csv)")
	streamCmd.Flags().StringVar(&streamServe, "serve", "", "Also publish samples over WebSocket on this address (e.g. :8080)")
	streamCmd.Flags().StringSliceVar(&streamServeOrigins, "serve-origin", nil, "Browser origins allowed to use the --serve feed besides its own (\"*\" for any)")
}

// addStreamFlags registers the stream configuration flags shared by stream and bridge.
func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&streamChannel, "channel", catalog.DefaultStream.Channel, "Sensor channel (see 'configs')")
	cmd.Flags().Uint16Var(&streamRate, "rate", catalog.DefaultStream.Rate, "Sample rate in Hz")
	cmd.Flags().Uint16Var(&streamRange, "range", catalog.DefaultStream.Range, "Measurement range")
	cmd.Flags().DurationVar(&streamConnectTimeout, "connect-timeout", 30*time.Second, "Give up if streaming has not started within this time")
}

// streamSettings merges the config file with any stream flags set on cmd.
func streamSettings(cmd *cobra.Command, cfg *config.Config) (config.StreamConfig, error) {
	st := cfg.Stream
	flags := cmd.Flags()
	if flags.Changed("channel") {
		st.Channel = streamChannel
	}
	if flags.Changed("rate") {
		st.Rate = streamRate
	}
	if flags.Changed("range") {
		st.Range = streamRange
	}
	if flags.Changed("connect-timeout") {
		st.ConnectTimeout = streamConnectTimeout
	}
	if st.ConnectTimeout <= 0 {
		return st, fmt.Errorf("invalid connect timeout %v: must be > 0", st.ConnectTimeout)
	}
	if _, err := catalog.Validate(st.Catalog()); err != nil {
		return st, err
	}
	return st, nil
}

// resolveTarget returns the identity named on the command line or scans for one.
func resolveTarget(ctx context.Context, cmd *cobra.Command, args []string, cfg *config.Config, logger *logrus.Logger) (device.Identity, error) {
	if len(args) == 1 {
		return device.Identity{Address: args[0]}, nil
	}

	opts, err := scanOptions(cmd, cfg)
	if err != nil {
		return device.Identity{}, err
	}
	s, err := scanner.NewScanner(logger)
	if err != nil {
		return device.Identity{}, fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	id, err := firstSensor(ctx, cmd, s, opts)
	if err != nil {
		return device.Identity{}, err
	}
	logger.WithField("sensor", id.String()).Info("Selected sensor")
	return id, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	if err := validateFormat(streamFormat, sampleFormats); err != nil {
		return err
	}
	if streamCount < 0 {
		return fmt.Errorf("invalid count %d: must be >= 0", streamCount)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd, streamFormat, cfg, sampleFormats)
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
	configureColor(cmd)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	target, err := resolveTarget(ctx, cmd, args, cfg, logger)
	if err != nil {
		return err
	}

	transport, err := devicefactory.TransportFactory(devicefactory.Backend(cfg.Backend), logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE transport: %w", err)
	}
	sess, err := session.New(transport, session.Options{
		Stream:       st.Catalog(),
		Profile:      cfg.Profile,
		SampleBuffer: st.SampleBuffer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	var hub *wsfeed.Hub
	if streamServe != "" {
		hub = wsfeed.NewHub(logger)
		hub.AllowOrigins(streamServeOrigins...)
		groutine.Go(ctx, "stream-feed", func(ctx context.Context) {
			if err := hub.Serve(ctx, streamServe); err != nil {
				logger.WithError(err).Error("Sample feed stopped")
			}
		})
	}

	errOut := cmd.ErrOrStderr()
	onChange := func(ch session.StateChange) {
		fmt.Fprintln(errOut, formatStateChange(ch))
		if hub != nil {
			hub.PublishState(ch)
		}
	}

	if err := sess.Connect(target); err != nil {
		return err
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, st.ConnectTimeout)
	err = session.AwaitStreaming(connectCtx, sess, onChange)
	connectCancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("sensor did not start streaming within %v: %w", st.ConnectTimeout, err)
		}
		return err
	}

	// Later transitions are reported while samples are printed.
	statesDone := make(chan struct{})
	groutine.Go(ctx, "stream-states", func(context.Context) {
		defer close(statesDone)
		for ch := range sess.StateChanges() {
			onChange(ch)
		}
	})

	axes, _ := catalog.ChannelCount(st.Catalog())
	count, err := pumpSamples(ctx, sess, newSampleWriter(cmd.OutOrStdout(), format, axes), hub)

	snap := sess.State()
	sess.Close()
	<-statesDone

	stats := sess.Stats()
	logger.WithFields(logrus.Fields{
		"printed":   count,
		"received":  stats.Samples,
		"dropped":   stats.Dropped,
		"malformed": stats.Malformed,
		"foreign":   stats.Foreign,
		"stale":     stats.Stale,
	}).Info("Stream finished")

	if err != nil {
		return err
	}
	if snap.State == session.Error {
		return snap.Reason
	}
	if ctx.Err() == nil && (streamCount == 0 || count < streamCount) {
		return ErrConnectionLost
	}
	return nil
}

// pumpSamples writes samples until the stream closes, --count is reached or ctx ends.
func pumpSamples(ctx context.Context, sess *session.Session, w sampleWriter, hub *wsfeed.Hub) (int, error) {
	count := 0
	stopping := false
	for {
		select {
		case <-ctx.Done():
			if !stopping {
				sess.Disconnect()
				stopping = true
			}
			// keep draining until the session closes the stream
			for range sess.Samples() {
			}
			return count, nil
		case s, ok := <-sess.Samples():
			if !ok {
				return count, nil
			}
			if stopping {
				continue
			}
			if err := w.Write(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				sess.Disconnect()
				return count, fmt.Errorf("failed to write sample: %w", err)
			}
			if hub != nil {
				hub.PublishSample(s)
			}
			count++
			if streamCount > 0 && count >= streamCount {
				sess.Disconnect()
				stopping = true
			}
		}
	}
}
