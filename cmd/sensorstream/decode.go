package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/pkg/demux"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a captured frame",
	Long: `Decode a captured frame offline. Spaces, colons and dashes in the hex
input are ignored.`,
	Example: `  sensorstream decode 0263e8030000 0000803f000020c000000000
  sensorstream decode --kind response 026300
  sensorstream decode --kind request 010263100100020002003400`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var (
	decodeKind     string
	decodeChannels int
)

func init() {
	decodeCmd.Flags().StringVarP(&decodeKind, "kind", "k", "telemetry", "Frame kind (request, response, telemetry)")
	decodeCmd.Flags().IntVar(&decodeChannels, "channels", 3, "Values per telemetry frame")
}

// parseHex joins args and decodes them, tolerating common separators.
func parseHex(args []string) ([]byte, error) {
	s := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "").Replace(strings.Join(args, ""))
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return b, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	frame, err := parseHex(args)
	if err != nil {
		return err
	}
	if decodeChannels < 0 {
		return fmt.Errorf("invalid channels %d: must be >= 0", decodeChannels)
	}

	out := cmd.OutOrStdout()
	switch decodeKind {
	case "request":
		cmd.SilenceUsage = true
		f, err := catalog.ParseControlFrame(frame)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, f)
	case "response":
		cmd.SilenceUsage = true
		r, err := demux.ParseResponse(frame)
		if err != nil {
			return err
		}
		verdict := "ok"
		if !r.OK() {
			verdict = "rejected"
		}
		fmt.Fprintf(out, "type=%#02x id=%d status=%d %s", r.FrameType, r.RequestID, r.Status, verdict)
		if len(r.Payload) > 0 {
			fmt.Fprintf(out, " payload=% x", r.Payload)
		}
		fmt.Fprintln(out)
	case "telemetry":
		cmd.SilenceUsage = true
		s, err := demux.DecodeTelemetry(frame, decodeChannels)
		if err != nil {
			return err
		}
		return newSampleWriter(out, "table", decodeChannels).Write(s)
	default:
		return fmt.Errorf("invalid kind '%s': must be one of [request response telemetry]", decodeKind)
	}
	return nil
}
