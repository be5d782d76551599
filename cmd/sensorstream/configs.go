package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/pkg/catalog"
)

// configsCmd represents the configs command
var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "List supported stream configurations",
	Long: `List the channel, rate and range combinations a sensor can be asked to stream.
With --hex every combination is expanded together with its start request frame.`,
	Args: cobra.NoArgs,
	RunE: runConfigs,
}

var configsHex bool

func init() {
	configsCmd.Flags().BoolVar(&configsHex, "hex", false, "Show the start request frame of every combination")
}

func joinUint16(vs []uint16) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func runConfigs(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	if !configsHex {
		fmt.Fprintln(tw, "CHANNEL\tRATES (Hz)\tRANGES\tRESOLUTION\tAXES\tUNIT")
		for _, ch := range catalog.Channels() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				ch.Name, joinUint16(ch.Rates), joinUint16(ch.Ranges), ch.Resolution, ch.Axes, ch.Unit)
		}
		return tw.Flush()
	}

	fmt.Fprintln(tw, "CONFIG\tSTART FRAME")
	for _, ch := range catalog.Channels() {
		for _, rate := range ch.Rates {
			for _, rng := range ch.Ranges {
				cfg := catalog.StreamConfig{Channel: ch.Name, Rate: rate, Range: rng}
				frame, err := catalog.BuildStartStreamCommand(cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\n", cfg, hex.EncodeToString(frame.Bytes()))
			}
		}
	}
	return tw.Flush()
}
