package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "ingest <serial-device>[,<baud>] [<staging-dir>]",
	Short:   "COBS-framed serial ingest loop: decode, publish, and chunk-log telemetry packets",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runIngest,
	Version: "0.1.0",
}

var rootCmdArgs struct {
	segmentName  string
	ringCapacity uint64
	debug        bool
}

func init() {
	rootCmd.Flags().StringVar(&rootCmdArgs.segmentName, "segment", "/cobs-to-shm", "shared-memory ring buffer segment name")
	rootCmd.Flags().Uint64Var(&rootCmdArgs.ringCapacity, "ring-capacity", 1<<20, "ring buffer usable capacity in bytes (power of two)")
	rootCmd.Flags().BoolVar(&rootCmdArgs.debug, "debug", false, "enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
