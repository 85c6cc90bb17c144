// Command shmreader is a diagnostic reader that attaches to a named ring
// buffer segment and prints each packet's logging header and a hex preview
// of its payload until the writer disappears.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/appliedoceansciences/cobs-to-shm/internal/chunkfile"
	"github.com/appliedoceansciences/cobs-to-shm/internal/shmring"
)

const pollInterval = 50 * time.Millisecond

const hexPreviewBytes = 16

var rootCmd = &cobra.Command{
	Use:     "shmreader <segment-name>",
	Short:   "Poll a shared-memory ring buffer segment and print its packets",
	Args:    cobra.ExactArgs(1),
	RunE:    runReader,
	Version: "0.1.0",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func runReader(cmd *cobra.Command, args []string) error {
	name := args[0]

	r, err := shmring.Open(name)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", name, err)
	}
	defer r.Close()

	for {
		if r.EOF() {
			fmt.Fprintln(os.Stderr, "writer is gone, exiting")
			return nil
		}

		record, err := r.Recv()
		switch {
		case err == shmring.ErrEmpty:
			time.Sleep(pollInterval)
			continue
		case err == shmring.ErrLapped:
			fmt.Fprintln(os.Stderr, "lapped by writer, resynchronizing")
			r.Resync()
			continue
		case err != nil:
			return fmt.Errorf("recv: %w", err)
		}

		if !r.HasKeptUp() {
			fmt.Fprintln(os.Stderr, "lapped while reading, discarding record and resynchronizing")
			r.Resync()
			continue
		}

		if len(record) < chunkfile.HeaderBytes {
			fmt.Fprintln(os.Stderr, "short record, skipping")
			continue
		}

		header := binary.LittleEndian.Uint64(record[:chunkfile.HeaderBytes])
		size, tsMicros := chunkfile.DecodeHeader(header)
		payload := record[chunkfile.HeaderBytes:]
		if int(size) < len(payload) {
			payload = payload[:size]
		}

		preview := payload
		if len(preview) > hexPreviewBytes {
			preview = preview[:hexPreviewBytes]
		}

		fmt.Printf("size=%d ts=%s hex=%s\n", size, time.UnixMicro(tsMicros).UTC().Format(time.RFC3339Nano), hex.EncodeToString(preview))
	}
}
