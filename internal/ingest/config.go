// Package ingest orchestrates the per-packet read -> decode -> timestamp ->
// publish -> log loop that ties the COBS decoder, the shared-memory ring
// buffer, and the chunk writer together.
package ingest

import (
	"io"

	"go.uber.org/zap"
)

// MaxPacketSize bounds both the COBS decoder's frame length and the ring
// buffer's slot payload capacity. It is conservative for the serial
// telemetry frames this pipeline targets; callers needing a different
// bound construct Config directly rather than through a CLI flag.
const MaxPacketSize = 4096

// Config parameterizes one run of the ingest loop.
type Config struct {
	// Source is the byte stream to decode, typically an opened serial
	// device. Closing it is the caller's responsibility.
	Source io.Reader

	// SegmentName is the shared-memory ring buffer's name, a leading-'/'
	// identifier under /dev/shm.
	SegmentName string

	// RingCapacity is the ring buffer's usable byte capacity; must be a
	// power of two (shmring.Init's precondition).
	RingCapacity uint64

	// StagingDir, if non-empty, enables disk logging: chunk files are
	// written under this directory. Empty disables logging entirely, as
	// when the CLI is invoked with no staging directory argument.
	StagingDir string

	// Completed receives one newline-terminated completed chunk path per
	// rollover. Ignored when StagingDir is empty.
	Completed io.Writer

	// Logger receives the loop's warnings and diagnostics. Required.
	Logger *zap.SugaredLogger
}
