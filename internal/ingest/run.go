package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/appliedoceansciences/cobs-to-shm/internal/chunkfile"
	"github.com/appliedoceansciences/cobs-to-shm/internal/cobs"
	"github.com/appliedoceansciences/cobs-to-shm/internal/shmring"
)

// iterationWarnThreshold is the per-packet budget above which the loop logs
// a warning rather than simply continuing.
const iterationWarnThreshold = 100 * time.Millisecond

// printablePrefixMax bounds how many leading bytes of a payload the
// diagnostic inspects. Purely diagnostic: it never affects control flow.
const printablePrefixMax = 32

// ringSlotCapacity is the maxPacketSize passed to shmring.Init: the
// chunk-file logging header plus the largest decoded packet, rounded up to
// the multiple of 16 that Init requires. Init adds its own size-field
// overhead on top of this.
func ringSlotCapacity() uint64 {
	return (uint64(chunkfile.HeaderBytes) + uint64(MaxPacketSize) + 15) &^ 15
}

// Run executes the read -> decode -> timestamp -> publish -> log loop
// until cfg.Source reaches end-of-stream, a frame decode reports a
// termination condition, or ctx is canceled.
//
// Run owns the ring buffer segment and the chunk writer for the duration
// of the call: it initializes the segment, closes it on return, and - if
// cfg.StagingDir is non-empty - flushes and emits any chunk file still
// open at shutdown.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		return fmt.Errorf("ingest: Config.Logger is required")
	}

	seg, err := shmring.Init(cfg.SegmentName, cfg.RingCapacity, ringSlotCapacity())
	if err != nil {
		return fmt.Errorf("ingest: init ring segment: %w", err)
	}
	defer func() {
		if cerr := seg.Close(); cerr != nil {
			cfg.Logger.Warnw("closing ring segment", "error", cerr)
		}
	}()

	var writer *chunkfile.Writer
	if cfg.StagingDir != "" {
		writer = chunkfile.NewWriter(cfg.StagingDir, cfg.Completed)
		defer func() {
			if cerr := writer.Close(); cerr != nil {
				cfg.Logger.Warnw("closing chunk writer", "error", cerr)
			}
		}()
	}

	decoder := cobs.NewDecoder(cfg.Source, MaxPacketSize)
	decoder.OnWarning(func(err error) {
		cfg.Logger.Warnw("cobs frame desynchronized, resynchronizing", "error", err)
	})

	var prevTsMicros int64
	havePrev := false

	for {
		if err := ctx.Err(); err != nil {
			cfg.Logger.Infow("ingest loop stopping on context cancellation")
			return nil
		}

		start := time.Now()

		// buf is the acquired slot: the logging header occupies its first
		// HeaderBytes, the payload region follows. The decoder de-stuffs
		// straight into that payload region so publication never copies a
		// separately allocated payload buffer into place.
		buf := seg.Acquire()
		payloadBuf := buf[chunkfile.HeaderBytes : chunkfile.HeaderBytes+MaxPacketSize]

		n, err := decoder.DecodeInto(payloadBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				cfg.Logger.Infow("ingest loop stopping on source end-of-stream")
				return nil
			}
			return fmt.Errorf("ingest: decode frame: %w", err)
		}

		if n == 0 {
			continue
		}
		payload := payloadBuf[:n]

		tsMicros := time.Now().UnixMicro()
		if havePrev && tsMicros < prevTsMicros {
			cfg.Logger.Warnw("wall clock moved backward", "previous_us", prevTsMicros, "current_us", tsMicros)
		}
		prevTsMicros = tsMicros
		havePrev = true

		if writer != nil {
			if err := writer.RolloverIfNeeded(tsMicros); err != nil {
				return fmt.Errorf("ingest: chunk rollover: %w", err)
			}
		}

		header := chunkfile.EncodeHeader(uint16(len(payload)), tsMicros)

		// payload already sits in buf (DecodeInto wrote it there directly);
		// only the header needs writing.
		binary.LittleEndian.PutUint64(buf[:chunkfile.HeaderBytes], header)

		recordEnd := chunkfile.HeaderBytes + len(payload)
		paddedEnd := chunkfile.HeaderBytes + int(roundUp8(uint64(len(payload))))
		for i := recordEnd; i < paddedEnd; i++ {
			buf[i] = 0
		}

		if err := seg.Send(chunkfile.HeaderBytes + len(payload)); err != nil {
			return fmt.Errorf("ingest: publish to ring: %w", err)
		}

		if writer != nil {
			if err := writer.Append(header, payload); err != nil {
				return fmt.Errorf("ingest: append chunk record: %w", err)
			}
		}

		if prefix, ok := printablePrefix(payload, printablePrefixMax); ok {
			cfg.Logger.Debugw("payload has printable prefix", "prefix", prefix)
		}

		if elapsed := time.Since(start); elapsed > iterationWarnThreshold {
			cfg.Logger.Warnw("ingest iteration exceeded budget", "elapsed", elapsed)
		}
	}
}

// roundUp8 rounds n up to the next multiple of 8.
func roundUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// printablePrefix reports whether the first min(len(b), max) bytes of b
// are all printable ASCII, returning them as a string if so. Purely
// diagnostic: it never affects control flow or what gets published or
// logged to the chunk file.
func printablePrefix(b []byte, max int) (string, bool) {
	n := len(b)
	if n > max {
		n = max
	}
	for _, c := range b[:n] {
		if c < 0x20 || c > 0x7E {
			return "", false
		}
	}
	return string(b[:n]), n > 0
}
