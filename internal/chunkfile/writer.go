package chunkfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// bucketSeconds is the rollover granularity: a chunk file never spans more
// than one ten-second bucket of packet timestamps.
const bucketSeconds = 10

// bucketOf returns the 10-second bucket index containing a microsecond Unix
// timestamp.
func bucketOf(tsMicros int64) int64 {
	return tsMicros / (bucketSeconds * 1_000_000)
}

// Writer appends framed packets to ten-second-bucket-aligned chunk files
// under dir, emitting each completed file's path as a line on completed.
//
// Rollover is packet-aligned, not time-aligned: a file's last record is the
// last packet whose timestamp fell in its bucket, not whatever happens to
// arrive at the ten-second mark. An empty bucket - nothing arrived during
// it - produces no file at all.
type Writer struct {
	dir       string
	completed io.Writer

	file   *os.File
	path   string
	bucket int64
	open   bool
}

// NewWriter returns a Writer rooted at dir. completed receives one
// newline-terminated path per rollover; pass nil to discard rollover
// notifications (e.g. when logging is disabled entirely).
func NewWriter(dir string, completed io.Writer) *Writer {
	if completed == nil {
		completed = io.Discard
	}
	return &Writer{dir: dir, completed: completed}
}

// chunkName derives the `<iso8601_utc_to_seconds>.bin` filename for the
// first timestamp of a bucket.
func chunkName(tsMicros int64) string {
	t := time.UnixMicro(tsMicros).UTC()
	return t.Format("20060102T150405Z") + ".bin"
}

// RolloverIfNeeded closes and emits the current file if tsMicros falls in a
// different 10-second bucket than the one currently open, then - if no
// file is open after that - opens one for tsMicros's bucket. Callers
// invoke this once per packet, before Append.
func (w *Writer) RolloverIfNeeded(tsMicros int64) error {
	b := bucketOf(tsMicros)

	if w.open && b != w.bucket {
		if err := w.closeCurrent(); err != nil {
			return err
		}
	}

	if !w.open {
		if err := w.openBucket(b, tsMicros); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) openBucket(bucket int64, tsMicros int64) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("chunkfile: create staging dir %s: %w", w.dir, err)
	}

	path := filepath.Join(w.dir, chunkName(tsMicros))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("chunkfile: create chunk %s: %w", path, err)
	}

	w.file = f
	w.path = path
	w.bucket = bucket
	w.open = true
	return nil
}

// Append writes one (header, payload, padding) record to the currently
// open file. header is the already-composed 64-bit logging header;
// payload is padded with zero bytes up to the next 8-byte boundary, for a
// total on-disk record length of `8 + round_up_8(payload_size)` bytes.
func (w *Writer) Append(header uint64, payload []byte) error {
	if !w.open {
		return fmt.Errorf("chunkfile: Append called with no open chunk file")
	}

	var buf [HeaderBytes]byte
	binary.LittleEndian.PutUint64(buf[:], header)

	if _, err := w.file.Write(buf[:]); err != nil {
		return fmt.Errorf("chunkfile: write header to %s: %w", w.path, err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("chunkfile: write payload to %s: %w", w.path, err)
	}

	padded := roundUp8(uint64(len(payload)))
	if pad := padded - uint64(len(payload)); pad > 0 {
		var zeros [8]byte
		if _, err := w.file.Write(zeros[:pad]); err != nil {
			return fmt.Errorf("chunkfile: write padding to %s: %w", w.path, err)
		}
	}

	return nil
}

// closeCurrent closes the open file and emits its path on the completed
// channel as one line (the caller is expected to wrap a buffered writer
// and flush per line; Writer itself just writes once per rollover and
// never flushes).
func (w *Writer) closeCurrent() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("chunkfile: close chunk %s: %w", w.path, err)
	}
	if _, err := fmt.Fprintln(w.completed, w.path); err != nil {
		return fmt.Errorf("chunkfile: emit completed path %s: %w", w.path, err)
	}
	w.open = false
	w.file = nil
	w.path = ""
	return nil
}

// Close flushes and emits the currently open file, if any. It is a no-op
// if no file is open (e.g. logging was disabled or the current bucket is
// empty).
func (w *Writer) Close() error {
	if !w.open {
		return nil
	}
	return w.closeCurrent()
}
