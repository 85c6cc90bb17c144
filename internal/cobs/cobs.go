// Package cobs implements a stateful decoder for Consistent Overhead Byte
// Stuffing (COBS): a framing scheme that removes the zero frame-terminator
// byte from the payload by substitution with run-length codes, at a
// constant overhead of roughly 0.4%.
//
// Frames are zero-terminated on the wire. Decode reads exactly one frame
// per call, de-stuffing it into a payload buffer. Overlong frames
// (desynchronized input) are resynchronized at the next zero byte rather
// than returned as a hard error, converting desync into packet loss without
// corrupting subsequent frames.
package cobs

import (
	"bufio"
	"errors"
	"io"
)

// ErrOverflow is returned internally to drive resynchronization; callers
// never see it directly (Decode resynchronizes and returns the next valid
// frame instead), but it is exported so callers embedding cobs in a larger
// error chain can recognize the condition if they inspect logs.
var ErrOverflow = errors.New("cobs: frame exceeds maximum size, resynchronizing")

// Decoder de-stuffs zero-terminated COBS frames from an underlying byte
// stream.
type Decoder struct {
	r        *bufio.Reader
	maxFrame int
	warn     func(error)
}

// NewDecoder returns a Decoder reading from r. maxFrame bounds the decoded
// payload length; frames that would exceed it are dropped and framing
// resumes at the next zero byte.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// OnWarning installs a callback invoked whenever the decoder resynchronizes
// after an overlong frame. It is optional; by default warnings are
// discarded.
func (d *Decoder) OnWarning(fn func(error)) {
	d.warn = fn
}

// Decode reads and de-stuffs one COBS frame, returning its payload in a
// freshly allocated buffer. It exists for callers without a pre-sized
// destination (tests, fixtures); the ingest loop uses DecodeInto instead to
// de-stuff straight into an already-acquired buffer without an intermediate
// allocation and copy.
//
// A short frame decodes to a zero-length payload and a nil error; the caller is
// expected to simply continue. An I/O read failure on the underlying
// stream is surfaced as io.EOF, regardless of the underlying error, since a
// read failure should just make the caller stop cleanly rather than branch
// on the specific cause.
func (d *Decoder) Decode() ([]byte, error) {
	buf := make([]byte, d.maxFrame)
	n, err := d.DecodeInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeInto reads and de-stuffs one COBS frame directly into dst, returning
// the number of payload bytes written. dst must be at least as large as the
// largest frame the caller expects to receive; a frame that would overflow
// dst is treated the same as one that overflows maxFrame (resynchronized,
// ErrOverflow reported to OnWarning, framing resumes at the next zero byte).
//
// This is the zero-copy path: a caller holding a pre-acquired buffer (e.g. a
// ring buffer slot) passes it directly as dst instead of copying out of a
// separately allocated payload afterwards.
func (d *Decoder) DecodeInto(dst []byte) (int, error) {
	if len(dst) > d.maxFrame {
		dst = dst[:d.maxFrame]
	}
	for {
		n, err := d.decodeOnceInto(dst)
		if err == ErrOverflow {
			if d.warn != nil {
				d.warn(ErrOverflow)
			}
			continue
		}
		return n, err
	}
}

// decodeOnceInto performs one framing attempt, writing de-stuffed payload
// bytes into dst starting at index 0. It returns ErrOverflow if the frame
// desynchronized (exceeded len(dst)) and must be retried after draining to
// the next zero byte.
//
// A literal zero byte separated two blocks in the original data whenever
// the block immediately before it did not end on a full 254-byte (0xFF)
// run; that zero was consumed (not re-emitted) by the encoder, so the
// decoder reinserts it before the next block, gated on two things: this is
// not the first block of the frame, and the previous code byte was not
// 0xFF. A 0xFF code means the encoder hit the run-length cap with no zero
// byte to account for, so no zero is reinserted after it.
func (d *Decoder) decodeOnceInto(dst []byte) (int, error) {
	n := 0
	first := true
	var prevCode byte

	for {
		c, err := d.r.ReadByte()
		if err != nil {
			return 0, io.EOF
		}

		if c == 0 {
			return n, nil
		}

		if !first && prevCode != 0xFF {
			if n+1 > len(dst) {
				d.drainToZero()
				return 0, ErrOverflow
			}
			dst[n] = 0
			n++
		}

		run := int(c) - 1
		if n+run > len(dst) {
			d.drainToZero()
			return 0, ErrOverflow
		}

		if _, err := io.ReadFull(d.r, dst[n:n+run]); err != nil {
			return 0, io.EOF
		}
		n += run

		prevCode = c
		first = false
	}
}

// drainToZero discards bytes until (and including) the next zero byte,
// resynchronizing framing after a desync.
func (d *Decoder) drainToZero() {
	for {
		c, err := d.r.ReadByte()
		if err != nil || c == 0 {
			return
		}
	}
}

// Encode COBS-stuffs src (which must not contain a zero byte semantically -
// any zero bytes present are, correctly, stuffed away) and appends the
// trailing zero terminator. It is the inverse of Decode and exists
// primarily to support round-trip tests and test fixtures; the production
// ingest path only decodes.
func Encode(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/254+2)
	codeIdx := len(out)
	out = append(out, 0) // placeholder code byte
	code := byte(1)

	for _, b := range src {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	out = append(out, 0)
	return out
}
