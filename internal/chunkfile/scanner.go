package chunkfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Scanner replays the record stream written by a Writer: (header, payload,
// padding) triples. It is the read-side counterpart diagnostic readers and
// downstream compressors need when replaying a completed chunk file.
type Scanner struct {
	r   *bufio.Reader
	err error
}

// NewScanner returns a Scanner reading chunk records from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next reads the next record. ok is false once the stream is exhausted
// cleanly (io.EOF at a record boundary); err is non-nil only for a
// malformed or truncated stream. A header whose high 48 bits are zero is
// padding (IsPadding) rather than a real record and is skipped
// transparently - callers never see it.
func (s *Scanner) Next() (header uint64, payload []byte, ok bool, err error) {
	if s.err != nil {
		return 0, nil, false, s.err
	}

	for {
		var buf [HeaderBytes]byte
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil, false, nil
			}
			s.err = fmt.Errorf("chunkfile: read header: %w", err)
			return 0, nil, false, s.err
		}
		header = binary.LittleEndian.Uint64(buf[:])

		if IsPadding(header) {
			continue
		}

		size, _ := DecodeHeader(header)
		padded := roundUp8(uint64(size))
		raw := make([]byte, padded)
		if _, err := io.ReadFull(s.r, raw); err != nil {
			s.err = fmt.Errorf("chunkfile: read payload+padding: %w", err)
			return 0, nil, false, s.err
		}

		return header, raw[:size], true, nil
	}
}
