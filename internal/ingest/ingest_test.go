package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appliedoceansciences/cobs-to-shm/internal/chunkfile"
	"github.com/appliedoceansciences/cobs-to-shm/internal/cobs"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger.Sugar()
}

func segName(t *testing.T) string {
	return fmt.Sprintf("/cobs-to-shm-ingest-test-%d-%s", os.Getpid(), t.Name())
}

// pipeSource feeds a fixed set of COBS-encoded frames to the ingest loop
// and then closes, simulating the serial device going away mid-stream.
func pipeSource(frames ...[]byte) io.Reader {
	var wire bytes.Buffer
	for _, f := range frames {
		wire.Write(cobs.Encode(f))
	}
	return bytes.NewReader(wire.Bytes())
}

func TestRunPublishesAndLogsPackets(t *testing.T) {
	dir := t.TempDir()
	var completed bytes.Buffer

	cfg := Config{
		Source:       pipeSource([]byte("frame-one"), []byte("frame-two")),
		SegmentName:  segName(t),
		RingCapacity: 1 << 16,
		StagingDir:   dir,
		Completed:    &completed,
		Logger:       testLogger(t),
	}

	err := Run(context.Background(), cfg)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(completed.String()), "\n")
	require.Len(t, lines, 1, "both frames share one wall-clock bucket, so exactly one chunk file is emitted")

	f, err := os.Open(lines[0])
	require.NoError(t, err)
	defer f.Close()

	scanner := chunkfile.NewScanner(f)

	_, payload, ok, err := scanner.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("frame-one"), payload)

	_, payload, ok, err = scanner.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("frame-two"), payload)

	_, _, ok, err = scanner.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunWithoutStagingDirSkipsLogging(t *testing.T) {
	cfg := Config{
		Source:       pipeSource([]byte("only-frame")),
		SegmentName:  segName(t),
		RingCapacity: 1 << 16,
		Logger:       testLogger(t),
	}

	err := Run(context.Background(), cfg)
	require.NoError(t, err)
}

func TestRunPublishesToRingBuffer(t *testing.T) {
	name := segName(t)

	// Run owns the segment's full lifecycle (Init through Close), so there
	// is no window to attach an independent reader concurrently from this
	// test without racing Run's own shutdown. The same header/payload
	// composition Send publishes to the ring is exercised here indirectly
	// through the disk chunk record, which is written from the identical
	// in-memory buffer right after Send is called.
	dir := t.TempDir()
	var completed bytes.Buffer

	cfg := Config{
		Source:       pipeSource([]byte("ring-check")),
		SegmentName:  name,
		RingCapacity: 4096,
		StagingDir:   dir,
		Completed:    &completed,
		Logger:       testLogger(t),
	}

	require.NoError(t, Run(context.Background(), cfg))

	paths := strings.Split(strings.TrimSpace(completed.String()), "\n")
	require.Len(t, paths, 1)

	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()

	_, payload, ok, err := chunkfile.NewScanner(f).Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("ring-check"), payload)
}

func TestRunSurvivesOverlongFrame(t *testing.T) {
	oversized := bytes.Repeat([]byte{0x01}, MaxPacketSize+1)

	cfg := Config{
		Source:       pipeSource(oversized),
		SegmentName:  segName(t),
		RingCapacity: 1 << 16,
		Logger:       testLogger(t),
	}

	// The COBS decoder resynchronizes past overlong frames internally and
	// never surfaces them to Run, so this only asserts Run exits cleanly at
	// end-of-stream rather than hanging or erroring.
	err := Run(context.Background(), cfg)
	require.NoError(t, err)
}
