package shmring

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// segName returns a unique /dev/shm-backed segment name for a test, so
// parallel test processes never collide on the same backing file.
func segName(t *testing.T) string {
	return fmt.Sprintf("/cobs-to-shm-test-%d-%s", os.Getpid(), t.Name())
}

func TestInitRejectsNonPowerOfTwoCapacity(t *testing.T) {
	_, err := Init(segName(t), 100, 16)
	require.Error(t, err)
}

func TestInitRejectsUnalignedMaxPacketSize(t *testing.T) {
	_, err := Init(segName(t), 1024, 17)
	require.Error(t, err)
}

func TestAcquireSendRecvRoundTrip(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 64)
	require.NoError(t, err)
	defer seg.Close()

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	buf := seg.Acquire()
	payload := []byte("telemetry frame")
	copy(buf, payload)
	require.NoError(t, seg.Send(len(payload)))

	got, err := r.Recv()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRecvEmptyBeforeAnyPublish(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 64)
	require.NoError(t, err)
	defer seg.Close()

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Recv()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestCursorAdvancesByRoundUp16(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 64)
	require.NoError(t, err)
	defer seg.Close()

	before := atomicWordAt(seg.data, offWriterCursor).Load()

	buf := seg.Acquire()
	copy(buf, []byte("abc")) // payload of length 3
	require.NoError(t, seg.Send(3))

	after := atomicWordAt(seg.data, offWriterCursor).Load()
	// 8-byte size field + 3 payload bytes = 11, rounded up to 16.
	require.Equal(t, before+16, after)
}

func TestOpenOnlySeesFuturePackets(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 64)
	require.NoError(t, err)
	defer seg.Close()

	buf := seg.Acquire()
	copy(buf, []byte("before open"))
	require.NoError(t, seg.Send(len("before open")))

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Recv()
	require.ErrorIs(t, err, ErrEmpty)

	buf = seg.Acquire()
	copy(buf, []byte("after open"))
	require.NoError(t, seg.Send(len("after open")))

	got, err := r.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("after open"), got)
}

func TestOpenMissingSegmentReturnsNotFound(t *testing.T) {
	_, err := Open(segName(t))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenAfterCloseReturnsNotFound(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 64)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	_, err = Open(name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHasKeptUpAndLapDetection(t *testing.T) {
	name := segName(t)
	const capacity = 64
	const maxPacket = 16
	seg, err := Init(name, capacity, maxPacket)
	require.NoError(t, err)
	defer seg.Close()

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	// Publish one packet so the reader has something to fall behind on.
	buf := seg.Acquire()
	copy(buf, []byte("first"))
	require.NoError(t, seg.Send(len("first")))

	require.True(t, r.HasKeptUp())

	// Lap the reader: publish enough additional packets that the writer's
	// cursor advances past the reader's safe window before it ever calls
	// Recv.
	for i := 0; i < capacity; i++ {
		buf := seg.Acquire()
		copy(buf, []byte("x"))
		require.NoError(t, seg.Send(1))
	}

	require.False(t, r.HasKeptUp())

	_, err = r.Recv()
	require.ErrorIs(t, err, ErrLapped)

	r.Resync()
	require.True(t, r.HasKeptUp())
	_, err = r.Recv()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 16)
	require.NoError(t, err)
	defer seg.Close()

	seg.Acquire()
	err = seg.Send(100)
	require.Error(t, err)
}

func TestSendWithoutAcquireFails(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 16)
	require.NoError(t, err)
	defer seg.Close()

	err = seg.Send(1)
	require.Error(t, err)
}

func TestZeroLengthPayloadRoundTrips(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 16)
	require.NoError(t, err)
	defer seg.Close()

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	seg.Acquire()
	require.NoError(t, seg.Send(0))

	got, err := r.Recv()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestEOFReflectsWriterLifecycle(t *testing.T) {
	name := segName(t)
	seg, err := Init(name, 4096, 16)
	require.NoError(t, err)

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	require.False(t, r.EOF())

	require.NoError(t, seg.Close())
	require.True(t, r.EOF())
}

func TestWrapsAtCapacityWithoutCorruption(t *testing.T) {
	name := segName(t)
	const capacity = 128
	const maxPacket = 16
	seg, err := Init(name, capacity, maxPacket)
	require.NoError(t, err)
	defer seg.Close()

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()

	var sent [][]byte
	for i := 0; i < 20; i++ {
		payload := []byte(fmt.Sprintf("p%02d", i))
		buf := seg.Acquire()
		copy(buf, payload)
		require.NoError(t, seg.Send(len(payload)))
		sent = append(sent, payload)

		got, err := r.Recv()
		require.NoError(t, err)
		require.True(t, r.HasKeptUp())
		require.Equal(t, payload, got)
	}
}
