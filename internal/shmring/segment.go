package shmring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// shmPath maps a named segment (beginning with '/') onto a regular file
// under /dev/shm, the standard Linux substitute for POSIX shm_open since Go
// exposes no such syscall wrapper.
func shmPath(name string) (string, error) {
	if len(name) == 0 || name[0] != '/' {
		return "", fmt.Errorf("shmring: segment name %q must begin with '/'", name)
	}
	return "/dev/shm" + name, nil
}

// Segment is the writer's handle onto a named shared memory ring buffer.
//
// Exactly one process should hold a Segment for a given name at a time;
// Init unlinks and recreates any stale segment under the same name.
type Segment struct {
	path     string
	file     *os.File
	data     []byte
	capacity uint64
	maxSlot  uint64

	// held is the slot acquired by the most recent Acquire call that has not
	// yet been published by Send. Acquire may be called repeatedly without
	// an intervening Send; the last call wins.
	held bool
}

// Init creates (or recreates) the named segment and returns the writer's
// handle to it.
//
// capacity must be a nonzero power of two. maxPacketSize must be a multiple
// of 16; the maximum slot size actually reserved is
// roundUp16(8+maxPacketSize), which bounds sizeof(size field)+payload for
// any single published packet.
//
// Steps, in load-bearing order (writerPid must be the last field written so
// readers never observe a partially-initialized segment): unlink any
// stale segment of the same name, create/truncate to the full mapped
// length, map read-write shared, zero the header, write capacity and
// maxSlotSize, and only then atomically publish writerPid. A crash before
// the final store leaves writerPid at zero, which every reader treats as
// "segment does not exist."
func Init(name string, capacity, maxPacketSize uint64) (*Segment, error) {
	if !isPowerOfTwo(capacity) {
		return nil, fmt.Errorf("shmring: capacity %d must be a nonzero power of two", capacity)
	}
	if maxPacketSize%16 != 0 {
		return nil, fmt.Errorf("shmring: max packet size %d must be a multiple of 16", maxPacketSize)
	}

	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}

	maxSlot := roundUp16(sizeFieldBytes + maxPacketSize)

	// Unlink any stale segment with the same name before recreating it.
	_ = os.Remove(path)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmring: create segment %s: %w", path, err)
	}

	totalLen := headerSize + capacity + maxSlot
	if err := file.Truncate(int64(totalLen)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmring: truncate segment %s: %w", path, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(totalLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmring: mmap segment %s: %w", path, err)
	}

	for i := range data[:headerSize] {
		data[i] = 0
	}
	writeMagic(data)
	putUint64(data, offCapacity, capacity)
	putUint64(data, offMaxSlotSize, maxSlot)

	assertLockFreeWordSize(offWriterCursor)
	assertLockFreeWordSize(offWriterPid)
	atomicWordAt(data, offWriterCursor).Store(0)

	// Publish writerPid last: this is the sole "segment is ready" signal
	// readers rely on.
	atomicWordAt(data, offWriterPid).Store(uint64(os.Getpid()))

	return &Segment{
		path:     path,
		file:     file,
		data:     data,
		capacity: capacity,
		maxSlot:  maxSlot,
	}, nil
}

// Acquire returns a writable view of maxSlotSize-8 bytes (at least
// maxPacketSize) for the caller to fill with the next packet's payload. It does not modify any
// atomic state and may be called repeatedly without an intervening Send;
// the most recent call's region is what Send will publish.
func (s *Segment) Acquire() []byte {
	cursor := atomicWordAt(s.data, offWriterCursor).Load()
	slotOff := headerSize + (cursor % s.capacity)
	s.held = true
	// The payload region starts after the slot's size field; the oversized
	// data region guarantees maxSlot bytes are contiguously available here
	// even when slotOff is near the end of the ring.
	payloadCap := s.maxSlot - sizeFieldBytes
	return s.data[slotOff+sizeFieldBytes : slotOff+sizeFieldBytes+payloadCap]
}

// Send publishes payloadSize bytes of the region most recently returned by
// Acquire. It writes the slot's size field, then atomically advances
// writerCursor with release ordering so that readers observing the new
// cursor are guaranteed to see the size field and payload bytes that
// precede it.
func (s *Segment) Send(payloadSize int) error {
	if payloadSize < 0 {
		return fmt.Errorf("shmring: negative payload size %d", payloadSize)
	}
	total := sizeFieldBytes + uint64(payloadSize)
	if total > s.maxSlot {
		return fmt.Errorf("shmring: payload size %d exceeds max slot capacity %d", payloadSize, s.maxSlot-sizeFieldBytes)
	}
	if !s.held {
		return fmt.Errorf("shmring: Send called without a preceding Acquire")
	}

	cursor := atomicWordAt(s.data, offWriterCursor).Load()
	slotOff := headerSize + (cursor % s.capacity)

	putUint64(s.data, int(slotOff), uint64(payloadSize))

	advance := roundUp16(total)
	atomicWordAt(s.data, offWriterCursor).Store(cursor + advance)
	s.held = false
	return nil
}

// Close clears writerPid and unmaps the segment. Readers in flight are not
// guaranteed to observe the zeroed pid before any final packets they are
// still reading; they must tolerate either ordering.
func (s *Segment) Close() error {
	atomicWordAt(s.data, offWriterPid).Store(0)
	err := unix.Munmap(s.data)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
