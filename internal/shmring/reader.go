package shmring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/appliedoceansciences/cobs-to-shm/internal/liveness"
)

// Reader is a per-process, independent handle onto a named segment. Its
// cursor is not shared with any other reader or with the writer beyond the
// initial snapshot taken at Open.
type Reader struct {
	path         string
	file         *os.File
	data         []byte
	capacity     uint64
	maxSlot      uint64
	readerCursor uint64
}

// Open attaches to the named segment read-only.
//
// It atomically loads writerPid first: a zero pid, or a pid for which the
// process is confirmed absent, is reported as ErrNotFound rather than an
// error, since both mean "no writer to read from" from the caller's point
// of view. The reader's cursor is initialized to the writer's current
// cursor, so a newly opened reader only ever observes packets published
// after Open returns.
func Open(name string) (*Reader, error) {
	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shmring: open segment %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmring: stat segment %s: %w", path, err)
	}
	if info.Size() < headerSize {
		file.Close()
		return nil, fmt.Errorf("shmring: segment %s is smaller than header size", path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmring: mmap segment %s: %w", path, err)
	}

	if !hasMagic(data) {
		unix.Munmap(data)
		file.Close()
		return nil, fmt.Errorf("shmring: segment %s has no valid header", path)
	}

	assertLockFreeWordSize(offWriterPid)
	pid := atomicWordAt(data, offWriterPid).Load()
	if pid == 0 {
		unix.Munmap(data)
		file.Close()
		return nil, ErrNotFound
	}
	if alive, err := liveness.Alive(pid); err != nil {
		unix.Munmap(data)
		file.Close()
		return nil, fmt.Errorf("shmring: liveness check for writer pid %d: %w", pid, err)
	} else if !alive {
		unix.Munmap(data)
		file.Close()
		return nil, ErrNotFound
	}

	capacity := getUint64(data, offCapacity)
	maxSlot := getUint64(data, offMaxSlotSize)

	assertLockFreeWordSize(offWriterCursor)
	r := &Reader{
		path:     path,
		file:     file,
		data:     data,
		capacity: capacity,
		maxSlot:  maxSlot,
	}
	r.readerCursor = atomicWordAt(r.data, offWriterCursor).Load()
	return r, nil
}

// writerPid loads the writer pid field with acquire ordering.
func (r *Reader) writerPid() uint64 {
	return atomicWordAt(r.data, offWriterPid).Load()
}

func (r *Reader) writerCursor() uint64 {
	return atomicWordAt(r.data, offWriterCursor).Load()
}

// Recv returns the next packet's payload, advancing the reader's cursor.
//
// It returns ErrEmpty (non-blocking; the caller is expected to sleep and
// retry externally) if the writer has published nothing new. Otherwise it
// reads the slot's size field, re-loads writerCursor, and checks
// lap-safety before trusting either the size field or the payload bytes:
// between the first cursor load and the size-field read the writer may
// have lapped this reader, in which case the size field itself cannot be
// trusted. The safety bound is writerCursor-readerCursor+maxSlotSize <=
// capacity ("uncorrupted"); Recv treats a strict violation of that bound,
// evaluated against the freshly reloaded cursor, as ErrLapped.
func (r *Reader) Recv() ([]byte, error) {
	wrBefore := r.writerCursor()
	if wrBefore == r.readerCursor {
		return nil, ErrEmpty
	}

	slotOff := headerSize + (r.readerCursor % r.capacity)
	sizeField := getUint64(r.data, int(slotOff))

	wrAfter := r.writerCursor()
	if (wrAfter-r.readerCursor)+r.maxSlot > r.capacity {
		return nil, ErrLapped
	}

	payload := r.data[slotOff+sizeFieldBytes : slotOff+sizeFieldBytes+sizeField]
	out := make([]byte, sizeField)
	copy(out, payload)

	r.readerCursor += roundUp16(sizeFieldBytes + sizeField)
	return out, nil
}

// HasKeptUp reports whether the reader is still within the writer's safe
// window. Callers MUST call this after consuming the payload returned by
// Recv and before forwarding any derived result downstream: a false result
// means the payload may have been overwritten mid-read, and any derived
// work must be discarded.
func (r *Reader) HasKeptUp() bool {
	wr := r.writerCursor()
	return (wr-r.readerCursor)+r.maxSlot <= r.capacity
}

// Resync recovers from a lap (ErrLapped or a false HasKeptUp) by jumping
// the reader's cursor to the writer's current cursor. The reader then only
// observes packets published after the resync.
func (r *Reader) Resync() {
	r.readerCursor = r.writerCursor()
}

// EOF reports whether the writer is gone: its pid is zero (clean shutdown)
// or the process is confirmed absent. EPERM from the liveness probe is
// treated as "alive". Other liveness errors are swallowed into a false
// return, since EOF's bool signature has no error channel of its own.
func (r *Reader) EOF() bool {
	pid := r.writerPid()
	if pid == 0 {
		return true
	}
	alive, err := liveness.Alive(pid)
	if err != nil {
		// Surfaced errors from kill(2) beyond ESRCH/EPERM are rare and not
		// actionable from a bool-returning EOF check; treat as "not EOF" so
		// the caller's next Recv naturally surfaces any real problem.
		return false
	}
	return !alive
}

// Close unmaps the segment and releases the reader's file handle.
func (r *Reader) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
