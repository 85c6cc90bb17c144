// Package liveness implements a signal-free process existence check, used
// by shared-memory readers to detect a dead or absent writer without any
// heartbeat protocol.
package liveness

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive reports whether the process identified by pid is alive, by sending
// signal 0 (which performs error checking but delivers no signal).
//
//   - ESRCH (no such process)           -> (false, nil)
//   - EPERM (process exists, other user) -> (true, nil)
//   - success                            -> (true, nil)
//   - any other error                    -> (false, err)
func Alive(pid uint64) (bool, error) {
	if pid == 0 {
		return false, nil
	}
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.ESRCH) {
		return false, nil
	}
	if errors.Is(err, unix.EPERM) {
		return true, nil
	}
	return false, err
}
