// Package serialio opens and configures the serial device the ingest loop
// reads from. It is deliberately minimal: baud parsing and raw-mode
// termios configuration are "trivial glue" per the pipeline's scope, not
// part of the core the rest of this module implements.
package serialio

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultBaud is used when the caller's device spec has no explicit baud
// rate (the CLI's "<serial-device>[,<baud>]" form).
const DefaultBaud = 115200

var baudConstants = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// ParseDeviceSpec splits the CLI's "<path>[,<baud>]" device spec.
func ParseDeviceSpec(spec string) (path string, baud int, err error) {
	parts := strings.SplitN(spec, ",", 2)
	path = parts[0]
	if path == "" {
		return "", 0, fmt.Errorf("serialio: empty device path in spec %q", spec)
	}
	if len(parts) == 1 {
		return path, DefaultBaud, nil
	}
	baud, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("serialio: invalid baud rate %q: %w", parts[1], err)
	}
	return path, baud, nil
}

// Open opens path and puts it into raw mode at the given baud rate: no
// echo, no line editing, no signal-generating characters, 8 data bits, no
// parity, one stop bit, reads return as soon as any byte is available.
func Open(path string, baud int) (*os.File, error) {
	speed, ok := baudConstants[baud]
	if !ok {
		return nil, fmt.Errorf("serialio: unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", path, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("serialio: get termios for %s: %w", path, err)
	}

	cfmakeraw(t)
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("serialio: set termios for %s: %w", path, err)
	}

	return f, nil
}

// cfmakeraw mirrors the POSIX cfmakeraw(3) flag transformation: disables
// input/output processing, canonical mode, and signal generation so reads
// return raw bytes exactly as received.
func cfmakeraw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
}
