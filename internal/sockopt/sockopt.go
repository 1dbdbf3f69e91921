// Package sockopt reads and writes the handful of raw socket options the
// probe needs. It is the only package that touches file descriptors or
// kernel structure layouts; callers see plain ints and durations.
package sockopt

import (
	"errors"
	"syscall"
)

// ErrUnsupported is returned by options the current platform does not offer.
var ErrUnsupported = errors.ErrUnsupported

// Buffers holds the usable socket buffer sizes in bytes. A zero field means
// the value could not be read.
type Buffers struct {
	Receive int
	Send    int
}

// Window returns the effective window: the smaller of the two buffers when
// both are known, otherwise whichever is known.
func (b Buffers) Window() int {
	switch {
	case b.Receive > 0 && b.Send > 0:
		return min(b.Receive, b.Send)
	case b.Receive > 0:
		return b.Receive
	default:
		return max(b.Send, 0)
	}
}

// Usable converts a raw SO_RCVBUF/SO_SNDBUF reading into usable bytes. On
// platforms that double the value for bookkeeping it is halved.
func Usable(raw int) int {
	if raw <= 0 {
		return 0
	}
	if DoublesBuffers {
		return raw / 2
	}
	return raw
}

// WithFD runs fn with the descriptor behind rc and returns fn's error, or
// the error from rc itself.
func WithFD(rc syscall.RawConn, fn func(fd int) error) error {
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	}); err != nil {
		return err
	}
	return opErr
}
