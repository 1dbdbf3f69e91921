package probe

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a probe failure.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindTimeout       Kind = "timeout"
	KindConnectFailed Kind = "connect_failed"
	KindOSError       Kind = "os_error"
)

var (
	// ErrBindMismatch means the kernel reports a different bound device than requested.
	ErrBindMismatch = errors.New("bound device does not match request")
	// ErrInvalidInterface rejects names the kernel would silently truncate.
	ErrInvalidInterface = errors.New("interface name contains NUL")
)

// Error is returned by Probe and Resolve. Every probe failure is one of the
// Kind values so callers can label it without string matching.
type Error struct {
	Kind  Kind
	Op    string
	Errno syscall.Errno
	Err   error
}

func newError(kind Kind, op string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d): %v", e.Op, e.Kind, int(e.Errno), e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a probe error, or "unknown".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return "unknown"
}

// BindError reports a failed or unverifiable interface bind. It is never
// fatal to a probe.
type BindError struct {
	Interface string
	Bound     string
	Err       error
}

func (e *BindError) Error() string {
	if e.Bound != "" {
		return fmt.Sprintf("bind to device %q: kernel reports %q: %v", e.Interface, e.Bound, e.Err)
	}
	return fmt.Sprintf("bind to device %q: %v", e.Interface, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
