//go:build unix && !linux

package sockopt

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	BindSupported  = false
	DoublesBuffers = false
)

func BindToDevice(int, string) error { return ErrUnsupported }

func BoundDevice(int) (string, error) { return "", ErrUnsupported }

// SetLowLatency disables Nagle and enables keepalive.
func SetLowLatency(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}

// ReadBuffers returns the raw SO_RCVBUF and SO_SNDBUF values.
func ReadBuffers(fd int) (rcv, snd int, err error) {
	rcv, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, 0, err
	}
	snd, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return rcv, 0, err
	}
	return rcv, snd, nil
}

func SmoothedRTT(int) (time.Duration, error) { return 0, ErrUnsupported }
