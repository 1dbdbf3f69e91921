//go:build windows

package sockopt

import (
	"syscall"
	"time"
)

const (
	BindSupported  = false
	DoublesBuffers = false
)

func BindToDevice(int, string) error { return ErrUnsupported }

func BoundDevice(int) (string, error) { return "", ErrUnsupported }

// SetLowLatency disables Nagle and enables keepalive.
func SetLowLatency(fd int) error {
	h := syscall.Handle(fd)
	if err := syscall.SetsockoptInt(h, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1); err != nil {
		return err
	}
	return syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)
}

// ReadBuffers returns the raw SO_RCVBUF and SO_SNDBUF values.
func ReadBuffers(fd int) (rcv, snd int, err error) {
	h := syscall.Handle(fd)
	rcv, err = syscall.GetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF)
	if err != nil {
		return 0, 0, err
	}
	snd, err = syscall.GetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_SNDBUF)
	if err != nil {
		return rcv, 0, err
	}
	return rcv, snd, nil
}

func SmoothedRTT(int) (time.Duration, error) { return 0, ErrUnsupported }
