//go:build linux

package sockopt

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	// BindSupported reports whether BindToDevice is implemented.
	BindSupported = true
	// DoublesBuffers is true where the kernel reports twice the usable buffer.
	DoublesBuffers = true
)

// BindToDevice sets SO_BINDTODEVICE. It needs CAP_NET_RAW.
func BindToDevice(fd int, name string) error {
	return unix.BindToDevice(fd, name)
}

// BoundDevice reads SO_BINDTODEVICE back from the kernel.
func BoundDevice(fd int) (string, error) {
	return unix.GetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE)
}

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

// SmoothedRTT returns the kernel's smoothed RTT from TCP_INFO. Zero means the
// kernel has not measured one yet.
func SmoothedRTT(fd int) (time.Duration, error) {
	ti, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return 0, err
	}
	return time.Duration(ti.Rtt) * time.Microsecond, nil
}
