//go:build !unix && !windows

package sockopt

import "time"

const (
	BindSupported  = false
	DoublesBuffers = false
)

func BindToDevice(int, string) error { return ErrUnsupported }

func BoundDevice(int) (string, error) { return "", ErrUnsupported }

func SetLowLatency(int) error { return ErrUnsupported }

func ReadBuffers(int) (int, int, error) { return 0, 0, ErrUnsupported }

func SmoothedRTT(int) (time.Duration, error) { return 0, ErrUnsupported }
