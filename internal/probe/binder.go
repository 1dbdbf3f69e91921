package probe

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"tcpscan/internal/logging"
	"tcpscan/internal/sockopt"
)

// Binder constrains a socket to egress via a named interface. It runs on the
// raw descriptor before connect.
type Binder interface {
	Bind(fd int, iface string) error
}

// NewBinder returns the binder for this platform: SO_BINDTODEVICE where the
// kernel supports it, otherwise a binder that only warns.
func NewBinder(verify bool, log *zap.Logger) Binder {
	if sockopt.BindSupported {
		return DeviceBinder{Verify: verify}
	}
	return NewWarnOnceBinder(log)
}

// DeviceBinder issues SO_BINDTODEVICE and optionally reads it back, so a
// kernel that accepts the option without applying it is caught.
type DeviceBinder struct {
	Verify bool
}

func (b DeviceBinder) Bind(fd int, iface string) error {
	if strings.IndexByte(iface, 0) >= 0 {
		return &BindError{Interface: iface, Err: ErrInvalidInterface}
	}
	if err := sockopt.BindToDevice(fd, iface); err != nil {
		return &BindError{Interface: iface, Err: err}
	}
	if !b.Verify {
		return nil
	}
	got, err := sockopt.BoundDevice(fd)
	if err != nil {
		return &BindError{Interface: iface, Err: err}
	}
	if got != iface {
		return &BindError{Interface: iface, Bound: got, Err: ErrBindMismatch}
	}
	return nil
}

// WarnOnceBinder is used where interface binding is unavailable. It always
// succeeds and logs one warning per distinct interface for the life of the
// process.
type WarnOnceBinder struct {
	log  *zap.Logger
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewWarnOnceBinder(log *zap.Logger) *WarnOnceBinder {
	if log == nil {
		log = logging.Named("bind")
	}
	return &WarnOnceBinder{log: log, seen: make(map[string]struct{})}
}

func (b *WarnOnceBinder) Bind(_ int, iface string) error {
	b.mu.Lock()
	_, warned := b.seen[iface]
	if !warned {
		b.seen[iface] = struct{}{}
	}
	b.mu.Unlock()

	if !warned {
		b.log.Warn("binding to a specific interface is only supported on Linux; option ignored",
			zap.String("interface", iface))
	}
	return nil
}
