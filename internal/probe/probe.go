// Package probe estimates single-connection TCP throughput to a server by
// timing a handshake over a chosen interface and dividing the socket's
// effective window by the round-trip time.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tcpscan/internal/addrutil"
	"tcpscan/internal/config"
	"tcpscan/internal/logging"
	"tcpscan/internal/sockopt"
)

// RTTSourceKernel and RTTSourceHandshake record where Result.RTT came from.
const (
	RTTSourceKernel    = "tcp_info"
	RTTSourceHandshake = "handshake"
)

// Result is one successful probe.
type Result struct {
	RTT           time.Duration
	Handshake     time.Duration
	RTTSource     string
	Window        int
	BitsPerSecond float64
}

// Introspector reads state from a connected socket. The kernel implementation
// is used in production; tests substitute fixed values.
type Introspector interface {
	SmoothedRTT(fd int) (time.Duration, error)
	Buffers(fd int) (sockopt.Buffers, error)
}

// Kernel is the Introspector backed by getsockopt.
type Kernel struct{}

func (Kernel) SmoothedRTT(fd int) (time.Duration, error) {
	return sockopt.SmoothedRTT(fd)
}

// Buffers returns usable buffer sizes. A failed SO_SNDBUF read after a good
// SO_RCVBUF read is not an error; the window falls back to the receive side.
func (Kernel) Buffers(fd int) (sockopt.Buffers, error) {
	rcv, snd, err := sockopt.ReadBuffers(fd)
	if err != nil && rcv <= 0 {
		return sockopt.Buffers{}, err
	}
	return sockopt.Buffers{Receive: sockopt.Usable(rcv), Send: sockopt.Usable(snd)}, nil
}

// Options configures a Prober. Zero values take the config defaults.
type Options struct {
	Timeout      time.Duration
	Efficiency   float64
	LowLatency   bool
	DefaultPort  int
	Binder       Binder
	Introspector Introspector
	Resolver     addrutil.Resolver
	Logger       *zap.Logger
}

// Prober runs probes. It holds no per-probe state and is safe for concurrent use.
type Prober struct {
	timeout     time.Duration
	efficiency  float64
	lowLatency  bool
	defaultPort int
	binder      Binder
	intro       Introspector
	resolver    addrutil.Resolver
	log         *zap.Logger
}

func New(opts Options) *Prober {
	p := &Prober{
		timeout:     opts.Timeout,
		efficiency:  opts.Efficiency,
		lowLatency:  opts.LowLatency,
		defaultPort: opts.DefaultPort,
		binder:      opts.Binder,
		intro:       opts.Introspector,
		resolver:    opts.Resolver,
		log:         opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = config.DefaultConnectTimeout
	}
	if p.efficiency <= 0 || p.efficiency > 1 {
		p.efficiency = config.DefaultEfficiency
	}
	if p.defaultPort <= 0 {
		p.defaultPort = config.DefaultServerPort
	}
	if p.log == nil {
		p.log = logging.Named("probe")
	}
	if p.binder == nil {
		p.binder = NewBinder(true, p.log)
	}
	if p.intro == nil {
		p.intro = Kernel{}
	}
	if p.resolver == nil {
		p.resolver = net.DefaultResolver
	}
	return p
}

// Resolve turns a server target into an address. Failures are KindNotFound.
func (p *Prober) Resolve(ctx context.Context, target string) (netip.AddrPort, error) {
	addr, err := addrutil.Resolve(ctx, p.resolver, target, p.defaultPort)
	if err != nil {
		return netip.AddrPort{}, newError(KindNotFound, "resolve", err)
	}
	return addr, nil
}

// Probe opens one TCP connection to addr through iface, measures it and
// closes it. It never retries.
func (p *Prober) Probe(ctx context.Context, iface string, addr netip.AddrPort) (Result, error) {
	log := p.log.With(zap.String("interface", iface), zap.String("server_ip", addr.Addr().String()))

	d := net.Dialer{
		Timeout: p.timeout,
		Control: func(_, _ string, rc syscall.RawConn) error {
			return sockopt.WithFD(rc, func(fd int) error {
				if p.lowLatency {
					if err := sockopt.SetLowLatency(fd); err != nil {
						log.Debug("low latency options not applied", zap.Error(err))
					}
				}
				if err := p.binder.Bind(fd, iface); err != nil {
					log.Warn("interface bind failed; probing over default route", zap.Error(err))
				}
				return nil
			})
		},
	}

	network := "tcp4"
	if addr.Addr().Is6() {
		network = "tcp6"
	}

	start := time.Now()
	conn, err := d.DialContext(ctx, network, addr.String())
	handshake := time.Since(start)
	if err != nil {
		return Result{}, classifyDial(err)
	}
	defer conn.Close()

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return Result{}, newError(KindOSError, "connect", fmt.Errorf("unexpected connection type %T", conn))
	}
	rc, err := tcp.SyscallConn()
	if err != nil {
		return Result{}, newError(KindOSError, "syscall conn", err)
	}

	res := Result{Handshake: handshake}
	var bufs sockopt.Buffers
	var srtt time.Duration
	var rttErr error
	ctrlErr := sockopt.WithFD(rc, func(fd int) error {
		b, err := p.intro.Buffers(fd)
		if err != nil {
			return err
		}
		bufs = b
		srtt, rttErr = p.intro.SmoothedRTT(fd)
		return nil
	})
	if ctrlErr != nil {
		return Result{}, newError(KindOSError, "getsockopt", ctrlErr)
	}

	res.Window = bufs.Window()
	if rttErr == nil && srtt > 0 {
		res.RTT = srtt
		res.RTTSource = RTTSourceKernel
	} else {
		res.RTT = handshake / 2
		res.RTTSource = RTTSourceHandshake
		if rttErr != nil && !errors.Is(rttErr, sockopt.ErrUnsupported) {
			log.Debug("kernel rtt unavailable", zap.Error(rttErr))
		}
	}
	res.BitsPerSecond = Throughput(res.Window, res.RTT, p.efficiency)

	log.Debug("probe ok",
		zap.Duration("rtt", res.RTT),
		zap.String("rtt_source", res.RTTSource),
		zap.Int("window", res.Window),
		zap.Float64("bps", res.BitsPerSecond))
	return res, nil
}

// Throughput returns window*8/rtt in bits per second, scaled by efficiency
// when it is in (0,1). A non-positive rtt or window yields 0.
func Throughput(window int, rtt time.Duration, efficiency float64) float64 {
	if rtt <= 0 || window <= 0 {
		return 0
	}
	bps := float64(window) * 8 * float64(time.Second) / float64(rtt)
	if efficiency > 0 && efficiency < 1 {
		bps *= efficiency
	}
	if math.IsInf(bps, 0) || math.IsNaN(bps) {
		return 0
	}
	return bps
}

func classifyDial(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return newError(KindTimeout, "connect", err)
	default:
		return newError(KindConnectFailed, "connect", err)
	}
}
