// Package stunutil discovers the public mapping of each probe interface so
// an operator can confirm the interfaces egress separately.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/pion/stun/v3"

	"tcpscan/internal/addrutil"
	"tcpscan/internal/sockopt"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

const defaultSTUNPort = 3478

// Binder matches probe.Binder.
type Binder interface {
	Bind(fd int, iface string) error
}

// Report is the doctor result for one interface.
type Report struct {
	Interface  string
	LocalAddr  string
	PublicAddr string
	NATType    string
	Mapped     []string
	// BindErr is the binder's error, if any. The query still runs over the
	// default route in that case.
	BindErr error
}

// ProbeInterface binds one UDP socket to iface and sends a binding request
// to every server from it. Using a single socket makes the mapped addresses
// comparable for NAT classification.
func ProbeInterface(ctx context.Context, iface string, binder Binder, servers []string, timeout time.Duration) (Report, error) {
	rep := Report{Interface: iface, NATType: NATTypeUnknown}
	if len(servers) == 0 {
		return rep, fmt.Errorf("no STUN servers provided")
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return sockopt.WithFD(rc, func(fd int) error {
				rep.BindErr = binder.Bind(fd, iface)
				return nil
			})
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return rep, err
	}
	defer pc.Close()
	rep.LocalAddr = pc.LocalAddr().String()

	var lastErr error
	for _, server := range servers {
		addr, err := resolve(ctx, server)
		if err != nil {
			lastErr = err
			continue
		}
		mapped, err := query(ctx, pc, addr, timeout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		rep.Mapped = append(rep.Mapped, mapped)
	}

	if len(rep.Mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return rep, lastErr
	}
	rep.PublicAddr = rep.Mapped[0]
	rep.NATType = Classify(rep.Mapped)
	return rep, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	symmetric := false
	for _, addr := range addrs[1:] {
		if addr != first {
			symmetric = true
			break
		}
	}
	if symmetric {
		return NATTypeSymmetric
	}
	return NATTypeConeOrRestricted
}

func resolve(ctx context.Context, server string) (*net.UDPAddr, error) {
	target := strings.TrimSpace(server)
	target = strings.TrimPrefix(target, "stun:")
	if target == "" {
		return nil, fmt.Errorf("empty STUN server")
	}
	ap, err := addrutil.Resolve(ctx, net.DefaultResolver, target, defaultSTUNPort)
	if err != nil {
		return nil, err
	}
	if !ap.Addr().Is4() {
		return nil, fmt.Errorf("%s: only IPv4 STUN servers are supported", server)
	}
	return net.UDPAddrFromAddrPort(ap), nil
}

func query(ctx context.Context, pc net.PacketConn, addr net.Addr, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetDeadline(deadline); err != nil {
		return "", err
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if _, err := pc.WriteTo(req.Raw, addr); err != nil {
		return "", err
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", fmt.Errorf("no STUN response within %s", timeout)
			}
			return "", err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		// Late answers to an earlier server share the socket.
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return "", fmt.Errorf("unexpected STUN response %s", res.Type)
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return "", err
		}
		return xor.String(), nil
	}
}
