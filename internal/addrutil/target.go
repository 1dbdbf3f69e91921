package addrutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Resolver is the subset of *net.Resolver used for target resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// WithDefaultPort returns target as "host:port", appending defaultPort when
// the target has none.
//
// Raw IPv6 literals are ambiguous with "host:port" when split on the last
// colon, so they are recognised first and always get the default port. Use
// "[2001:db8::1]:8443" to give an IPv6 target an explicit port.
func WithDefaultPort(target string, defaultPort int) string {
	t := strings.TrimSpace(target)
	if t == "" {
		return ""
	}

	if ip, err := netip.ParseAddr(t); err == nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(defaultPort))
	}
	if _, _, err := net.SplitHostPort(t); err == nil {
		return t
	}
	// "[::1]" without a port.
	if strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") {
		return net.JoinHostPort(strings.Trim(t, "[]"), strconv.Itoa(defaultPort))
	}
	return net.JoinHostPort(t, strconv.Itoa(defaultPort))
}

// Resolve turns an operator-supplied target into one address. The first
// candidate returned by the resolver wins so repeated cycles hit the same
// server for a stable label.
func Resolve(ctx context.Context, r Resolver, target string, defaultPort int) (netip.AddrPort, error) {
	hostPort := WithDefaultPort(target, defaultPort)
	if hostPort == "" {
		return netip.AddrPort{}, fmt.Errorf("empty server target")
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return netip.AddrPort{}, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		p, lerr := r.LookupPort(ctx, "tcp", portStr)
		if lerr != nil {
			return netip.AddrPort{}, lerr
		}
		port = uint64(p)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		return netip.AddrPortFrom(ip.Unmap().WithZone(a.Zone), uint16(port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("could not resolve address %q", target)
}
