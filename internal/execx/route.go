package execx

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Route is the kernel's answer to "ip route get" for one destination.
type Route struct {
	Dst netip.Addr
	Dev string
	Src string
	Via string
}

// ErrNoRoute is returned when the output carries no "dev" field.
var ErrNoRoute = errors.New("no route")

// LookupRoute asks the kernel which route a packet to dst would take when
// forced out of iface.
func LookupRoute(ctx context.Context, r Runner, dst netip.Addr, iface string) (Route, error) {
	args := []string{"-o", "route", "get", dst.String()}
	if iface != "" {
		args = append(args, "oif", iface)
	}
	out, err := r.Output(ctx, "ip", args...)
	if err != nil {
		return Route{}, err
	}
	rt, err := ParseRoute(out)
	if err != nil {
		return Route{}, fmt.Errorf("route to %s via %s: %w", dst, iface, err)
	}
	rt.Dst = dst
	return rt, nil
}

// ParseRoute extracts dev, src and via from one line of "ip -o route get".
func ParseRoute(out string) (Route, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Fields(line)

	var rt Route
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "dev":
			rt.Dev = fields[i+1]
		case "src":
			rt.Src = fields[i+1]
		case "via":
			rt.Via = fields[i+1]
		default:
			continue
		}
		i++
	}
	if rt.Dev == "" {
		return Route{}, ErrNoRoute
	}
	return rt, nil
}
