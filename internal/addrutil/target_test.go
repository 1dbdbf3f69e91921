package addrutil

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
	ports map[string]int
}

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if a, ok := f.addrs[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (f fakeResolver) LookupPort(_ context.Context, _, service string) (int, error) {
	if p, ok := f.ports[service]; ok {
		return p, nil
	}
	return 0, errors.New("unknown port")
}

func TestWithDefaultPort(t *testing.T) {
	cases := map[string]string{
		"example.com":         "example.com:443",
		"example.com:8443":    "example.com:8443",
		"1.1.1.1":             "1.1.1.1:443",
		"1.1.1.1:80":          "1.1.1.1:80",
		"2001:db8::1":         "[2001:db8::1]:443",
		"[2001:db8::1]":       "[2001:db8::1]:443",
		"[2001:db8::1]:51900": "[2001:db8::1]:51900",
		"  example.com  ":     "example.com:443",
		"":                    "",
	}
	for in, want := range cases {
		if got := WithDefaultPort(in, 443); got != want {
			t.Fatalf("WithDefaultPort(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestResolve_FirstCandidateWins(t *testing.T) {
	r := fakeResolver{addrs: map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}, {IP: net.ParseIP("2606:2800:220:1::")}},
	}}

	ap, err := Resolve(context.Background(), r, "example.com", 443)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ap.String() != "93.184.216.34:443" {
		t.Fatalf("addr=%s", ap)
	}
}

func TestResolve_KeepsZone(t *testing.T) {
	r := fakeResolver{addrs: map[string][]net.IPAddr{
		"router.local": {{IP: net.ParseIP("fe80::1"), Zone: "eth0"}},
	}}

	ap, err := Resolve(context.Background(), r, "router.local", 443)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ap.Addr().Zone() != "eth0" || ap.String() != "[fe80::1%eth0]:443" {
		t.Fatalf("addr=%s", ap)
	}
}

func TestResolve_LiteralAndNamedPort(t *testing.T) {
	r := fakeResolver{ports: map[string]int{"https": 443}}

	ap, err := Resolve(context.Background(), r, "10.0.0.1:https", 443)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ap.String() != "10.0.0.1:443" {
		t.Fatalf("addr=%s", ap)
	}

	ap, err = Resolve(context.Background(), r, "::ffff:10.0.0.2", 80)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ap.Addr().Is4() {
		t.Fatalf("mapped address not unmapped: %s", ap)
	}
}

func TestResolve_NotFound(t *testing.T) {
	_, err := Resolve(context.Background(), fakeResolver{}, "nowhere.invalid", 443)
	if err == nil {
		t.Fatal("expected error")
	}
}
