package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"tcpscan/internal/correction"
	"tcpscan/internal/metrics"
	"tcpscan/internal/probe"
	"tcpscan/internal/sockopt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProber struct {
	mu      sync.Mutex
	addrs   map[string]netip.AddrPort
	results map[string]probe.Result
	errs    map[string]error
	probes  int
}

func (f *fakeProber) Resolve(_ context.Context, target string) (netip.AddrPort, error) {
	addr, ok := f.addrs[target]
	if !ok {
		return netip.AddrPort{}, &probe.Error{Kind: probe.KindNotFound, Op: "resolve", Err: errors.New("no such host")}
	}
	return addr, nil
}

func (f *fakeProber) Probe(_ context.Context, iface string, addr netip.AddrPort) (probe.Result, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	key := iface + "/" + addr.Addr().String()
	if err, ok := f.errs[key]; ok {
		return probe.Result{}, err
	}
	return f.results[key], nil
}

func (f *fakeProber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func result(rtt time.Duration, window int) probe.Result {
	return probe.Result{RTT: rtt, Window: window, BitsPerSecond: probe.Throughput(window, rtt, 1)}
}

func value(t *testing.T, reg *metrics.Registry, name string, labels ...string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, labels) {
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func matches(m *dto.Metric, labels []string) bool {
	got := make(map[string]string)
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for i := 0; i+1 < len(labels); i += 2 {
		if got[labels[i]] != labels[i+1] {
			return false
		}
	}
	return true
}

func TestCycle_EndToEnd(t *testing.T) {
	store := correction.New(1)
	reg := metrics.NewRegistry(store)
	p := &fakeProber{
		addrs:   map[string]netip.AddrPort{"example.com:443": netip.MustParseAddrPort("93.184.216.34:443")},
		results: map[string]probe.Result{"eth0/93.184.216.34": result(20*time.Millisecond, 65536)},
	}
	var out bytes.Buffer
	l := New(p, reg, Options{
		Interfaces: []string{"eth0"},
		Servers:    []string{"example.com:443"},
		Out:        &out,
		Logger:     zaptest.NewLogger(t),
	})

	samples := l.Cycle(context.Background())
	require.Len(t, samples, 1)
	assert.Equal(t, 26214400.0, samples[0].BitsPerSecond)
	assert.Equal(t, "93.184.216.34", samples[0].ServerIP)
	assert.Equal(t, 20.0, samples[0].RTTMs)

	raw, ok := value(t, reg, "tcp_traffic_scan_tcp_bandwidth_bps", "interface", "eth0", "server_ip", "93.184.216.34")
	require.True(t, ok)
	assert.Equal(t, 26214400.0, raw)

	require.NoError(t, store.Set("eth0", 2.0))
	corrected, _ := value(t, reg, "tcp_traffic_scan_tcp_bandwidth_bps", "interface", "eth0", "server_ip", "93.184.216.34")
	assert.Equal(t, 52428800.0, corrected)
	avg, _ := value(t, reg, "tcp_traffic_scan_interface_bandwidth_bps", "interface", "eth0")
	assert.Equal(t, 52428800.0, avg)

	assert.Equal(t, "eth0: |93.184.216.34:26Mbps| avg:26Mbps\n", out.String())
}

func TestCycle_ErrorsAndAverage(t *testing.T) {
	reg := metrics.NewRegistry(correction.New(1))
	p := &fakeProber{
		addrs: map[string]netip.AddrPort{
			"a": netip.MustParseAddrPort("10.0.0.1:443"),
			"b": netip.MustParseAddrPort("10.0.0.2:443"),
			"c": netip.MustParseAddrPort("10.0.0.3:443"),
		},
		results: map[string]probe.Result{
			"eth0/10.0.0.1": {BitsPerSecond: 10e6},
			"eth0/10.0.0.3": {BitsPerSecond: 30e6},
		},
		errs: map[string]error{
			"eth0/10.0.0.2":  &probe.Error{Kind: probe.KindTimeout, Op: "connect", Err: errors.New("i/o timeout")},
			"wlan0/10.0.0.1": &probe.Error{Kind: probe.KindConnectFailed, Op: "connect", Err: errors.New("refused")},
			"wlan0/10.0.0.2": &probe.Error{Kind: probe.KindConnectFailed, Op: "connect", Err: errors.New("refused")},
			"wlan0/10.0.0.3": &probe.Error{Kind: probe.KindConnectFailed, Op: "connect", Err: errors.New("refused")},
		},
	}
	var out bytes.Buffer
	l := New(p, reg, Options{
		Interfaces: []string{"eth0", "wlan0"},
		Servers:    []string{"a", "b", "c", "missing.invalid"},
		Out:        &out,
	})

	// Seed a previous average for wlan0; a cycle with no successes removes it.
	reg.RecordAverage("wlan0", 1)

	samples := l.Cycle(context.Background())
	require.Len(t, samples, 8)

	avg, ok := value(t, reg, "tcp_traffic_scan_interface_bandwidth_bps", "interface", "eth0")
	require.True(t, ok)
	assert.Equal(t, 20e6, avg)
	_, ok = value(t, reg, "tcp_traffic_scan_interface_bandwidth_bps", "interface", "wlan0")
	assert.False(t, ok)

	up, ok := value(t, reg, "tcp_traffic_scan_probe_up", "interface", "eth0", "server_ip", "10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, 0.0, up)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "eth0: |10.0.0.1:10Mbps|10.0.0.2:ERR|10.0.0.3:30Mbps|missing.invalid:N/A| avg:20Mbps", lines[0])
	assert.Equal(t, "wlan0: |10.0.0.1:ERR|10.0.0.2:ERR|10.0.0.3:ERR|missing.invalid:N/A|", lines[1])

	kinds := map[string]int{}
	for _, s := range samples {
		kinds[s.Error]++
	}
	assert.Equal(t, map[string]int{"": 2, "timeout": 1, "connect_failed": 3, "not_found": 2}, kinds)
}

func TestCycle_ResolutionChangesRemoveOldSeries(t *testing.T) {
	reg := metrics.NewRegistry(correction.New(1))
	p := &fakeProber{
		addrs: map[string]netip.AddrPort{"srv": netip.MustParseAddrPort("10.0.0.1:443")},
		results: map[string]probe.Result{
			"eth0/10.0.0.1": result(20*time.Millisecond, 65536),
			"eth0/10.0.0.9": result(20*time.Millisecond, 65536),
		},
	}
	l := New(p, reg, Options{Interfaces: []string{"eth0"}, Servers: []string{"srv"}})
	const bw = "tcp_traffic_scan_tcp_bandwidth_bps"
	const up = "tcp_traffic_scan_probe_up"

	l.Cycle(context.Background())
	_, ok := value(t, reg, bw, "interface", "eth0", "server_ip", "10.0.0.1")
	require.True(t, ok)

	delete(p.addrs, "srv")
	l.Cycle(context.Background())
	_, ok = value(t, reg, bw, "interface", "eth0", "server_ip", "10.0.0.1")
	assert.False(t, ok, "bandwidth for the previous address still rendered")
	_, ok = value(t, reg, up, "interface", "eth0", "server_ip", "10.0.0.1")
	assert.False(t, ok, "up for the previous address still rendered")
	down, ok := value(t, reg, up, "interface", "eth0", "server_ip", "srv")
	require.True(t, ok)
	assert.Equal(t, 0.0, down)

	p.addrs["srv"] = netip.MustParseAddrPort("10.0.0.9:443")
	l.Cycle(context.Background())
	_, ok = value(t, reg, up, "interface", "eth0", "server_ip", "srv")
	assert.False(t, ok)
	v, ok := value(t, reg, bw, "interface", "eth0", "server_ip", "10.0.0.9")
	require.True(t, ok)
	assert.Equal(t, 26214400.0, v)
}

func TestCycle_SharedAddressKeepsSeries(t *testing.T) {
	reg := metrics.NewRegistry(correction.New(1))
	p := &fakeProber{
		addrs: map[string]netip.AddrPort{
			"a": netip.MustParseAddrPort("10.0.0.1:443"),
			"b": netip.MustParseAddrPort("10.0.0.1:443"),
		},
		results: map[string]probe.Result{"eth0/10.0.0.1": result(20*time.Millisecond, 65536)},
	}
	l := New(p, reg, Options{Interfaces: []string{"eth0"}, Servers: []string{"a", "b"}})

	l.Cycle(context.Background())
	delete(p.addrs, "b")
	l.Cycle(context.Background())

	v, ok := value(t, reg, "tcp_traffic_scan_tcp_bandwidth_bps", "interface", "eth0", "server_ip", "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 26214400.0, v)
}

func TestCycle_WritesHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	p := &fakeProber{
		addrs:   map[string]netip.AddrPort{"a": netip.MustParseAddrPort("10.0.0.1:443")},
		results: map[string]probe.Result{"eth0/10.0.0.1": result(time.Millisecond, 1000)},
	}
	l := New(p, metrics.NewRegistry(correction.New(1)), Options{
		Interfaces:  []string{"eth0"},
		Servers:     []string{"a", "b"},
		HistoryPath: path,
	})
	l.Cycle(context.Background())
	l.Cycle(context.Background())

	items, err := metrics.ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, 8e6, items[0].BitsPerSecond)
	assert.Equal(t, "not_found", items[1].Error)
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := &fakeProber{
		addrs:   map[string]netip.AddrPort{"a": netip.MustParseAddrPort("10.0.0.1:443")},
		results: map[string]probe.Result{"eth0/10.0.0.1": result(time.Millisecond, 1000)},
	}
	l := New(p, metrics.NewRegistry(correction.New(1)), Options{
		Interfaces:     []string{"eth0"},
		Servers:        []string{"a"},
		Interval:       time.Hour,
		ServerDelay:    time.Millisecond,
		InterfaceDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return p.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, p.count())
}

type fixedIntrospector struct{}

func (fixedIntrospector) SmoothedRTT(int) (time.Duration, error) { return 20 * time.Millisecond, nil }
func (fixedIntrospector) Buffers(int) (sockopt.Buffers, error) {
	return sockopt.Buffers{Receive: 65536, Send: 65536}, nil
}

type nopBinder struct{}

func (nopBinder) Bind(int, string) error { return nil }

func TestCycle_RealProberLoopback(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	port := ln.Addr().(*net.TCPAddr).Port
	prober := probe.New(probe.Options{
		Timeout:      time.Second,
		Binder:       nopBinder{},
		Introspector: fixedIntrospector{},
	})
	reg := metrics.NewRegistry(correction.New(1))
	var out bytes.Buffer
	l := New(prober, reg, Options{
		Interfaces: []string{"lo"},
		Servers:    []string{fmt.Sprintf("127.0.0.1:%d", port)},
		Out:        &out,
	})

	samples := l.Cycle(context.Background())
	require.Len(t, samples, 1)
	require.True(t, samples[0].OK(), "error: %s", samples[0].Error)
	assert.Equal(t, 26214400.0, samples[0].BitsPerSecond)
	assert.Equal(t, "lo: |127.0.0.1:26Mbps| avg:26Mbps\n", out.String())
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, sleep(ctx, 0))
	assert.True(t, sleep(ctx, time.Millisecond))
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.False(t, sleep(ctx, 0))
}
