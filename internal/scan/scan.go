// Package scan runs the measurement cycle: every configured interface
// against every server, on a fixed cadence, until the context ends.
package scan

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"tcpscan/internal/logging"
	"tcpscan/internal/metrics"
	"tcpscan/internal/model"
	"tcpscan/internal/probe"
)

// Prober resolves targets and probes them. *probe.Prober implements it.
type Prober interface {
	Resolve(ctx context.Context, target string) (netip.AddrPort, error)
	Probe(ctx context.Context, iface string, addr netip.AddrPort) (probe.Result, error)
}

// Recorder receives raw samples. *metrics.Registry implements it.
type Recorder interface {
	Record(iface, serverIP string, bps float64, rtt time.Duration, window int)
	RecordError(iface, serverIP, kind string)
	Forget(iface, serverIP string)
	RecordAverage(iface string, bps float64)
	ClearAverage(iface string)
}

type Options struct {
	Interfaces     []string
	Servers        []string
	Interval       time.Duration
	ServerDelay    time.Duration
	InterfaceDelay time.Duration
	// HistoryPath, when set, receives every sample as a CSV row.
	HistoryPath string
	// Out receives one summary line per interface per cycle.
	Out    io.Writer
	Logger *zap.Logger
}

type Loop struct {
	prober Prober
	rec    Recorder
	opts   Options
	log    *zap.Logger
	now    func() time.Time

	// labels holds the server_ip label last recorded for each
	// (interface, target). Only touched from the cycle goroutine.
	labels map[pair]string
}

type pair struct {
	iface  string
	target string
}

func New(p Prober, rec Recorder, opts Options) *Loop {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("scan")
	}
	return &Loop{prober: p, rec: rec, opts: opts, log: log.With(zap.String("component", "scan")), now: time.Now, labels: make(map[pair]string)}
}

// Run cycles until ctx is done and returns ctx.Err(). An in-flight probe is
// not interrupted beyond its own connect timeout.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Cycle(ctx)
		if !sleep(ctx, l.opts.Interval) {
			return ctx.Err()
		}
	}
}

// Cycle runs one pass over all interfaces and returns the samples taken.
func (l *Loop) Cycle(ctx context.Context) []model.Sample {
	var samples []model.Sample
	for _, iface := range l.opts.Interfaces {
		if ctx.Err() != nil {
			break
		}
		samples = append(samples, l.scanInterface(ctx, iface)...)
		if !sleep(ctx, l.opts.InterfaceDelay) {
			break
		}
	}

	if l.opts.HistoryPath != "" && len(samples) > 0 {
		if err := metrics.AppendCSV(l.opts.HistoryPath, samples); err != nil {
			l.log.Warn("append history failed", zap.String("path", l.opts.HistoryPath), zap.Error(err))
		}
	}
	return samples
}

func (l *Loop) scanInterface(ctx context.Context, iface string) []model.Sample {
	samples := make([]model.Sample, 0, len(l.opts.Servers))
	cells := make([]string, 0, len(l.opts.Servers))
	var sum float64
	ok := 0

	for _, target := range l.opts.Servers {
		if ctx.Err() != nil {
			break
		}
		s := l.measure(ctx, iface, target)
		samples = append(samples, s)
		cells = append(cells, cell(s))
		if s.OK() {
			sum += s.BitsPerSecond
			ok++
		}
		if !sleep(ctx, l.opts.ServerDelay) {
			break
		}
	}

	line := fmt.Sprintf("%s: |%s|", iface, strings.Join(cells, "|"))
	if ok > 0 {
		avg := sum / float64(ok)
		l.rec.RecordAverage(iface, avg)
		line += fmt.Sprintf(" avg:%.0fMbps", avg/1e6)
	} else {
		l.rec.ClearAverage(iface)
	}
	fmt.Fprintln(l.opts.Out, line)
	return samples
}

func (l *Loop) measure(ctx context.Context, iface, target string) model.Sample {
	s := model.Sample{Timestamp: l.now().UTC(), Interface: iface, Server: target}

	addr, err := l.prober.Resolve(ctx, target)
	if err != nil {
		s.Error = string(probe.KindOf(err))
		l.log.Warn("resolve failed", zap.String("interface", iface), zap.String("server", target), zap.Error(err))
		l.relabel(iface, target, target)
		l.rec.RecordError(iface, target, s.Error)
		return s
	}
	s.ServerIP = addr.Addr().String()
	l.relabel(iface, target, s.ServerIP)

	res, err := l.prober.Probe(ctx, iface, addr)
	if err != nil {
		s.Error = string(probe.KindOf(err))
		l.log.Warn("probe failed",
			zap.String("interface", iface),
			zap.String("server", target),
			zap.String("kind", s.Error),
			zap.Error(err))
		l.rec.RecordError(iface, s.ServerIP, s.Error)
		return s
	}

	s.RTTMs = float64(res.RTT.Microseconds()) / 1000.0
	s.WindowBytes = res.Window
	s.BitsPerSecond = res.BitsPerSecond
	l.rec.Record(iface, s.ServerIP, res.BitsPerSecond, res.RTT, res.Window)
	return s
}

// relabel records that (iface, target) now reports under label. Series left
// under the previous label are removed unless another target of the same
// interface still reports there.
func (l *Loop) relabel(iface, target, label string) {
	key := pair{iface: iface, target: target}
	prev, ok := l.labels[key]
	l.labels[key] = label
	if !ok || prev == label {
		return
	}
	for k, v := range l.labels {
		if k.iface == iface && v == prev {
			return
		}
	}
	l.rec.Forget(iface, prev)
}

func cell(s model.Sample) string {
	switch {
	case s.OK():
		return fmt.Sprintf("%s:%.0fMbps", s.ServerIP, s.Mbps())
	case s.ServerIP == "":
		return s.Server + ":N/A"
	default:
		return s.ServerIP + ":ERR"
	}
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
