package metrics

import (
	"io"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"tcpscan/internal/correction"
)

const namespace = "tcp_traffic_scan"

const (
	labelInterface = "interface"
	labelServerIP  = "server_ip"
	labelKind      = "kind"
)

var textFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

// Corrections supplies the correction state applied at render time.
type Corrections interface {
	Snapshot() correction.Snapshot
}

// Registry holds raw probe samples. Values are stored exactly as measured;
// correction factors are applied only to the rendered copy.
type Registry struct {
	reg         *prometheus.Registry
	corrections Corrections

	bandwidth *prometheus.GaugeVec
	average   *prometheus.GaugeVec
	rtt       *prometheus.GaugeVec
	window    *prometheus.GaugeVec
	up        *prometheus.GaugeVec
	errors    *prometheus.CounterVec

	// corrected lists the fully-qualified family names rewritten by Render.
	corrected map[string]struct{}
}

func NewRegistry(c Corrections) *Registry {
	r := &Registry{
		reg:         prometheus.NewRegistry(),
		corrections: c,
		bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_bandwidth_bps",
			Help:      "Estimated TCP bandwidth per interface and server in bits per second (window*8/rtt).",
		}, []string{labelInterface, labelServerIP}),
		average: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interface_bandwidth_bps",
			Help:      "Mean of the last cycle's successful bandwidth estimates per interface in bits per second.",
		}, []string{labelInterface}),
		rtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time used for the last estimate.",
		}, []string{labelInterface, labelServerIP}),
		window: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_bytes",
			Help:      "Effective socket window used for the last estimate.",
		}, []string{labelInterface, labelServerIP}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_up",
			Help:      "Whether the last probe succeeded (1) or failed (0).",
		}, []string{labelInterface, labelServerIP}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_errors_total",
			Help:      "Failed probes by error kind.",
		}, []string{labelInterface, labelServerIP, labelKind}),
	}
	r.reg.MustRegister(r.bandwidth, r.average, r.rtt, r.window, r.up, r.errors)
	r.corrected = map[string]struct{}{
		prometheus.BuildFQName(namespace, "", "tcp_bandwidth_bps"):       {},
		prometheus.BuildFQName(namespace, "", "interface_bandwidth_bps"): {},
	}
	return r
}

// Record overwrites the sample for (iface, serverIP).
func (r *Registry) Record(iface, serverIP string, bps float64, rtt time.Duration, window int) {
	r.bandwidth.WithLabelValues(iface, serverIP).Set(bps)
	r.rtt.WithLabelValues(iface, serverIP).Set(rtt.Seconds())
	r.window.WithLabelValues(iface, serverIP).Set(float64(window))
	r.up.WithLabelValues(iface, serverIP).Set(1)
}

// RecordError marks (iface, serverIP) as failed for this cycle. Its numeric
// samples are removed so no stale value is rendered.
func (r *Registry) RecordError(iface, serverIP, kind string) {
	r.bandwidth.DeleteLabelValues(iface, serverIP)
	r.rtt.DeleteLabelValues(iface, serverIP)
	r.window.DeleteLabelValues(iface, serverIP)
	r.up.WithLabelValues(iface, serverIP).Set(0)
	r.errors.WithLabelValues(iface, serverIP, kind).Inc()
}

// Forget removes every gauge for (iface, serverIP). Error counters are kept.
func (r *Registry) Forget(iface, serverIP string) {
	r.bandwidth.DeleteLabelValues(iface, serverIP)
	r.rtt.DeleteLabelValues(iface, serverIP)
	r.window.DeleteLabelValues(iface, serverIP)
	r.up.DeleteLabelValues(iface, serverIP)
}

// RecordAverage overwrites the per-interface cycle average.
func (r *Registry) RecordAverage(iface string, bps float64) {
	r.average.WithLabelValues(iface).Set(bps)
}

// ClearAverage removes the interface average after a cycle with no successes.
func (r *Registry) ClearAverage(iface string) {
	r.average.DeleteLabelValues(iface)
}

// ContentType is the media type of Render's output.
func (r *Registry) ContentType() string {
	return string(textFormat)
}

// Gather returns the corrected metric families. The correction state is
// read once, so every sample in one call uses the same factors.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	snap := r.corrections.Snapshot()

	for _, mf := range families {
		if _, ok := r.corrected[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetGauge() == nil {
				continue
			}
			factor := snap.Factor(labelValue(m, labelInterface))
			m.Gauge.Value = proto.Float64(m.GetGauge().GetValue() * factor)
		}
	}

	families = append(families, correctionFamily(snap))
	slices.SortFunc(families, func(a, b *dto.MetricFamily) int {
		return strings.Compare(a.GetName(), b.GetName())
	})
	return families, nil
}

// Render writes the corrected exposition text to w.
func (r *Registry) Render(w io.Writer) error {
	families, err := r.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, textFormat)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func correctionFamily(snap correction.Snapshot) *dto.MetricFamily {
	gauge := func(iface string, v float64) *dto.Metric {
		return &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String(labelInterface), Value: proto.String(iface)}},
			Gauge: &dto.Gauge{Value: proto.Float64(v)},
		}
	}

	metrics := []*dto.Metric{gauge(correction.DefaultKey, snap.Factor(""))}
	for _, iface := range snap.Interfaces() {
		metrics = append(metrics, gauge(iface, snap.Overrides[iface]))
	}
	return &dto.MetricFamily{
		Name:   proto.String(prometheus.BuildFQName(namespace, "", "correction_factor")),
		Help:   proto.String("Correction factor applied to bandwidth gauges at render time."),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: metrics,
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
