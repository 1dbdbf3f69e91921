package metrics

import (
	"math"
	"sort"
	"time"

	"tcpscan/internal/model"
)

// Summary is a basic statistics snapshot over raw (uncorrected) throughput.
type Summary struct {
	Interface string
	Count     int
	Errors    int
	From      time.Time
	To        time.Time
	AvgMbps   float64
	P95Mbps   float64
	MinMbps   float64
	MaxMbps   float64
	AvgRTTMs  float64
}

// Summarize computes summary statistics for items at or after since.
// Failed samples are counted in Errors and excluded from the averages.
func Summarize(items []model.Sample, since time.Time) Summary {
	var ok []model.Sample
	errs := 0
	var from, to time.Time
	for _, s := range items {
		if s.Timestamp.Before(since) {
			continue
		}
		if from.IsZero() || s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
		if !s.OK() {
			errs++
			continue
		}
		ok = append(ok, s)
	}

	if len(ok) == 0 {
		return Summary{Errors: errs, From: from, To: to}
	}

	values := make([]float64, 0, len(ok))
	var sumMbps, sumRTT float64
	minMbps := math.MaxFloat64
	maxMbps := 0.0

	for _, s := range ok {
		mbps := s.Mbps()
		values = append(values, mbps)
		sumMbps += mbps
		sumRTT += s.RTTMs
		if mbps < minMbps {
			minMbps = mbps
		}
		if mbps > maxMbps {
			maxMbps = mbps
		}
	}

	sort.Float64s(values)
	count := float64(len(ok))

	return Summary{
		Count:    len(ok),
		Errors:   errs,
		From:     from,
		To:       to,
		AvgMbps:  sumMbps / count,
		P95Mbps:  percentile(values, 0.95),
		MinMbps:  minMbps,
		MaxMbps:  maxMbps,
		AvgRTTMs: sumRTT / count,
	}
}

// SummarizeByInterface groups items by interface and summarizes each group.
// An empty iface selects every interface. Results are sorted by name.
func SummarizeByInterface(items []model.Sample, since time.Time, iface string) []Summary {
	groups := make(map[string][]model.Sample)
	for _, s := range items {
		if iface != "" && s.Interface != iface {
			continue
		}
		groups[s.Interface] = append(groups[s.Interface], s)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		s := Summarize(groups[name], since)
		s.Interface = name
		out = append(out, s)
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
