package model

import "time"

// Sample is one probe outcome for an (interface, server) pair. Error is
// empty on success; on failure the numeric fields are zero.
type Sample struct {
	Timestamp     time.Time
	Interface     string
	Server        string // target as configured
	ServerIP      string // empty when resolution failed
	RTTMs         float64
	WindowBytes   int
	BitsPerSecond float64
	Error         string // probe error kind
}

// OK reports whether the sample carries a measurement.
func (s Sample) OK() bool {
	return s.Error == ""
}

// Mbps is BitsPerSecond in megabits.
func (s Sample) Mbps() float64 {
	return s.BitsPerSecond / 1e6
}
