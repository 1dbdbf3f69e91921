// Package correction holds the operator-supplied multipliers applied to
// throughput samples at render time.
//
// Lookup order for an interface is: its own override, else the global
// default, else 1.0. The global default is always present once a Store is
// constructed, so the final fallback only applies to a zero Snapshot.
package correction

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tcpscan/internal/logging"
	"tcpscan/internal/store"
)

// DefaultKey labels the global default in rendered output.
const DefaultKey = "default"

// ValidationError rejects a non-positive or non-finite factor.
type ValidationError struct {
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("correction factor must be greater than 0, got %s", FormatFactor(e.Value))
}

// Snapshot is an immutable point-in-time copy of the store.
type Snapshot struct {
	Default   float64
	Overrides map[string]float64
}

// Factor resolves the multiplier for iface.
func (s Snapshot) Factor(iface string) float64 {
	if v, ok := s.Overrides[iface]; ok {
		return v
	}
	if s.Default > 0 {
		return s.Default
	}
	return 1.0
}

// Interfaces returns the override keys in sorted order.
func (s Snapshot) Interfaces() []string {
	return slices.Sorted(maps.Keys(s.Overrides))
}

// String renders the state as human-readable text, one line per entry.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current correction factor: %s\n", FormatFactor(s.Factor("")))
	for _, iface := range s.Interfaces() {
		fmt.Fprintf(&b, "  %s: %s\n", iface, FormatFactor(s.Overrides[iface]))
	}
	return b.String()
}

// FormatFactor prints a factor with the shortest exact representation.
func FormatFactor(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Store is safe for concurrent use. Writes are serialized by one mutex;
// readers take a Snapshot and never hold the lock while using it.
type Store struct {
	mu        sync.Mutex
	def       float64
	overrides map[string]float64

	// persistMu orders file writes so the last write on disk matches the
	// last write in memory.
	persistMu sync.Mutex
	statePath string
	log       *zap.Logger
}

// New returns a store whose global default is def. It panics with a
// *ValidationError when def is not a positive finite number; use Open to get
// the error instead.
func New(def float64) *Store {
	if !valid(def) {
		panic(&ValidationError{Value: def})
	}
	return &Store{def: def, overrides: make(map[string]float64), log: logging.Named("correction")}
}

// Open is New plus persistence: state previously saved at path replaces
// the initial values and every successful set rewrites the file.
func Open(path string, def float64, log *zap.Logger) (*Store, error) {
	if !valid(def) {
		return nil, &ValidationError{Value: def}
	}
	s := New(def)
	if log != nil {
		s.log = log
	}
	if path == "" {
		return s, nil
	}

	saved, err := store.LoadCorrections(path)
	if err != nil {
		return nil, fmt.Errorf("load corrections %s: %w", path, err)
	}
	if valid(saved.Default) {
		s.def = saved.Default
	}
	for iface, v := range saved.Overrides {
		if !valid(v) {
			s.log.Warn("ignoring invalid saved correction", zap.String("interface", iface), zap.Float64("value", v))
			continue
		}
		s.overrides[iface] = v
	}
	s.statePath = path
	return s, nil
}

// Get resolves the factor for iface through the fallback chain.
func (s *Store) Get(iface string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.overrides[iface]; ok {
		return v
	}
	return s.def
}

// Set stores an override for iface. A rejected value leaves the store untouched.
func (s *Store) Set(iface string, value float64) error {
	if !valid(value) {
		return &ValidationError{Value: value}
	}
	s.update(func() { s.overrides[iface] = value })
	return nil
}

// SetDefault replaces the global default.
func (s *Store) SetDefault(value float64) error {
	if !valid(value) {
		return &ValidationError{Value: value}
	}
	s.update(func() { s.def = value })
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Default: s.def, Overrides: maps.Clone(s.overrides)}
}

func (s *Store) update(apply func()) {
	if s.statePath == "" {
		s.mu.Lock()
		apply()
		s.mu.Unlock()
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	apply()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	err := store.SaveCorrections(s.statePath, &store.Corrections{Default: snap.Default, Overrides: snap.Overrides})
	if err != nil {
		s.log.Error("persist corrections failed", zap.String("path", s.statePath), zap.Error(err))
	}
}

func valid(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
