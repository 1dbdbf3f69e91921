// Package alias maps operator-facing names to system interface names.
package alias

import (
	"context"
	"errors"
	"maps"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tcpscan/internal/config"
	"tcpscan/internal/logging"
)

// ErrNotFound means the identifier matched no interface, even after a refresh.
var ErrNotFound = errors.New("interface or alias not found")

// Fetcher returns a complete alias table.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Options configures a Resolver.
type Options struct {
	// Interfaces are the configured probe interfaces; they always resolve to
	// themselves.
	Interfaces []string
	// Static is the alias table from the config file. It takes precedence
	// over the fetched table.
	Static map[string]string
	// Fetcher is optional. Without it only Interfaces, Static and system
	// interfaces resolve.
	Fetcher Fetcher
	// SystemLookup reports whether name is an interface on this host.
	// Defaults to net.InterfaceByName.
	SystemLookup func(name string) bool
	// RefreshTimeout bounds one fetch. Defaults to config.DefaultAliasTimeout.
	RefreshTimeout time.Duration
	Logger         *zap.Logger
}

// Resolver is safe for concurrent use. The fetched table is replaced
// wholesale on refresh, never merged.
type Resolver struct {
	interfaces map[string]struct{}
	static     map[string]string
	fetcher    Fetcher
	system     func(string) bool
	timeout    time.Duration
	log        *zap.Logger

	mu      sync.RWMutex
	fetched map[string]string

	group singleflight.Group
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		interfaces: make(map[string]struct{}, len(opts.Interfaces)),
		static:     maps.Clone(opts.Static),
		fetcher:    opts.Fetcher,
		system:     opts.SystemLookup,
		timeout:    opts.RefreshTimeout,
		log:        opts.Logger,
		fetched:    make(map[string]string),
	}
	for _, name := range opts.Interfaces {
		r.interfaces[name] = struct{}{}
	}
	if r.system == nil {
		r.system = func(name string) bool {
			_, err := net.InterfaceByName(name)
			return err == nil
		}
	}
	if r.timeout <= 0 {
		r.timeout = config.DefaultAliasTimeout
	}
	if r.log == nil {
		r.log = logging.Named("alias")
	}
	return r
}

// Resolve maps id to an interface name. A configured interface resolves to
// itself; otherwise the static table, the fetched table and finally the
// host's interface list are consulted. On a miss the fetched table is
// refreshed once and checked again.
func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrNotFound
	}
	if iface, ok := r.lookup(id); ok {
		return iface, nil
	}
	if r.fetcher == nil {
		return "", ErrNotFound
	}
	if err := r.Refresh(ctx); err != nil {
		return "", ErrNotFound
	}
	if iface, ok := r.lookupFetched(id); ok {
		return iface, nil
	}
	return "", ErrNotFound
}

func (r *Resolver) lookup(id string) (string, bool) {
	if _, ok := r.interfaces[id]; ok {
		return id, true
	}
	if iface, ok := r.static[id]; ok {
		return iface, true
	}
	if iface, ok := r.lookupFetched(id); ok {
		return iface, true
	}
	if r.system(id) {
		return id, true
	}
	return "", false
}

func (r *Resolver) lookupFetched(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.fetched[id]
	return iface, ok
}

// Refresh replaces the fetched table. Concurrent callers share one request,
// which runs detached from the caller's cancellation and is bounded by the
// refresh timeout instead. On failure the existing table is kept and the
// error is logged and returned.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.fetcher == nil {
		return nil
	}
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		table, err := r.fetcher.Fetch(fctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.fetched = table
		r.mu.Unlock()
		r.log.Info("alias table refreshed", zap.Int("entries", len(table)))
		return nil, nil
	})
	if err != nil {
		r.log.Warn("alias refresh failed; keeping previous table", zap.Error(err))
	}
	return err
}
