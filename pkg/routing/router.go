package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/orneryd/nornic-go/pkg/bolt"
	"github.com/orneryd/nornic-go/pkg/logging"
)

var (
	refreshTotal     = metrics.NewCounter("nornic_routing_refreshes_total")
	refreshFailTotal = metrics.NewCounter("nornic_routing_refresh_failures_total")
)

// ConnSource is how the router borrows connections for ROUTE calls. The
// connection pool satisfies it.
type ConnSource interface {
	Acquire(ctx context.Context, addr bolt.Address) (bolt.Wire, error)
	Release(ctx context.Context, conn bolt.Wire)
}

// Config holds routing tunables.
type Config struct {
	// RoutingContext is announced to routers so they can tailor the table
	// (e.g. server-side policies keyed on URI query parameters).
	RoutingContext map[string]any
	// TTLOverride, when positive, replaces the server-supplied table TTL.
	TTLOverride time.Duration
}

// Router caches routing tables per database name and refreshes them on
// demand. Safe for concurrent use; refreshes for the same database are
// serialized, and a refresh replaces the cached table atomically.
type Router struct {
	source  ConnSource
	initial []bolt.Address
	cfg     Config
	log     logging.Logger

	tables *xsync.MapOf[string, *Table]
	mu     sync.Mutex // serializes refreshes
	now    func() time.Time
}

// New creates a Router that reaches the cluster through source, starting
// from the initial router addresses of the connection URI.
func New(source ConnSource, initial []bolt.Address, cfg Config, log logging.Logger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	return &Router{
		source:  source,
		initial: initial,
		cfg:     cfg,
		log:     log,
		tables:  xsync.NewMapOf[string, *Table](),
		now:     time.Now,
	}
}

// GetOrRefresh returns a usable routing table for database, refreshing the
// cached one first when it is missing, expired, or empty for the requested
// access mode. Bookmarks are forwarded so a freshly elected cluster member
// is at least as recent as the caller's causal chain.
func (r *Router) GetOrRefresh(ctx context.Context, database string, mode AccessMode, bookmarks []string) (*Table, error) {
	if t, ok := r.tables.Load(database); ok && r.usable(t, mode) {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have refreshed while this one waited for the lock.
	if t, ok := r.tables.Load(database); ok && r.usable(t, mode) {
		return t, nil
	}
	return r.refreshLocked(ctx, database, bookmarks)
}

func (r *Router) usable(t *Table, mode AccessMode) bool {
	if t.Expired(r.now()) {
		return false
	}
	if mode == ReadAccess {
		return len(t.Readers) > 0
	}
	return len(t.Writers) > 0
}

// Invalidate expires the cached table for database, forcing the next
// GetOrRefresh to hit a router. Called when the cluster signals a role
// change mid-use.
func (r *Router) Invalidate(database string) {
	if t, ok := r.tables.Load(database); ok {
		fresh := &Table{
			Database: t.Database,
			Routers:  t.Routers,
			Readers:  t.Readers,
			Writers:  t.Writers,
			Expiry:   r.now().Add(-time.Second),
		}
		r.tables.Store(database, fresh)
	}
}

// refreshLocked tries every candidate router in order: the previous
// table's routers first (they are the freshest knowledge), then the
// initial routers from the URI. Connectivity failures fall through to the
// next candidate; a server-reported error is final. With every candidate
// exhausted, a stale table is better than nothing, and only with none of
// that left does the refresh fail as service-unavailable.
func (r *Router) refreshLocked(ctx context.Context, database string, bookmarks []string) (*Table, error) {
	refreshTotal.Inc()
	stale, _ := r.tables.Load(database)

	var candidates []bolt.Address
	seen := map[string]bool{}
	if stale != nil {
		for _, a := range stale.Routers {
			if !seen[a.String()] {
				seen[a.String()] = true
				candidates = append(candidates, a)
			}
		}
	}
	for _, a := range r.initial {
		if !seen[a.String()] {
			seen[a.String()] = true
			candidates = append(candidates, a)
		}
	}

	var lastErr error
	for _, addr := range candidates {
		table, err := r.fetch(ctx, addr, database, bookmarks)
		if err != nil {
			var connErr *bolt.ConnectivityError
			if errors.As(err, &connErr) {
				r.log.Warnf("router %s unreachable, trying next: %v", addr, err)
				lastErr = err
				continue
			}
			refreshFailTotal.Inc()
			return nil, &Error{Database: database, Err: err}
		}
		if len(table.Routers) == 0 {
			// A table that cannot refresh itself is useless; treat as a
			// failed candidate.
			lastErr = &Error{Database: database, Err: ErrInvalidResponse}
			continue
		}
		r.tables.Store(database, table)
		r.log.Debugf("routing table for %q refreshed: %d routers, %d readers, %d writers, ttl until %s",
			database, len(table.Routers), len(table.Readers), len(table.Writers), table.Expiry)
		return table, nil
	}

	refreshFailTotal.Inc()
	if stale != nil && (len(stale.Readers) > 0 || len(stale.Writers) > 0) {
		r.log.Warnf("all routers for %q unreachable, using stale table as last resort", database)
		return stale, nil
	}
	if lastErr != nil {
		return nil, &Error{Database: database, Err: errors.Join(ErrServiceUnavailable, lastErr)}
	}
	return nil, &Error{Database: database, Err: ErrServiceUnavailable}
}

// fetch performs one ROUTE call against one router.
func (r *Router) fetch(ctx context.Context, addr bolt.Address, database string, bookmarks []string) (*Table, error) {
	conn, err := r.source.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer r.source.Release(ctx, conn)

	routingCtx := r.cfg.RoutingContext
	if routingCtx == nil {
		routingCtx = map[string]any{"address": addr.String()}
	}
	resp, err := conn.Request(ctx, bolt.Route(routingCtx, bookmarks, database, conn.Version()))
	if err != nil {
		return nil, err
	}
	meta := map[string]any{}
	if len(resp.Fields) > 0 {
		if m, ok := resp.Fields[0].(map[string]any); ok {
			meta = m
		}
	}
	table, err := parseTable(database, meta, r.now())
	if err != nil {
		return nil, err
	}
	if r.cfg.TTLOverride > 0 {
		table.Expiry = r.now().Add(r.cfg.TTLOverride)
	}
	return table, nil
}
