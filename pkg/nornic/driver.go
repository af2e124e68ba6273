// Package nornic is the public driver entry point.
//
// A Driver owns the connection pool and, for cluster URIs, the routing
// table cache. It is safe for concurrent use and is intended to live for
// the whole application:
//
//	drv, err := nornic.NewDriver("neo4j://cluster.example.com:7687",
//		nornic.BasicAuth("neo4j", "secret"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer drv.Close(ctx)
//
//	sess := drv.NewSession(session.Config{Database: "orders"})
//	defer sess.Close(ctx)
//
// URI schemes:
//
//	bolt://     single server, plaintext
//	bolt+s://   single server, TLS
//	bolt+ssc:// single server, TLS without certificate verification
//	neo4j://    cluster routing, plaintext
//	neo4j+s://  cluster routing, TLS
//	neo4j+ssc://cluster routing, TLS without certificate verification
package nornic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/orneryd/nornic-go/pkg/bolt"
	"github.com/orneryd/nornic-go/pkg/bookmarks"
	"github.com/orneryd/nornic-go/pkg/config"
	"github.com/orneryd/nornic-go/pkg/logging"
	"github.com/orneryd/nornic-go/pkg/pool"
	"github.com/orneryd/nornic-go/pkg/routing"
	"github.com/orneryd/nornic-go/pkg/session"
)

// ErrDriverClosed is returned by operations on a closed driver.
var ErrDriverClosed = errors.New("nornic: driver closed")

// AuthToken is the authentication material sent in HELLO.
type AuthToken map[string]any

// BasicAuth builds a username/password token.
func BasicAuth(username, password string) AuthToken {
	return AuthToken{
		"scheme":      "basic",
		"principal":   username,
		"credentials": password,
	}
}

// NoAuth builds a token for servers with authentication disabled.
func NoAuth() AuthToken {
	return AuthToken{"scheme": "none"}
}

// TokenProvider supplies fresh authentication tokens. When set, an expired
// token is replaced once per dial: the driver fetches a new token and
// retries before surfacing the authentication failure.
type TokenProvider func(ctx context.Context) (AuthToken, error)

// Resolver maps the address from the URI to the addresses actually dialed,
// for deployments where DNS alone cannot express the topology. The default
// resolver returns the input unchanged.
type Resolver func(addr bolt.Address) []bolt.Address

// Option tweaks driver construction.
type Option func(*options)

type options struct {
	cfg      *config.Config
	log      logging.Logger
	resolver Resolver
	provider TokenProvider
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the driver logger.
func WithLogger(log logging.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithResolver installs a custom address resolver.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithTokenProvider installs a token source for rotating credentials.
func WithTokenProvider(p TokenProvider) Option {
	return func(o *options) { o.provider = p }
}

// Driver is the long-lived entry point. One Driver per cluster (or server)
// per application is the intended shape.
type Driver struct {
	target   bolt.Address
	routed   bool
	provider TokenProvider
	resolver Resolver
	cfg      *config.Config
	log      logging.Logger

	pool   *pool.Pool
	router *routing.Router // nil for bolt:// URIs

	mu     sync.Mutex // guards auth and closed; dials run concurrently
	auth   AuthToken
	closed bool
}

// NewDriver parses uri, validates the scheme, and builds the pool and, for
// neo4j schemes, the routing layer. No connection is opened; the first
// session does that. Use VerifyConnectivity to fail fast instead.
func NewDriver(uri string, auth AuthToken, opts ...Option) (*Driver, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.Defaults()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		o.log = logging.Nop()
	}
	if o.resolver == nil {
		o.resolver = func(addr bolt.Address) []bolt.Address { return []bolt.Address{addr} }
	}

	parsed, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		target:   parsed.address,
		routed:   parsed.routed,
		auth:     auth,
		provider: o.provider,
		resolver: o.resolver,
		cfg:      o.cfg,
		log:      o.log,
	}

	var routingCtx map[string]any
	if parsed.routed {
		routingCtx = map[string]any{"address": parsed.address.String()}
		for k, v := range parsed.routingContext {
			routingCtx[k] = v
		}
	}

	connCfg := bolt.ConnConfig{
		UserAgent:      o.cfg.Socket.UserAgent,
		RoutingContext: routingCtx,
		ConnectTimeout: o.cfg.Socket.ConnectTimeout,
		MaxChunkSize:   o.cfg.Socket.MaxChunkSize,
		Secure:         parsed.secure,
		Logger:         o.log,
	}

	d.pool = pool.New(d.connector(connCfg), pool.Config{
		MaxSize:            o.cfg.Pool.MaxSize,
		MaxLifetime:        o.cfg.Pool.MaxConnectionLifetime,
		AcquisitionTimeout: o.cfg.Pool.AcquisitionTimeout,
		IdleBeforeProbe:    o.cfg.Pool.IdleBeforeProbe,
	}, o.log)

	if parsed.routed {
		d.router = routing.New(poolSource{d.pool}, d.resolver(parsed.address), routing.Config{
			RoutingContext: routingCtx,
			TTLOverride:    o.cfg.Routing.TableTTL,
		}, o.log)
	}
	return d, nil
}

// connector builds the pool's dial function. An authentication failure
// triggers one token refresh when a provider is installed; anything else
// surfaces unchanged.
func (d *Driver) connector(cfg bolt.ConnConfig) pool.Connector {
	return func(ctx context.Context, addr bolt.Address) (bolt.Wire, error) {
		dial := func(token AuthToken) (bolt.Wire, error) {
			c := cfg
			c.Auth = token
			return bolt.Dial(ctx, addr, c)
		}
		conn, err := dial(d.currentAuth())
		var authErr *bolt.AuthError
		if errors.As(err, &authErr) && d.provider != nil {
			token, provErr := d.provider(ctx)
			if provErr != nil {
				return nil, fmt.Errorf("nornic: token refresh: %w", provErr)
			}
			d.setAuth(token)
			return dial(token)
		}
		return conn, err
	}
}

func (d *Driver) currentAuth() AuthToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.auth
}

func (d *Driver) setAuth(token AuthToken) {
	d.mu.Lock()
	d.auth = token
	d.mu.Unlock()
}

// NewSession opens a session drawing connections from this driver.
func (d *Driver) NewSession(cfg session.Config) *session.Session {
	return session.New(d, d.cfg.Retry, cfg, d.log)
}

// VerifyConnectivity acquires and releases one connection (routed drivers
// refresh the default routing table first), surfacing dial, handshake and
// authentication failures before real work starts.
func (d *Driver) VerifyConnectivity(ctx context.Context) error {
	conn, err := d.AcquireConn(ctx, "", routing.ReadAccess, bookmarks.Bookmarks{})
	if err != nil {
		return err
	}
	d.ReleaseConn(ctx, conn)
	return nil
}

// Close shuts down the pool. In-flight sessions see connectivity errors.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.pool.CloseAll()
	return nil
}

// AcquireConn picks a server for the access mode and borrows a connection
// to it. For single-server URIs every mode maps to the one address.
func (d *Driver) AcquireConn(ctx context.Context, database string, mode routing.AccessMode, bm bookmarks.Bookmarks) (bolt.Wire, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDriverClosed
	}
	if d.router == nil {
		return d.acquireAny(ctx, d.resolver(d.target))
	}
	table, err := d.router.GetOrRefresh(ctx, database, mode, bm.Raw())
	if err != nil {
		return nil, err
	}
	addr, err := table.Pick(mode)
	if err != nil {
		return nil, err
	}
	return d.pool.Acquire(ctx, addr)
}

// ReleaseConn hands a connection back to the pool.
func (d *Driver) ReleaseConn(ctx context.Context, conn bolt.Wire) {
	d.pool.Release(ctx, conn)
}

// InvalidateRoutingTable expires the cached table for database so the next
// acquisition routes fresh. No-op for single-server drivers.
func (d *Driver) InvalidateRoutingTable(database string) {
	if d.router != nil {
		d.router.Invalidate(database)
	}
}

// acquireAny tries each resolved address in order.
func (d *Driver) acquireAny(ctx context.Context, addrs []bolt.Address) (bolt.Wire, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.pool.Acquire(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		var connErr *bolt.ConnectivityError
		if !errors.As(err, &connErr) {
			return nil, err
		}
	}
	return nil, lastErr
}

// poolSource adapts the pool to the router's narrower interface.
type poolSource struct {
	pool *pool.Pool
}

func (p poolSource) Acquire(ctx context.Context, addr bolt.Address) (bolt.Wire, error) {
	return p.pool.Acquire(ctx, addr)
}

func (p poolSource) Release(ctx context.Context, conn bolt.Wire) {
	p.pool.Release(ctx, conn)
}

type parsedURI struct {
	address        bolt.Address
	routed         bool
	secure         bolt.SecureChannel
	routingContext map[string]string
}

// parseURI validates the scheme and splits out address, security level and
// routing context. Query parameters are only meaningful on routed schemes;
// on bolt:// they are a configuration mistake and rejected.
func parseURI(uri string) (parsedURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return parsedURI{}, fmt.Errorf("nornic: parse uri: %w", err)
	}

	var p parsedURI
	switch u.Scheme {
	case "bolt":
	case "bolt+s":
		p.secure = tlsChannel(false)
	case "bolt+ssc":
		p.secure = tlsChannel(true)
	case "neo4j":
		p.routed = true
	case "neo4j+s":
		p.routed = true
		p.secure = tlsChannel(false)
	case "neo4j+ssc":
		p.routed = true
		p.secure = tlsChannel(true)
	default:
		return parsedURI{}, fmt.Errorf("nornic: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return parsedURI{}, fmt.Errorf("nornic: uri %q has no host", uri)
	}
	p.address, err = bolt.ParseAddress(u.Host)
	if err != nil {
		return parsedURI{}, err
	}

	query := u.Query()
	if len(query) > 0 {
		if !p.routed {
			return parsedURI{}, fmt.Errorf("nornic: scheme %q does not accept query parameters", u.Scheme)
		}
		p.routingContext = make(map[string]string, len(query))
		for k, vs := range query {
			if len(vs) != 1 {
				return parsedURI{}, fmt.Errorf("nornic: duplicate routing context key %q", k)
			}
			if k == "address" {
				return parsedURI{}, fmt.Errorf("nornic: routing context key %q is reserved", k)
			}
			p.routingContext[k] = vs[0]
		}
	}
	return p, nil
}

// tlsChannel builds the TLS upgrade used by +s and +ssc schemes.
func tlsChannel(skipVerify bool) bolt.SecureChannel {
	return func(raw net.Conn, host string) (net.Conn, error) {
		serverName := host
		if h, _, err := net.SplitHostPort(host); err == nil {
			serverName = h
		}
		conn := tls.Client(raw, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: skipVerify,
			MinVersion:         tls.VersionTLS12,
		})
		return conn, nil
	}
}
