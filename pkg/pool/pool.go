// Package pool provides the per-address connection pool.
//
// Connections are expensive to open (TCP + handshake + authentication), so
// the pool keeps healthy idle connections around and hands them out LIFO:
// the most recently idle socket is the warmest. Pool-wide invariants:
//
//   - The number of open connections for an address never exceeds the
//     configured maximum; opening slots are reserved before dialing so
//     concurrent acquisitions cannot overshoot.
//   - A connection is in exactly one of idle-in-pool, checked-out or
//     being-closed at any time.
//   - The pool never retries anything. Failures surface to the caller; the
//     retry engine decides what is safe to re-attempt.
//
// Acquisition preference: a live idle connection first, then a fresh dial
// if the address is below its limit, otherwise wait for a slot until the
// acquisition timeout. The timeout bounds only the wait for a slot; dialing
// has its own connect timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/orneryd/nornic-go/pkg/bolt"
	"github.com/orneryd/nornic-go/pkg/logging"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("pool: closed")

// AcquireTimeoutError reports that no pool slot freed up within the
// acquisition timeout. It is a resource-exhaustion condition, deliberately
// distinct from connectivity loss.
type AcquireTimeoutError struct {
	Addr    string
	Timeout time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("pool: no connection to %s became available within %v", e.Addr, e.Timeout)
}

var (
	openedTotal   = metrics.NewCounter("nornic_pool_connections_opened_total")
	closedTotal   = metrics.NewCounter("nornic_pool_connections_closed_total")
	acquiredTotal = metrics.NewCounter("nornic_pool_acquisitions_total")
	timeoutsTotal = metrics.NewCounter("nornic_pool_acquisition_timeouts_total")
)

// Connector opens a new authenticated connection to an address. The pool
// calls it on a cache miss; the driver supplies one that resolves the
// address, dials and authenticates.
type Connector func(ctx context.Context, addr bolt.Address) (bolt.Wire, error)

// Config holds the pool tunables.
type Config struct {
	// MaxSize is the per-address cap on open connections.
	MaxSize int
	// MaxLifetime discards connections older than this on release, even
	// when healthy, bounding exposure to server restarts and load-balancer
	// rebinding. Zero means unbounded.
	MaxLifetime time.Duration
	// AcquisitionTimeout bounds waiting for a free slot.
	AcquisitionTimeout time.Duration
	// IdleBeforeProbe is how long a connection may sit idle before it gets
	// a liveness probe on checkout.
	IdleBeforeProbe time.Duration
}

// Pool is a collection of connections to one or more addresses. It is safe
// for concurrent use.
type Pool struct {
	connector Connector
	cfg       Config
	log       logging.Logger

	servers *xsync.MapOf[string, *server]

	mu     sync.Mutex
	closed bool
}

// server is the per-address pool state. The mutex serializes slot
// accounting; waiters park on buffered channels so that waits remain
// cancelable.
type server struct {
	mu      sync.Mutex
	closed  bool
	idle    []bolt.Wire // LIFO stack, most recently released last
	open    int         // idle + checked out + dials in flight
	all     map[bolt.Wire]struct{}
	waiters []chan struct{}
}

// New creates a pool that opens connections through connector.
func New(connector Connector, cfg Config, log logging.Logger) *Pool {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 100
	}
	return &Pool{
		connector: connector,
		cfg:       cfg,
		log:       log,
		servers:   xsync.NewMapOf[string, *server](),
	}
}

func (p *Pool) serverFor(addr bolt.Address) *server {
	s, _ := p.servers.LoadOrCompute(addr.String(), func() *server {
		return &server{all: make(map[bolt.Wire]struct{})}
	})
	return s
}

// Acquire returns a connection to addr, opening one when the idle pool is
// empty and the address is below its limit, otherwise waiting for a slot.
//
// Errors: ErrPoolClosed after CloseAll, *AcquireTimeoutError when no slot
// freed in time, *bolt.ConnectivityError when a fresh dial failed, or the
// context's error when ctx ends first.
func (p *Pool) Acquire(ctx context.Context, addr bolt.Address) (bolt.Wire, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	s := p.serverFor(addr)
	var deadline <-chan time.Time
	if p.cfg.AcquisitionTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquisitionTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		// CloseAll may have run while this caller was parked as a waiter;
		// handing out a connection from a closed pool would leak it.
		if s.closed {
			s.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Prefer the warmest idle connection.
		for len(s.idle) > 0 {
			conn := s.idle[len(s.idle)-1]
			s.idle = s.idle[:len(s.idle)-1]
			if conn.Alive(p.cfg.IdleBeforeProbe) && !p.expired(conn) {
				s.mu.Unlock()
				acquiredTotal.Inc()
				return conn, nil
			}
			p.destroyLocked(s, conn)
		}
		if s.open < p.cfg.MaxSize {
			// Reserve the slot before dialing so concurrent acquisitions
			// cannot overshoot the cap.
			s.open++
			s.mu.Unlock()
			conn, err := p.connector(ctx, addr)
			if err != nil {
				s.mu.Lock()
				if !s.closed {
					s.open--
					p.notifyLocked(s)
				}
				s.mu.Unlock()
				return nil, err
			}
			s.mu.Lock()
			if s.closed {
				// The pool closed mid-dial; the fresh connection must not
				// outlive it.
				s.mu.Unlock()
				conn.Close()
				closedTotal.Inc()
				return nil, ErrPoolClosed
			}
			s.all[conn] = struct{}{}
			s.mu.Unlock()
			openedTotal.Inc()
			acquiredTotal.Inc()
			return conn, nil
		}
		waiter := make(chan struct{}, 1)
		s.waiters = append(s.waiters, waiter)
		s.mu.Unlock()

		select {
		case <-waiter:
			// A slot may have freed; loop and compete for it.
		case <-deadline:
			p.abandonWaiter(s, waiter)
			timeoutsTotal.Inc()
			return nil, &AcquireTimeoutError{Addr: addr.String(), Timeout: p.cfg.AcquisitionTimeout}
		case <-ctx.Done():
			p.abandonWaiter(s, waiter)
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the idle pool, or destroys it when it is
// defunct, past its lifetime, or still carrying server-side failure state
// that a RESET cannot clear.
func (p *Pool) Release(ctx context.Context, conn bolt.Wire) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	poolClosed := p.closed
	p.mu.Unlock()

	s := p.serverFor(conn.Address())
	if poolClosed || conn.Defunct() || p.expired(conn) {
		s.mu.Lock()
		p.destroyLocked(s, conn)
		s.mu.Unlock()
		return
	}
	if conn.Failed() {
		if err := conn.Reset(ctx); err != nil {
			s.mu.Lock()
			p.destroyLocked(s, conn)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Lock()
	s.idle = append(s.idle, conn)
	p.notifyLocked(s)
	s.mu.Unlock()
}

// CloseAll closes every open connection, idle or checked out, and marks
// the pool closed. Idempotent. Callers holding a checked-out connection
// will see subsequent operations fail as connectivity errors.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.servers.Range(func(_ string, s *server) bool {
		s.mu.Lock()
		s.closed = true
		for conn := range s.all {
			conn.Close()
			closedTotal.Inc()
		}
		s.all = make(map[bolt.Wire]struct{})
		s.idle = nil
		s.open = 0
		for _, w := range s.waiters {
			select {
			case w <- struct{}{}:
			default:
			}
		}
		s.waiters = nil
		s.mu.Unlock()
		return true
	})
	p.log.Debugf("pool closed")
}

// OpenCount reports the number of open connections for addr.
func (p *Pool) OpenCount(addr bolt.Address) int {
	s, ok := p.servers.Load(addr.String())
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// expired reports whether the connection exceeded the lifetime cap.
func (p *Pool) expired(conn bolt.Wire) bool {
	return p.cfg.MaxLifetime > 0 && time.Since(conn.Birth()) > p.cfg.MaxLifetime
}

// destroyLocked closes a connection and frees its slot. s.mu must be held.
func (p *Pool) destroyLocked(s *server, conn bolt.Wire) {
	if _, tracked := s.all[conn]; tracked {
		delete(s.all, conn)
		s.open--
	}
	conn.Close()
	closedTotal.Inc()
	p.notifyLocked(s)
}

// notifyLocked wakes one waiter, if any. s.mu must be held.
func (p *Pool) notifyLocked(s *server) {
	if len(s.waiters) == 0 {
		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

// abandonWaiter removes a waiter that gave up. If a notification raced in,
// it is passed on so the wakeup is not lost.
func (p *Pool) abandonWaiter(s *server, waiter chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == waiter {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
	// Not in the list: a notification was already delivered. Hand it to
	// the next waiter.
	select {
	case <-waiter:
		p.notifyLocked(s)
	default:
	}
}
