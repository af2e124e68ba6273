// Package session implements units of work against the cluster: sessions,
// explicit transactions, and the managed retry engine.
//
// A Session is a lightweight, single-owner context for a causal chain of
// transactions against one database. It borrows a connection per unit of
// work and returns it as soon as the work ends, so sessions are cheap to
// create and hold no sockets while idle. Sessions are not safe for
// concurrent use; that is the caller's contract, not enforced by locks.
//
// Managed execution (ExecuteRead / ExecuteWrite) re-runs the caller's
// function until it succeeds or the retry budget is exhausted:
//
//	out, err := sess.ExecuteWrite(ctx, func(tx *session.Transaction) (any, error) {
//		res, err := tx.Run(ctx, "CREATE (n:Person {name: $name}) RETURN n", map[string]any{
//			"name": "Freya",
//		})
//		if err != nil {
//			return nil, err
//		}
//		return res.Records, nil
//	})
//
// Only classified-retryable failures are retried (connectivity loss,
// transient server conditions, cluster role changes), each attempt on a
// freshly acquired connection, with exponential backoff plus jitter and a
// wall-clock ceiling measured from the first failure.
package session

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/orneryd/nornic-go/pkg/bolt"
	"github.com/orneryd/nornic-go/pkg/bookmarks"
	"github.com/orneryd/nornic-go/pkg/config"
	"github.com/orneryd/nornic-go/pkg/logging"
	"github.com/orneryd/nornic-go/pkg/routing"
)

var retriesTotal = metrics.NewCounter("nornic_transaction_retries_total")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session: closed")

// ErrOpenTransaction is returned when an operation needs the session idle
// but an explicit transaction is still open.
var ErrOpenTransaction = errors.New("session: a transaction is already open")

// Connector supplies connections appropriate to a database and access
// mode. The driver implements it directly for single-server URIs and via
// the routing table for cluster URIs.
type Connector interface {
	AcquireConn(ctx context.Context, database string, mode routing.AccessMode, bm bookmarks.Bookmarks) (bolt.Wire, error)
	ReleaseConn(ctx context.Context, conn bolt.Wire)
}

// RoutingInvalidator is optionally implemented by Connectors that cache
// routing tables. When a transaction fails because the cluster changed
// roles mid-flight, the session invalidates the table so the next attempt
// routes fresh.
type RoutingInvalidator interface {
	InvalidateRoutingTable(database string)
}

// WorkFunc is a caller-supplied unit of work. It may be invoked multiple
// times, so it must be idempotent from the application's point of view
// until the transaction commits.
type WorkFunc func(tx *Transaction) (any, error)

// Config shapes one session.
type Config struct {
	// Database to run against; empty selects the server's default.
	Database string
	// Bookmarks seeds the session's causal chain.
	Bookmarks bookmarks.Bookmarks
}

// Session is a single-owner context for sequential units of work sharing
// one causal chain.
type Session struct {
	src   Connector
	retry config.RetryConfig
	log   logging.Logger

	database  string
	bookmarks bookmarks.Bookmarks
	tx        *Transaction
	closed    bool

	// Injection points for deterministic tests.
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// New creates a session drawing connections from src.
func New(src Connector, retry config.RetryConfig, cfg Config, log logging.Logger) *Session {
	if log == nil {
		log = logging.Nop()
	}
	return &Session{
		src:       src,
		retry:     retry,
		log:       log,
		database:  cfg.Database,
		bookmarks: cfg.Bookmarks,
		now:       time.Now,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// LastBookmarks returns the session's current bookmark set: the causal
// marker of its most recent committed work.
func (s *Session) LastBookmarks() bookmarks.Bookmarks {
	return s.bookmarks
}

// Run executes a single query in an autocommit transaction and drains its
// result. The session's bookmark set advances to the returned bookmark.
func (s *Session) Run(ctx context.Context, query string, params map[string]any) (*Result, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.tx != nil {
		return nil, ErrOpenTransaction
	}
	conn, err := s.src.AcquireConn(ctx, s.database, routing.WriteAccess, s.bookmarks)
	if err != nil {
		return nil, err
	}
	defer s.src.ReleaseConn(ctx, conn)

	extra := s.beginExtra(routing.WriteAccess)
	result, err := runAndPull(ctx, conn, query, params, extra)
	if err != nil {
		return nil, err
	}
	if result.Summary.Bookmark != "" {
		s.bookmarks = bookmarks.From(result.Summary.Bookmark)
	}
	return result, nil
}

// BeginTransaction opens an explicit transaction. The transaction owns its
// connection until Commit or Rollback.
func (s *Session) BeginTransaction(ctx context.Context) (*Transaction, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.tx != nil {
		return nil, ErrOpenTransaction
	}
	tx, err := s.begin(ctx, routing.WriteAccess)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// ExecuteRead runs work as a managed read transaction.
func (s *Session) ExecuteRead(ctx context.Context, work WorkFunc) (any, error) {
	return s.runTransaction(ctx, routing.ReadAccess, work)
}

// ExecuteWrite runs work as a managed write transaction.
func (s *Session) ExecuteWrite(ctx context.Context, work WorkFunc) (any, error) {
	return s.runTransaction(ctx, routing.WriteAccess, work)
}

// Close rolls back any open transaction and marks the session unusable.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		err := s.tx.Rollback(ctx)
		s.tx = nil
		return err
	}
	return nil
}

// runTransaction is the managed retry loop. One attempt means: acquire a
// connection, BEGIN with the session's bookmarks, run the work, COMMIT,
// capture the new bookmark. The retry timer starts at the first failure;
// attempts stop once it exceeds the budget and the last error surfaces.
func (s *Session) runTransaction(ctx context.Context, mode routing.AccessMode, work WorkFunc) (any, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.tx != nil {
		return nil, ErrOpenTransaction
	}

	delay := s.retry.InitialDelay
	var firstFailure time.Time
	var lastErr error

	for {
		result, err := s.attempt(ctx, mode, work)
		if err == nil {
			return result, nil
		}
		if !bolt.Retryable(err) {
			return nil, err
		}
		s.maybeInvalidateRouting(err)
		lastErr = err

		if firstFailure.IsZero() {
			firstFailure = s.now()
		} else if s.now().Sub(firstFailure) > s.retry.MaxRetryTime {
			break
		}
		wait := s.jittered(delay)
		delay = time.Duration(float64(delay) * s.retry.Multiplier)
		retriesTotal.Inc()
		s.log.Warnf("transaction failed, retrying in %v: %v", wait, err)
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt runs one full acquire-begin-work-commit cycle. The connection is
// released before attempt returns, whatever the outcome.
func (s *Session) attempt(ctx context.Context, mode routing.AccessMode, work WorkFunc) (any, error) {
	tx, err := s.begin(ctx, mode)
	if err != nil {
		return nil, err
	}
	result, err := work(tx)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// begin acquires a connection and opens a transaction on it.
func (s *Session) begin(ctx context.Context, mode routing.AccessMode) (*Transaction, error) {
	conn, err := s.src.AcquireConn(ctx, s.database, mode, s.bookmarks)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Request(ctx, bolt.Begin(s.beginExtra(mode))); err != nil {
		s.src.ReleaseConn(ctx, conn)
		return nil, err
	}
	return &Transaction{sess: s, conn: conn, state: StateOpen}, nil
}

// beginExtra builds the BEGIN/RUN metadata carrying the causal chain.
func (s *Session) beginExtra(mode routing.AccessMode) map[string]any {
	extra := map[string]any{}
	if !s.bookmarks.Empty() {
		raw := s.bookmarks.Raw()
		bms := make([]any, len(raw))
		for i, b := range raw {
			bms[i] = b
		}
		extra["bookmarks"] = bms
	}
	if s.database != "" {
		extra["db"] = s.database
	}
	if mode == routing.ReadAccess {
		extra["mode"] = "r"
	}
	return extra
}

// jittered draws the next backoff delay uniformly from d ± jitter·d.
func (s *Session) jittered(d time.Duration) time.Duration {
	j := s.retry.Jitter * float64(d)
	return time.Duration(float64(d) - j + 2*j*s.randFloat())
}

// maybeInvalidateRouting expires the routing table when the failure
// indicates a cluster role change.
func (s *Session) maybeInvalidateRouting(err error) {
	inv, ok := s.src.(RoutingInvalidator)
	if !ok {
		return
	}
	var srvErr *bolt.ServerError
	if errors.As(err, &srvErr) && srvErr.IsRoleChange() {
		inv.InvalidateRoutingTable(s.database)
	}
}

// commitBookmark advances the causal chain after a commit.
func (s *Session) commitBookmark(meta map[string]any) {
	if b, ok := meta["bookmark"].(string); ok && b != "" {
		s.bookmarks = bookmarks.From(b)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
