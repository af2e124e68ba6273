// Package routing maintains cached cluster routing tables and picks
// servers by role.
//
// For each database the cluster advertises three role lists: readers,
// writers and routers, together with a time-to-live. Tables are cached per
// database and refreshed through a ROUTE call against a known router;
// refresh replaces the cached entry atomically, so concurrent readers only
// ever see a complete table. The routers of the most recent table, plus
// the initial routers from the connection URI, form the fallback set for
// the next refresh.
package routing

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/orneryd/nornic-go/pkg/bolt"
)

// AccessMode selects the server role a unit of work needs.
type AccessMode int

const (
	// WriteAccess routes to a writer. The zero value: writing is the safe
	// default assumption.
	WriteAccess AccessMode = iota
	// ReadAccess routes to a reader.
	ReadAccess
)

func (m AccessMode) String() string {
	if m == ReadAccess {
		return "r"
	}
	return "w"
}

// Error is a routing failure: no usable router, an unparsable routing
// response, or a role list the cluster reports as empty.
type Error struct {
	Database string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("routing: database %q: %v", e.Database, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel causes for Error, matchable with errors.Is.
var (
	ErrServiceUnavailable = errors.New("no routing server reachable")
	ErrNoReaders          = errors.New("cluster reports no readers available")
	ErrNoWriters          = errors.New("cluster reports no writers available")
	ErrInvalidResponse    = errors.New("invalid routing table response")
)

// Table is one database's routing table. Tables are immutable after
// construction apart from the round-robin cursors; refresh builds a new
// Table rather than mutating in place.
type Table struct {
	Database string
	Routers  []bolt.Address
	Readers  []bolt.Address
	Writers  []bolt.Address
	Expiry   time.Time

	readerIdx atomic.Uint64
	writerIdx atomic.Uint64
}

// Expired reports whether the table's TTL has passed.
func (t *Table) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}

// PickReader returns the next reader round-robin.
func (t *Table) PickReader() (bolt.Address, error) {
	if len(t.Readers) == 0 {
		return bolt.Address{}, &Error{Database: t.Database, Err: ErrNoReaders}
	}
	i := t.readerIdx.Add(1) - 1
	return t.Readers[i%uint64(len(t.Readers))], nil
}

// PickWriter returns the next writer round-robin.
func (t *Table) PickWriter() (bolt.Address, error) {
	if len(t.Writers) == 0 {
		return bolt.Address{}, &Error{Database: t.Database, Err: ErrNoWriters}
	}
	i := t.writerIdx.Add(1) - 1
	return t.Writers[i%uint64(len(t.Writers))], nil
}

// Pick returns the next address for the given access mode.
func (t *Table) Pick(mode AccessMode) (bolt.Address, error) {
	if mode == ReadAccess {
		return t.PickReader()
	}
	return t.PickWriter()
}

// parseTable builds a Table from ROUTE SUCCESS metadata:
//
//	{"rt": {"ttl": seconds, "db": name, "servers": [{"role": ..., "addresses": [...]}]}}
func parseTable(database string, meta map[string]any, now time.Time) (*Table, error) {
	rt, ok := meta["rt"].(map[string]any)
	if !ok {
		return nil, &Error{Database: database, Err: ErrInvalidResponse}
	}
	ttlSecs, ok := rt["ttl"].(int64)
	if !ok {
		return nil, &Error{Database: database, Err: ErrInvalidResponse}
	}
	servers, ok := rt["servers"].([]any)
	if !ok {
		return nil, &Error{Database: database, Err: ErrInvalidResponse}
	}
	t := &Table{
		Database: database,
		Expiry:   now.Add(time.Duration(ttlSecs) * time.Second),
	}
	for _, entry := range servers {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, &Error{Database: database, Err: ErrInvalidResponse}
		}
		role, _ := m["role"].(string)
		rawAddrs, _ := m["addresses"].([]any)
		addrs := make([]bolt.Address, 0, len(rawAddrs))
		for _, ra := range rawAddrs {
			s, ok := ra.(string)
			if !ok {
				return nil, &Error{Database: database, Err: ErrInvalidResponse}
			}
			addr, err := bolt.ParseAddress(s)
			if err != nil {
				return nil, &Error{Database: database, Err: err}
			}
			addrs = append(addrs, addr)
		}
		switch role {
		case "ROUTE":
			t.Routers = append(t.Routers, addrs...)
		case "READ":
			t.Readers = append(t.Readers, addrs...)
		case "WRITE":
			t.Writers = append(t.Writers, addrs...)
		default:
			// Unknown roles are ignored for forward compatibility.
		}
	}
	return t, nil
}
