package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornic-go/pkg/bolt"
)

func addr(host string) bolt.Address {
	return bolt.Address{Host: host, Port: 7687}
}

func routeMeta(ttl int64, routers, readers, writers []string) map[string]any {
	server := func(role string, hosts []string) map[string]any {
		addrs := make([]any, len(hosts))
		for i, h := range hosts {
			addrs[i] = h + ":7687"
		}
		return map[string]any{"role": role, "addresses": addrs}
	}
	return map[string]any{
		"rt": map[string]any{
			"ttl": ttl,
			"servers": []any{
				server("ROUTE", routers),
				server("READ", readers),
				server("WRITE", writers),
			},
		},
	}
}

func TestParseTable(t *testing.T) {
	now := time.Now()
	table, err := parseTable("orders", routeMeta(300,
		[]string{"r1", "r2"}, []string{"read1", "read2"}, []string{"w1"}), now)
	require.NoError(t, err)

	assert.Equal(t, "orders", table.Database)
	assert.Equal(t, []bolt.Address{addr("r1"), addr("r2")}, table.Routers)
	assert.Equal(t, []bolt.Address{addr("read1"), addr("read2")}, table.Readers)
	assert.Equal(t, []bolt.Address{addr("w1")}, table.Writers)
	assert.Equal(t, now.Add(300*time.Second), table.Expiry)
}

func TestParseTableIgnoresUnknownRoles(t *testing.T) {
	meta := map[string]any{
		"rt": map[string]any{
			"ttl": int64(60),
			"servers": []any{
				map[string]any{"role": "ANALYTICS", "addresses": []any{"x:7687"}},
				map[string]any{"role": "WRITE", "addresses": []any{"w:7687"}},
			},
		},
	}
	table, err := parseTable("", meta, time.Now())
	require.NoError(t, err)
	assert.Empty(t, table.Routers)
	assert.Equal(t, []bolt.Address{addr("w")}, table.Writers)
}

func TestParseTableMalformed(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
	}{
		{"empty", map[string]any{}},
		{"rt not a map", map[string]any{"rt": "nope"}},
		{"missing ttl", map[string]any{"rt": map[string]any{"servers": []any{}}}},
		{"servers not a list", map[string]any{"rt": map[string]any{"ttl": int64(1), "servers": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTable("db", tt.meta, time.Now())
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestTableExpiry(t *testing.T) {
	now := time.Now()
	table := &Table{Expiry: now.Add(time.Minute)}
	assert.False(t, table.Expired(now))
	assert.False(t, table.Expired(now.Add(59*time.Second)))
	assert.True(t, table.Expired(now.Add(time.Minute)))
	assert.True(t, table.Expired(now.Add(2*time.Minute)))
}

func TestPickRoundRobin(t *testing.T) {
	table := &Table{
		Readers: []bolt.Address{addr("r1"), addr("r2"), addr("r3")},
		Writers: []bolt.Address{addr("w1")},
	}
	var picked []string
	for i := 0; i < 6; i++ {
		a, err := table.PickReader()
		require.NoError(t, err)
		picked = append(picked, a.Host)
	}
	assert.Equal(t, []string{"r1", "r2", "r3", "r1", "r2", "r3"}, picked)

	w, err := table.Pick(WriteAccess)
	require.NoError(t, err)
	assert.Equal(t, "w1", w.Host)
}

func TestPickEmptyRole(t *testing.T) {
	table := &Table{Database: "orders", Writers: []bolt.Address{addr("w1")}}
	_, err := table.PickReader()
	assert.ErrorIs(t, err, ErrNoReaders)

	empty := &Table{Database: "orders"}
	_, err = empty.PickWriter()
	assert.ErrorIs(t, err, ErrNoWriters)
}

// fakeSource scripts per-address ROUTE outcomes for the router.
type fakeSource struct {
	t        *testing.T
	routes   map[string]any // addr -> ROUTE metadata (map[string]any) or error
	acquired []string
}

func (s *fakeSource) Acquire(ctx context.Context, a bolt.Address) (bolt.Wire, error) {
	s.acquired = append(s.acquired, a.Host)
	outcome, ok := s.routes[a.Host]
	if !ok {
		return nil, &bolt.ConnectivityError{Op: "dial", Addr: a.String()}
	}
	if err, isErr := outcome.(error); isErr {
		if _, isConn := err.(*bolt.ConnectivityError); isConn {
			return nil, err
		}
		return &routeWire{addr: a, err: err}, nil
	}
	return &routeWire{addr: a, meta: outcome.(map[string]any)}, nil
}

func (s *fakeSource) Release(ctx context.Context, conn bolt.Wire) {}

// routeWire answers exactly one ROUTE request.
type routeWire struct {
	addr bolt.Address
	meta map[string]any
	err  error
}

func (w *routeWire) Address() bolt.Address { return w.addr }
func (w *routeWire) Version() uint32       { return bolt.BoltV4_4 }
func (w *routeWire) Send(ctx context.Context, msgs ...bolt.Message) error {
	return nil
}
func (w *routeWire) ReceiveOne(ctx context.Context) (bolt.Message, error) {
	return bolt.Message{}, nil
}
func (w *routeWire) Request(ctx context.Context, req bolt.Message) (bolt.Message, error) {
	if w.err != nil {
		return bolt.Message{}, w.err
	}
	return bolt.Message{Sig: bolt.MsgSuccess, Fields: []any{w.meta}}, nil
}
func (w *routeWire) Reset(ctx context.Context) error { return nil }
func (w *routeWire) Alive(time.Duration) bool        { return true }
func (w *routeWire) Defunct() bool                   { return false }
func (w *routeWire) Failed() bool                    { return false }
func (w *routeWire) Birth() time.Time                { return time.Now() }
func (w *routeWire) Close() error                    { return nil }

func TestRouterFetchesAndCaches(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		"initial": routeMeta(300, []string{"r1"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("initial")}, Config{}, nil)

	table, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	assert.Equal(t, []bolt.Address{addr("read1")}, table.Readers)

	// Second call serves from cache: no new acquisition.
	_, err = r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	assert.Len(t, src.acquired, 1)
}

func TestRouterRefreshesExpiredTable(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		"initial": routeMeta(1, []string{"initial"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("initial")}, Config{}, nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	_, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	assert.Len(t, src.acquired, 2, "expired table triggers a refresh")
}

func TestRouterFallsThroughUnreachableRouters(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		// "dead" is absent: connectivity error.
		"alive": routeMeta(300, []string{"alive"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("dead"), addr("alive")}, Config{}, nil)

	table, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	assert.Equal(t, []bolt.Address{addr("read1")}, table.Readers)
	assert.Equal(t, []string{"dead", "alive"}, src.acquired)
}

func TestRouterServerErrorIsFinal(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		"first":  &bolt.ServerError{Code: "Neo.ClientError.Database.DatabaseNotFound"},
		"second": routeMeta(300, []string{"second"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("first"), addr("second")}, Config{}, nil)

	_, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.Error(t, err)
	var srvErr *bolt.ServerError
	assert.ErrorAs(t, err, &srvErr)
	assert.Equal(t, []string{"first"}, src.acquired, "server errors do not fall through")
}

func TestRouterAllUnreachable(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{}}
	r := New(src, []bolt.Address{addr("dead1"), addr("dead2")}, Config{}, nil)

	_, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestRouterStaleTableAsLastResort(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		"initial": routeMeta(1, []string{"initial"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("initial")}, Config{}, nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	fresh, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)

	// Expire the table and take every router down.
	now = now.Add(time.Minute)
	src.routes = map[string]any{}

	stale, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err, "a stale table beats total failure")
	assert.Equal(t, fresh.Readers, stale.Readers)
}

func TestRouterInvalidate(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		"initial": routeMeta(300, []string{"initial"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("initial")}, Config{}, nil)

	_, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	r.Invalidate("db")

	_, err = r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	assert.Len(t, src.acquired, 2, "invalidated table forces a refresh")
}

func TestRouterTTLOverride(t *testing.T) {
	src := &fakeSource{t: t, routes: map[string]any{
		"initial": routeMeta(300, []string{"initial"}, []string{"read1"}, []string{"w1"}),
	}}
	r := New(src, []bolt.Address{addr("initial")}, Config{TTLOverride: time.Second}, nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	table, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second), table.Expiry, "override wins over the server TTL")
}

func TestRouterModeAwareStaleness(t *testing.T) {
	// A cached table with no writers is unusable for writes even before
	// its TTL runs out.
	src := &fakeSource{t: t, routes: map[string]any{
		"initial": routeMeta(300, []string{"initial"}, []string{"read1"}, nil),
	}}
	r := New(src, []bolt.Address{addr("initial")}, Config{}, nil)

	_, err := r.GetOrRefresh(context.Background(), "db", ReadAccess, nil)
	require.NoError(t, err)

	src.routes["initial"] = routeMeta(300, []string{"initial"}, []string{"read1"}, []string{"w1"})
	table, err := r.GetOrRefresh(context.Background(), "db", WriteAccess, nil)
	require.NoError(t, err)
	assert.Len(t, src.acquired, 2)
	assert.Equal(t, []bolt.Address{addr("w1")}, table.Writers)
}

func TestRoutingErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	e := &Error{Database: "db", Err: inner}
	assert.ErrorIs(t, e, inner)
	assert.Contains(t, e.Error(), "db")
}
