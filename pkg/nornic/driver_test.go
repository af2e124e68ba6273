package nornic

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornic-go/pkg/bolt"
	"github.com/orneryd/nornic-go/pkg/chunk"
	"github.com/orneryd/nornic-go/pkg/config"
	"github.com/orneryd/nornic-go/pkg/packstream"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri    string
		routed bool
		secure bool
		host   string
		port   int
	}{
		{"bolt://localhost:7687", false, false, "localhost", 7687},
		{"bolt://localhost", false, false, "localhost", 7687},
		{"bolt+s://db.example.com:9999", false, true, "db.example.com", 9999},
		{"bolt+ssc://10.0.0.1", false, true, "10.0.0.1", 7687},
		{"neo4j://cluster.example.com:7687", true, false, "cluster.example.com", 7687},
		{"neo4j+s://cluster.example.com", true, true, "cluster.example.com", 7687},
		{"neo4j+ssc://cluster.example.com", true, true, "cluster.example.com", 7687},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			p, err := parseURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.routed, p.routed)
			assert.Equal(t, tt.secure, p.secure != nil)
			assert.Equal(t, tt.host, p.address.Host)
			assert.Equal(t, tt.port, p.address.Port)
		})
	}
}

func TestParseURIRejections(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"unknown scheme", "http://localhost:7687"},
		{"no host", "bolt://"},
		{"bad port", "bolt://localhost:notaport"},
		{"query on direct scheme", "bolt://localhost:7687?region=eu"},
		{"reserved routing key", "neo4j://cluster:7687?address=evil:1"},
		{"duplicate routing key", "neo4j://cluster:7687?region=eu&region=us"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseURI(tt.uri)
			assert.Error(t, err)
		})
	}
}

func TestParseURIRoutingContext(t *testing.T) {
	p, err := parseURI("neo4j://cluster.example.com:7687?region=eu&policy=fast")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "eu", "policy": "fast"}, p.routingContext)
}

func TestAuthTokens(t *testing.T) {
	assert.Equal(t, AuthToken{
		"scheme":      "basic",
		"principal":   "neo4j",
		"credentials": "secret",
	}, BasicAuth("neo4j", "secret"))

	assert.Equal(t, AuthToken{"scheme": "none"}, NoAuth())
}

func TestNewDriverRejectsBadURI(t *testing.T) {
	_, err := NewDriver("ftp://localhost:7687", NoAuth())
	assert.Error(t, err)
}

func TestNewDriverRejectsBadConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pool.MaxSize = 0
	_, err := NewDriver("bolt://localhost:7687", NoAuth(), WithConfig(cfg))
	assert.Error(t, err)
}

func TestNewDriverRoutedOnlyForClusterSchemes(t *testing.T) {
	direct, err := NewDriver("bolt://localhost:7687", NoAuth())
	require.NoError(t, err)
	assert.Nil(t, direct.router)

	routed, err := NewDriver("neo4j://cluster.example.com:7687", NoAuth())
	require.NoError(t, err)
	assert.NotNil(t, routed.router)
}

func TestDriverClosedRefusesWork(t *testing.T) {
	d, err := NewDriver("bolt://localhost:7687", NoAuth())
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()), "close is idempotent")

	err = d.VerifyConnectivity(context.Background())
	assert.ErrorIs(t, err, ErrDriverClosed)
}

// startBoltServer runs a minimal single-connection server: handshake,
// HELLO accepted, then every request answered with SUCCESS until EOF.
func startBoltServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var handshake [20]byte
		if _, err := io.ReadFull(conn, handshake[:]); err != nil {
			return
		}
		var resp [4]byte
		binary.BigEndian.PutUint32(resp[:], bolt.BoltV4_4)
		if _, err := conn.Write(resp[:]); err != nil {
			return
		}

		inbox := chunk.NewInbox(bufio.NewReader(conn))
		bw := bufio.NewWriter(conn)
		for {
			frame, err := inbox.Next()
			if err != nil {
				return
			}
			msg, err := packstream.NewDecoder(frame).DecodeStructure()
			inbox.Discard()
			if err != nil {
				return
			}
			if msg.Tag == bolt.MsgGoodbye {
				return
			}
			w := chunk.NewWriter(bw, 0)
			payload, _ := packstream.AppendStructure(nil, packstream.Structure{
				Tag:    bolt.MsgSuccess,
				Fields: []any{map[string]any{"server": "TestServer/0.0"}},
			})
			_, _ = w.Write(payload)
			if w.EndMessage() != nil || bw.Flush() != nil {
				return
			}
		}
	}()
	return "bolt://" + ln.Addr().String()
}

func TestVerifyConnectivity(t *testing.T) {
	uri := startBoltServer(t)
	d, err := NewDriver(uri, BasicAuth("neo4j", "secret"))
	require.NoError(t, err)
	defer d.Close(context.Background())

	require.NoError(t, d.VerifyConnectivity(context.Background()))
}

// startRotatingAuthServer rejects the first HELLO as unauthorized and
// accepts the second, reporting the credentials each HELLO carried.
func startRotatingAuthServer(t *testing.T) (string, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	seen := make(chan string, 2)

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			func() {
				defer conn.Close()
				var handshake [20]byte
				if _, err := io.ReadFull(conn, handshake[:]); err != nil {
					return
				}
				var resp [4]byte
				binary.BigEndian.PutUint32(resp[:], bolt.BoltV4_4)
				if _, err := conn.Write(resp[:]); err != nil {
					return
				}

				inbox := chunk.NewInbox(bufio.NewReader(conn))
				bw := bufio.NewWriter(conn)
				answer := func(sig byte, meta map[string]any) bool {
					w := chunk.NewWriter(bw, 0)
					payload, _ := packstream.AppendStructure(nil, packstream.Structure{
						Tag:    sig,
						Fields: []any{meta},
					})
					_, _ = w.Write(payload)
					return w.EndMessage() == nil && bw.Flush() == nil
				}

				frame, err := inbox.Next()
				if err != nil {
					return
				}
				hello, err := packstream.NewDecoder(frame).DecodeStructure()
				inbox.Discard()
				if err != nil || hello.Tag != bolt.MsgHello {
					return
				}
				extra, _ := hello.Fields[0].(map[string]any)
				creds, _ := extra["credentials"].(string)
				seen <- creds

				if i == 0 {
					answer(bolt.MsgFailure, map[string]any{
						"code":    "Neo.ClientError.Security.Unauthorized",
						"message": "token expired",
					})
					return
				}
				if !answer(bolt.MsgSuccess, map[string]any{"server": "TestServer/0.0"}) {
					return
				}
				for {
					frame, err := inbox.Next()
					if err != nil {
						return
					}
					msg, err := packstream.NewDecoder(frame).DecodeStructure()
					inbox.Discard()
					if err != nil || msg.Tag == bolt.MsgGoodbye {
						return
					}
					if !answer(bolt.MsgSuccess, map[string]any{}) {
						return
					}
				}
			}()
		}
	}()
	return "bolt://" + ln.Addr().String(), seen
}

func TestTokenProviderRefreshesExpiredAuth(t *testing.T) {
	uri, seen := startRotatingAuthServer(t)

	d, err := NewDriver(uri, BasicAuth("neo4j", "expired"),
		WithTokenProvider(func(ctx context.Context) (AuthToken, error) {
			return BasicAuth("neo4j", "rotated"), nil
		}))
	require.NoError(t, err)
	defer d.Close(context.Background())

	require.NoError(t, d.VerifyConnectivity(context.Background()))
	assert.Equal(t, "expired", <-seen)
	assert.Equal(t, "rotated", <-seen, "the refreshed token is used for the re-dial")
}

func TestResolverRedirectsDial(t *testing.T) {
	uri := startBoltServer(t)
	real, err := bolt.ParseAddress(uri[len("bolt://"):])
	require.NoError(t, err)

	// The URI names a host that does not exist; the resolver supplies the
	// reachable address.
	d, err := NewDriver("bolt://placeholder.invalid:7687", NoAuth(),
		WithResolver(func(bolt.Address) []bolt.Address {
			return []bolt.Address{real}
		}))
	require.NoError(t, err)
	defer d.Close(context.Background())

	require.NoError(t, d.VerifyConnectivity(context.Background()))
}
