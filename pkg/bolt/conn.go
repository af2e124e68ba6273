// Package bolt implements the client side of the Bolt protocol: a single
// authenticated, version-negotiated connection plus the closed error
// taxonomy shared by the layers above.
//
// A Conn owns one socket, one outgoing chunk writer and one incoming chunk
// inbox. It pairs requests with responses but knows nothing about pooling,
// routing or transactions; those live in their own packages and drive the
// connection through the Wire interface.
//
// Protocol flow:
//
//  1. Handshake: the client sends the magic preamble 0x6060B017 followed by
//     four proposed protocol versions; the server echoes the first one it
//     supports, or zero if none match.
//  2. Authentication: a HELLO message carries the user agent and auth token
//     before any work message. A security FAILURE here is an AuthError and
//     must not be retried with the same credentials.
//  3. Work: request messages are framed into chunks and matched with
//     SUCCESS / RECORD / FAILURE / IGNORED responses.
package bolt

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/orneryd/nornic-go/pkg/chunk"
	"github.com/orneryd/nornic-go/pkg/logging"
	"github.com/orneryd/nornic-go/pkg/packstream"
)

// ErrIgnored is returned when the server answers IGNORED, meaning it is in
// a failed state and discarding requests until a RESET.
var ErrIgnored = errors.New("bolt: request ignored by server")

// SecureChannel upgrades a raw socket to an encrypted transport. The driver
// treats it as opaque; TLS trust configuration belongs to the caller.
type SecureChannel func(raw net.Conn, host string) (net.Conn, error)

// ConnConfig carries everything Dial needs besides the address.
type ConnConfig struct {
	// Auth is the authentication token sent in HELLO: at minimum a
	// "scheme" entry, plus scheme-specific fields such as "principal" and
	// "credentials".
	Auth map[string]any
	// UserAgent identifies the client in HELLO.
	UserAgent string
	// RoutingContext, when non-nil, is announced in HELLO so the server
	// knows the client consumes routing tables.
	RoutingContext map[string]any
	// ConnectTimeout bounds TCP connect plus the secure-channel upgrade.
	// It is independent of any pool acquisition timeout.
	ConnectTimeout time.Duration
	// MaxChunkSize caps outgoing chunk payloads. Zero selects the default.
	MaxChunkSize int
	// Secure, when set, wraps the raw socket before the handshake.
	Secure SecureChannel
	// Logger receives connection-level debug output.
	Logger logging.Logger
}

// Wire is the connection surface the pool, router and sessions drive. The
// concrete implementation is *Conn; tests substitute scripted fakes.
type Wire interface {
	// Address returns the address the connection is bound to.
	Address() Address
	// Version returns the negotiated protocol version.
	Version() uint32
	// Send frames and flushes the given request messages in order.
	Send(ctx context.Context, msgs ...Message) error
	// ReceiveOne blocks until one complete response message is available.
	ReceiveOne(ctx context.Context) (Message, error)
	// Request sends one request and reads its terminal response,
	// converting FAILURE into an error and flagging the failed state.
	Request(ctx context.Context, req Message) (Message, error)
	// Reset clears server-side failure state so the connection can be
	// reused.
	Reset(ctx context.Context) error
	// Alive reports whether the connection looks usable, probing the
	// socket when it has been idle longer than idleThreshold.
	Alive(idleThreshold time.Duration) bool
	// Defunct reports whether the connection is poisoned and must be
	// discarded rather than reused.
	Defunct() bool
	// Failed reports whether the server is in a failure state awaiting a
	// RESET.
	Failed() bool
	// Birth returns the connection's creation time, for lifetime caps.
	Birth() time.Time
	// Close shuts the connection down, announcing GOODBYE when the
	// connection is still healthy. Safe to call more than once.
	Close() error
}

// Conn is one open Bolt connection. It is owned by exactly one goroutine at
// a time: by the pool while idle, by a single caller while checked out.
type Conn struct {
	addr    Address
	netConn net.Conn
	bw      *bufio.Writer
	out     *chunk.Writer
	in      *chunk.Inbox

	version      uint32
	server       string
	connectionID string
	hints        Hints

	birth    time.Time
	lastUsed time.Time
	defunct  atomic.Bool
	failed   bool
	closed   atomic.Bool

	log logging.Logger
}

var _ Wire = (*Conn)(nil)

// Dial opens, handshakes and authenticates a connection to addr.
//
// The returned error is a *ConnectivityError for socket and handshake
// failures and an *AuthError when the server rejects the credentials.
func Dial(ctx context.Context, addr Address, cfg ConnConfig) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &ConnectivityError{Op: "dial", Addr: addr.String(), Err: err}
	}
	// Disable Nagle's algorithm for lower latency on small messages.
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	if cfg.Secure != nil {
		secured, err := cfg.Secure(raw, addr.Host)
		if err != nil {
			raw.Close()
			return nil, &ConnectivityError{Op: "secure", Addr: addr.String(), Err: err}
		}
		raw = secured
	}

	bw := bufio.NewWriterSize(raw, 8192)
	now := time.Now()
	c := &Conn{
		addr:     addr,
		netConn:  raw,
		bw:       bw,
		out:      chunk.NewWriter(bw, cfg.MaxChunkSize),
		in:       chunk.NewInbox(bufio.NewReaderSize(raw, 8192)),
		birth:    now,
		lastUsed: now,
		log:      cfg.Logger,
	}

	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	} else if cfg.ConnectTimeout > 0 {
		raw.SetDeadline(now.Add(cfg.ConnectTimeout))
	}
	if err := c.handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	if err := c.authenticate(ctx, cfg); err != nil {
		raw.Close()
		return nil, err
	}
	raw.SetDeadline(time.Time{})
	c.log.Debugf("connected to %s (%s, protocol %d.%d)",
		addr, c.server, c.version>>8&0xFF, c.version&0xFF)
	return c, nil
}

// handshake writes the magic preamble and the four proposed versions, then
// accepts whichever the server echoes.
func (c *Conn) handshake() error {
	var req [20]byte
	copy(req[:4], boltMagic[:])
	for i, v := range proposedVersions {
		off := 4 + i*4
		req[off] = byte(v >> 24)
		req[off+1] = byte(v >> 16)
		req[off+2] = byte(v >> 8)
		req[off+3] = byte(v)
	}
	if _, err := c.netConn.Write(req[:]); err != nil {
		return &ConnectivityError{Op: "handshake", Addr: c.addr.String(), Err: err}
	}
	var resp [4]byte
	if _, err := io.ReadFull(c.netConn, resp[:]); err != nil {
		return &ConnectivityError{Op: "handshake", Addr: c.addr.String(), Err: err}
	}
	version := uint32(resp[0])<<24 | uint32(resp[1])<<16 | uint32(resp[2])<<8 | uint32(resp[3])
	if version == 0 {
		return &ConnectivityError{Op: "handshake", Addr: c.addr.String(),
			Err: errors.New("no common protocol version")}
	}
	supported := false
	for _, v := range proposedVersions {
		if version == v {
			supported = true
			break
		}
	}
	if !supported {
		return &ConnectivityError{Op: "handshake", Addr: c.addr.String(),
			Err: errors.New("server selected a version that was not proposed")}
	}
	c.version = version
	return nil
}

// authenticate sends HELLO and consumes its response.
func (c *Conn) authenticate(ctx context.Context, cfg ConnConfig) error {
	extra := map[string]any{
		"user_agent": cfg.UserAgent,
	}
	for k, v := range cfg.Auth {
		extra[k] = v
	}
	if cfg.RoutingContext != nil {
		extra["routing"] = cfg.RoutingContext
	}
	if err := c.Send(ctx, hello(extra)); err != nil {
		return err
	}
	resp, err := c.ReceiveOne(ctx)
	if err != nil {
		return err
	}
	switch resp.Sig {
	case MsgSuccess:
		meta := resp.metadata(0)
		if s, ok := meta["server"].(string); ok {
			c.server = s
		}
		if id, ok := meta["connection_id"].(string); ok {
			c.connectionID = id
		}
		c.hints = parseHints(meta)
		return nil
	case MsgFailure:
		meta := resp.metadata(0)
		srvErr := failureError(meta)
		if srvErr.IsSecurityFailure() {
			return &AuthError{Addr: c.addr.String(), Code: srvErr.Code, Message: srvErr.Message}
		}
		return srvErr
	default:
		c.defunct.Store(true)
		return &ProtocolError{Addr: c.addr.String(),
			Reason: "unexpected response to HELLO"}
	}
}

// Address returns the address the connection is bound to.
func (c *Conn) Address() Address { return c.addr }

// Version returns the negotiated protocol version.
func (c *Conn) Version() uint32 { return c.version }

// ServerAgent returns the server identification from HELLO.
func (c *Conn) ServerAgent() string { return c.server }

// ServerHints returns the connection advice received in HELLO.
func (c *Conn) ServerHints() Hints { return c.hints }

// Birth returns the connection's creation time.
func (c *Conn) Birth() time.Time { return c.birth }

// Defunct reports whether the connection is poisoned.
func (c *Conn) Defunct() bool { return c.defunct.Load() }

// Failed reports whether the server awaits a RESET.
func (c *Conn) Failed() bool { return c.failed }

// Send encodes, frames and flushes the given messages in order. Any error
// poisons the connection: a partially sent message leaves the stream in an
// indeterminate framing state.
func (c *Conn) Send(ctx context.Context, msgs ...Message) error {
	if c.defunct.Load() || c.closed.Load() {
		return &ConnectivityError{Op: "send", Addr: c.addr.String(),
			Err: errors.New("connection is defunct")}
	}
	c.applyDeadline(ctx)
	for _, msg := range msgs {
		payload, err := packstream.AppendStructure(nil, msg.structure())
		if err != nil {
			c.defunct.Store(true)
			return err
		}
		if _, err := c.out.Write(payload); err != nil {
			c.defunct.Store(true)
			return &ConnectivityError{Op: "send", Addr: c.addr.String(), Err: err}
		}
		if err := c.out.EndMessage(); err != nil {
			c.defunct.Store(true)
			return &ConnectivityError{Op: "send", Addr: c.addr.String(), Err: err}
		}
	}
	if err := c.bw.Flush(); err != nil {
		c.defunct.Store(true)
		return &ConnectivityError{Op: "send", Addr: c.addr.String(), Err: err}
	}
	c.lastUsed = time.Now()
	return nil
}

// ReceiveOne blocks until one complete message has been framed and decoded.
// Framing and decode failures poison the connection; a FAILURE response
// does not (it is a well-formed message, returned as-is).
func (c *Conn) ReceiveOne(ctx context.Context) (Message, error) {
	if c.defunct.Load() || c.closed.Load() {
		return Message{}, &ConnectivityError{Op: "receive", Addr: c.addr.String(),
			Err: errors.New("connection is defunct")}
	}
	c.applyDeadline(ctx)
	frame, err := c.in.Next()
	if err != nil {
		c.defunct.Store(true)
		return Message{}, &ConnectivityError{Op: "receive", Addr: c.addr.String(), Err: err}
	}
	s, err := packstream.NewDecoder(frame).DecodeStructure()
	c.in.Discard()
	if err != nil {
		// ErrIncomplete inside a fully framed message means the payload
		// itself is malformed.
		c.defunct.Store(true)
		return Message{}, &ProtocolError{Addr: c.addr.String(),
			Reason: "undecodable message payload", Err: err}
	}
	switch s.Tag {
	case MsgFailure:
		// The server discards everything after a FAILURE until a RESET;
		// remember that so the pool can recover the connection.
		c.failed = true
	case MsgSuccess, MsgRecord, MsgIgnored:
	default:
		c.defunct.Store(true)
		return Message{}, &ProtocolError{Addr: c.addr.String(),
			Reason: "unexpected message signature"}
	}
	c.lastUsed = time.Now()
	return Message{Sig: s.Tag, Fields: s.Fields}, nil
}

// Request sends req and reads its terminal response. RECORD messages are
// not expected here; use Send/ReceiveOne for streaming results. FAILURE is
// converted into a *ServerError and flags the connection as failed until
// Reset.
func (c *Conn) Request(ctx context.Context, req Message) (Message, error) {
	if err := c.Send(ctx, req); err != nil {
		return Message{}, err
	}
	resp, err := c.ReceiveOne(ctx)
	if err != nil {
		return Message{}, err
	}
	switch resp.Sig {
	case MsgSuccess:
		return resp, nil
	case MsgFailure:
		return Message{}, failureError(resp.metadata(0))
	case MsgIgnored:
		return Message{}, ErrIgnored
	default:
		c.defunct.Store(true)
		return Message{}, &ProtocolError{Addr: c.addr.String(),
			Reason: "unexpected streaming message in request/response exchange"}
	}
}

// Reset clears the server-side failure state. A reset that does not come
// back SUCCESS poisons the connection.
func (c *Conn) Reset(ctx context.Context) error {
	if err := c.Send(ctx, Reset()); err != nil {
		return err
	}
	for {
		resp, err := c.ReceiveOne(ctx)
		if err != nil {
			return err
		}
		switch resp.Sig {
		case MsgSuccess:
			c.failed = false
			return nil
		case MsgIgnored, MsgRecord, MsgFailure:
			// Responses to requests that were in flight before the RESET;
			// drain them.
		}
	}
}

// Alive reports whether the connection can be handed out. Connections idle
// beyond idleThreshold are probed with a zero-deadline read: a timeout
// means the socket is healthy and quiet, anything else means the peer is
// gone or has sent unsolicited data.
func (c *Conn) Alive(idleThreshold time.Duration) bool {
	if c.defunct.Load() || c.closed.Load() || c.failed {
		return false
	}
	if idleThreshold <= 0 || time.Since(c.lastUsed) < idleThreshold {
		return true
	}
	c.netConn.SetReadDeadline(time.Now())
	var probe [1]byte
	n, err := c.netConn.Read(probe[:])
	c.netConn.SetReadDeadline(time.Time{})
	var netErr net.Error
	if n == 0 && errors.As(err, &netErr) && netErr.Timeout() {
		c.lastUsed = time.Now()
		return true
	}
	c.defunct.Store(true)
	return false
}

// MarkDefunct poisons the connection, e.g. after a caller abandoned an
// in-flight operation.
func (c *Conn) MarkDefunct() { c.defunct.Store(true) }

// Close shuts the connection down. A healthy connection announces GOODBYE
// first; a defunct one is just torn down.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.defunct.Load() {
		// Best effort; the server closes its side on receipt.
		c.netConn.SetWriteDeadline(time.Now().Add(time.Second))
		payload, err := packstream.AppendStructure(nil, Goodbye().structure())
		if err == nil {
			if _, err := c.out.Write(payload); err == nil {
				if err := c.out.EndMessage(); err == nil {
					c.bw.Flush()
				}
			}
		}
	}
	return c.netConn.Close()
}

// applyDeadline maps the context deadline, or failing that the server's
// advised receive timeout, onto the socket.
func (c *Conn) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetDeadline(deadline)
		return
	}
	if c.hints.RecvTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.hints.RecvTimeout))
		return
	}
	c.netConn.SetDeadline(time.Time{})
}

// failureError builds a *ServerError from FAILURE metadata.
func failureError(meta map[string]any) *ServerError {
	code, _ := meta["code"].(string)
	message, _ := meta["message"].(string)
	if code == "" {
		code = "Neo.DatabaseError.General.UnknownError"
	}
	return &ServerError{Code: code, Message: message}
}
