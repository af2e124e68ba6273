package bolt

import (
	"errors"
	"fmt"
	"strings"
)

// The error taxonomy is a closed set of tagged variants. Layers above decide
// disposition by type, never by string matching:
//
//   - ConnectivityError: socket failure, handshake failure, unexpected close.
//     Retryable at the routing/pool layer's discretion.
//   - ProtocolError: malformed framing or codec failure. Fatal for the
//     affected connection; it is discarded, never reused.
//   - AuthError: credentials rejected during HELLO. Not retryable with the
//     same credentials.
//   - ServerError: a FAILURE response with a Neo.* status code. Retryability
//     follows the code's classification.
//
// Retryable is the single classification function the retry engine consults.

// ConnectivityError reports a socket-level failure, a handshake failure or
// an unexpected close.
type ConnectivityError struct {
	Op   string // what was being attempted: "dial", "handshake", "send", ...
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bolt: %s %s: connection failure", e.Op, e.Addr)
	}
	return fmt.Sprintf("bolt: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError reports malformed framing or an undecodable payload. The
// connection that produced it is in an indeterminate state and must be
// discarded.
type ProtocolError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bolt: protocol violation on %s: %s", e.Addr, e.Reason)
	}
	return fmt.Sprintf("bolt: protocol violation on %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials.
type AuthError struct {
	Addr    string
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bolt: authentication failed on %s: [%s] %s", e.Addr, e.Code, e.Message)
}

// ServerError is a FAILURE response from the server, carrying a status code
// of the form Neo.<Classification>.<Category>.<Title>.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error [%s] %s", e.Code, e.Message)
}

// Classification returns the second code segment, e.g. "ClientError" or
// "TransientError".
func (e *ServerError) Classification() string {
	return codeSegment(e.Code, 1)
}

// Category returns the third code segment, e.g. "Security" or "Cluster".
func (e *ServerError) Category() string {
	return codeSegment(e.Code, 2)
}

func codeSegment(code string, i int) string {
	parts := strings.Split(code, ".")
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// Transient errors that the server reports but that cannot succeed on
// retry, per the protocol contract.
var nonRetryableTransient = map[string]bool{
	"Neo.TransientError.Transaction.Terminated":        true,
	"Neo.TransientError.Transaction.LockClientStopped": true,
}

// Cluster role changes surface as client errors but mean "this member can
// no longer serve you"; a fresh acquisition through routing can succeed.
var retryableClusterCodes = map[string]bool{
	"Neo.ClientError.Cluster.NotALeader":                  true,
	"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase": true,
}

// Retryable reports whether e can succeed on a wholly new attempt.
func (e *ServerError) Retryable() bool {
	switch e.Classification() {
	case "TransientError":
		return !nonRetryableTransient[e.Code]
	case "ClientError":
		return retryableClusterCodes[e.Code]
	default:
		return false
	}
}

// IsRoleChange reports whether the failure means the member that answered
// no longer holds the role the routing table promised. The caller's table
// is stale and must be refreshed before the next attempt. Covers the
// Cluster category plus ForbiddenOnReadOnlyDatabase, which signals a
// leadership move without carrying the Cluster category.
func (e *ServerError) IsRoleChange() bool {
	return e.Category() == "Cluster" || retryableClusterCodes[e.Code]
}

// IsSecurityFailure reports whether the code belongs to the Security
// category. Security failures during HELLO become AuthError.
func (e *ServerError) IsSecurityFailure() bool {
	return strings.HasPrefix(e.Code, "Neo.ClientError.Security.")
}

// Retryable classifies any driver error: connectivity loss and transient
// server conditions are safe to retry with a fresh connection, everything
// else is surfaced immediately.
func Retryable(err error) bool {
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Retryable()
	}
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}
