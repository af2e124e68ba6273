package bolt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerErrorSegments(t *testing.T) {
	e := &ServerError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}
	assert.Equal(t, "TransientError", e.Classification())
	assert.Equal(t, "Transaction", e.Category())

	short := &ServerError{Code: "Neo"}
	assert.Equal(t, "", short.Classification())
	assert.Equal(t, "", short.Category())
}

func TestServerErrorRetryable(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{"Neo.TransientError.Transaction.DeadlockDetected", true},
		{"Neo.TransientError.General.MemoryPoolOutOfMemoryError", true},
		{"Neo.TransientError.Transaction.Terminated", false},
		{"Neo.TransientError.Transaction.LockClientStopped", false},
		{"Neo.ClientError.Cluster.NotALeader", true},
		{"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase", true},
		{"Neo.ClientError.Statement.SyntaxError", false},
		{"Neo.ClientError.Security.Unauthorized", false},
		{"Neo.DatabaseError.General.UnknownError", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := &ServerError{Code: tt.code}
			assert.Equal(t, tt.retryable, e.Retryable())
		})
	}
}

func TestRetryableClassifier(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"connectivity", &ConnectivityError{Op: "dial", Addr: "x:7687"}, true},
		{"wrapped connectivity", errors.Join(errors.New("outer"), &ConnectivityError{Op: "recv"}), true},
		{"transient server", &ServerError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}, true},
		{"terminated", &ServerError{Code: "Neo.TransientError.Transaction.Terminated"}, false},
		{"not a leader", &ServerError{Code: "Neo.ClientError.Cluster.NotALeader"}, true},
		{"syntax error", &ServerError{Code: "Neo.ClientError.Statement.SyntaxError"}, false},
		{"protocol", &ProtocolError{Addr: "x:7687", Reason: "bad frame"}, false},
		{"auth", &AuthError{Addr: "x:7687", Code: "Neo.ClientError.Security.Unauthorized"}, false},
		{"plain", errors.New("something else"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
}

func TestIsRoleChange(t *testing.T) {
	tests := []struct {
		code       string
		roleChange bool
	}{
		{"Neo.ClientError.Cluster.NotALeader", true},
		{"Neo.ClientError.Cluster.NoSuchClusterMember", true},
		{"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase", true},
		{"Neo.ClientError.Statement.SyntaxError", false},
		{"Neo.TransientError.Transaction.DeadlockDetected", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := &ServerError{Code: tt.code}
			assert.Equal(t, tt.roleChange, e.IsRoleChange())
		})
	}
}

func TestIsSecurityFailure(t *testing.T) {
	assert.True(t, (&ServerError{Code: "Neo.ClientError.Security.Unauthorized"}).IsSecurityFailure())
	assert.False(t, (&ServerError{Code: "Neo.ClientError.Statement.SyntaxError"}).IsSecurityFailure())
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
		ok   bool
	}{
		{"localhost", "localhost", 7687, true},
		{"db.example.com:9999", "db.example.com", 9999, true},
		{"10.0.0.1:7687", "10.0.0.1", 7687, true},
		{"host:notaport", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParseAddress(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.host, addr.Host)
			assert.Equal(t, tt.port, addr.Port)
		})
	}
}
