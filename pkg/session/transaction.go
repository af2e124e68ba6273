package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/nornic-go/pkg/bolt"
)

// State is the lifecycle position of a Transaction.
type State int

const (
	// StateNotStarted is the zero value; a Transaction handed to callers
	// is always past it.
	StateNotStarted State = iota
	// StateOpen accepts queries.
	StateOpen
	// StateCommitted is terminal after a successful commit.
	StateCommitted
	// StateRolledBack is terminal after an explicit rollback.
	StateRolledBack
	// StateFailed is terminal after an unrecoverable mid-transaction
	// failure.
	StateFailed
)

func (st State) String() string {
	switch st {
	case StateNotStarted:
		return "not-started"
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transaction is one explicit transaction, bound to one connection for its
// whole life. Terminal transitions (commit, rollback, failure) return the
// connection to the pool. Single-owner, like the session that created it.
type Transaction struct {
	sess  *Session
	conn  bolt.Wire
	state State
}

// State returns the transaction's lifecycle state.
func (tx *Transaction) State() State { return tx.state }

// Run executes a query inside the transaction and drains its result.
func (tx *Transaction) Run(ctx context.Context, query string, params map[string]any) (*Result, error) {
	if tx.state != StateOpen {
		return nil, fmt.Errorf("session: cannot run in %s transaction", tx.state)
	}
	result, err := runAndPull(ctx, tx.conn, query, params, map[string]any{})
	if err != nil {
		// The server discards everything until RESET after a failure, so
		// the transaction cannot continue. The pool resets the connection
		// on release.
		tx.finish(ctx, StateFailed)
		return nil, err
	}
	return result, nil
}

// Commit commits the transaction and folds the server's bookmark into the
// owning session's causal chain.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.state != StateOpen {
		return fmt.Errorf("session: cannot commit %s transaction", tx.state)
	}
	resp, err := tx.conn.Request(ctx, bolt.Commit())
	if err != nil {
		tx.finish(ctx, StateFailed)
		return err
	}
	if len(resp.Fields) > 0 {
		if meta, ok := resp.Fields[0].(map[string]any); ok {
			tx.sess.commitBookmark(meta)
		}
	}
	tx.finish(ctx, StateCommitted)
	return nil
}

// Rollback rolls the transaction back. Rolling back a transaction that
// already reached a terminal state is a no-op, matching server behavior.
func (tx *Transaction) Rollback(ctx context.Context) error {
	if tx.state != StateOpen {
		return nil
	}
	_, err := tx.conn.Request(ctx, bolt.Rollback())
	if errors.Is(err, bolt.ErrIgnored) {
		// The server had already failed the transaction; the rollback is
		// implicit.
		err = nil
	}
	if err != nil {
		tx.finish(ctx, StateFailed)
		return err
	}
	tx.finish(ctx, StateRolledBack)
	return nil
}

// finish moves to a terminal state and releases the connection.
func (tx *Transaction) finish(ctx context.Context, st State) {
	tx.state = st
	if tx.sess.tx == tx {
		tx.sess.tx = nil
	}
	tx.sess.src.ReleaseConn(ctx, tx.conn)
}

// runAndPull pipelines RUN and PULL, then drains the record stream.
// FAILURE on the RUN also consumes the IGNORED answer to the pipelined
// PULL, leaving the message stream aligned.
func runAndPull(ctx context.Context, conn bolt.Wire, query string, params map[string]any, extra map[string]any) (*Result, error) {
	if err := conn.Send(ctx, bolt.Run(query, params, extra), bolt.Pull(-1, -1)); err != nil {
		return nil, err
	}

	runResp, err := conn.ReceiveOne(ctx)
	if err != nil {
		return nil, err
	}
	switch runResp.Sig {
	case bolt.MsgSuccess:
	case bolt.MsgFailure:
		srvErr := serverError(runResp)
		// Drain the IGNORED response to the pipelined PULL.
		if _, recvErr := conn.ReceiveOne(ctx); recvErr != nil {
			return nil, recvErr
		}
		return nil, srvErr
	case bolt.MsgIgnored:
		if _, recvErr := conn.ReceiveOne(ctx); recvErr != nil {
			return nil, recvErr
		}
		return nil, bolt.ErrIgnored
	default:
		return nil, fmt.Errorf("session: unexpected response %02X to RUN", runResp.Sig)
	}

	result := &Result{Keys: keysFrom(fieldMeta(runResp))}
	for {
		msg, err := conn.ReceiveOne(ctx)
		if err != nil {
			return nil, err
		}
		switch msg.Sig {
		case bolt.MsgRecord:
			if len(msg.Fields) > 0 {
				if row, ok := msg.Fields[0].([]any); ok {
					result.Records = append(result.Records, Record(row))
				}
			}
		case bolt.MsgSuccess:
			result.Summary = summaryFrom(fieldMeta(msg))
			return result, nil
		case bolt.MsgFailure:
			return nil, serverError(msg)
		case bolt.MsgIgnored:
			return nil, bolt.ErrIgnored
		}
	}
}

func fieldMeta(msg bolt.Message) map[string]any {
	if len(msg.Fields) > 0 {
		if m, ok := msg.Fields[0].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

func serverError(msg bolt.Message) error {
	meta := fieldMeta(msg)
	code, _ := meta["code"].(string)
	message, _ := meta["message"].(string)
	if code == "" {
		code = "Neo.DatabaseError.General.UnknownError"
	}
	return &bolt.ServerError{Code: code, Message: message}
}
