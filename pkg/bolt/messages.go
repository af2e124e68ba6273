package bolt

import "github.com/orneryd/nornic-go/pkg/packstream"

// Protocol versions proposed during the handshake, most preferred first.
const (
	BoltV4_4 = 0x0404
	BoltV4_3 = 0x0403
	BoltV4_2 = 0x0402
	BoltV4_1 = 0x0401
)

// proposedVersions fills the four version slots of the handshake.
var proposedVersions = [4]uint32{BoltV4_4, BoltV4_3, BoltV4_2, BoltV4_1}

// boltMagic is the fixed 4-byte handshake preamble.
var boltMagic = [4]byte{0x60, 0x60, 0xB0, 0x17}

// Message signatures. The request/response split mirrors the protocol: the
// client only ever sends the first group and only ever receives the second.
const (
	MsgHello    byte = 0x01
	MsgGoodbye  byte = 0x02
	MsgReset    byte = 0x0F
	MsgRun      byte = 0x10
	MsgBegin    byte = 0x11
	MsgCommit   byte = 0x12
	MsgRollback byte = 0x13
	MsgDiscard  byte = 0x2F
	MsgPull     byte = 0x3F
	MsgRoute    byte = 0x66

	MsgSuccess byte = 0x70
	MsgRecord  byte = 0x71
	MsgIgnored byte = 0x7E
	MsgFailure byte = 0x7F
)

// Message is one decoded protocol message: its signature plus ordered
// PackStream fields.
type Message struct {
	Sig    byte
	Fields []any
}

// struct converts the message to its wire structure.
func (m Message) structure() packstream.Structure {
	return packstream.Structure{Tag: m.Sig, Fields: m.Fields}
}

// metadata returns the message's map field at index i, tolerating absence.
// SUCCESS and FAILURE carry their payload as a single metadata map.
func (m Message) metadata(i int) map[string]any {
	if i < len(m.Fields) {
		if md, ok := m.Fields[i].(map[string]any); ok {
			return md
		}
	}
	return map[string]any{}
}

// hello builds the HELLO message. extra carries user agent, auth scheme and
// credentials, and the optional routing context.
func hello(extra map[string]any) Message {
	return Message{Sig: MsgHello, Fields: []any{extra}}
}

// Run builds a RUN request for the given query and parameters. extra holds
// transaction metadata: bookmarks, database, access mode.
func Run(query string, params map[string]any, extra map[string]any) Message {
	if params == nil {
		params = map[string]any{}
	}
	if extra == nil {
		extra = map[string]any{}
	}
	return Message{Sig: MsgRun, Fields: []any{query, params, extra}}
}

// Pull builds a PULL request for n records (-1 for all) from query qid
// (-1 for the last one).
func Pull(n int64, qid int64) Message {
	extra := map[string]any{"n": n}
	if qid >= 0 {
		extra["qid"] = qid
	}
	return Message{Sig: MsgPull, Fields: []any{extra}}
}

// DiscardAll builds a DISCARD request throwing away the unstreamed rest of
// the last result.
func DiscardAll() Message {
	return Message{Sig: MsgDiscard, Fields: []any{map[string]any{"n": int64(-1)}}}
}

// Begin builds a BEGIN request. extra carries bookmarks, database and mode.
func Begin(extra map[string]any) Message {
	if extra == nil {
		extra = map[string]any{}
	}
	return Message{Sig: MsgBegin, Fields: []any{extra}}
}

// Commit builds a COMMIT request.
func Commit() Message { return Message{Sig: MsgCommit, Fields: nil} }

// Rollback builds a ROLLBACK request.
func Rollback() Message { return Message{Sig: MsgRollback, Fields: nil} }

// Reset builds a RESET request, clearing any server-side failure state.
func Reset() Message { return Message{Sig: MsgReset, Fields: nil} }

// Goodbye builds the GOODBYE request announcing an orderly close.
func Goodbye() Message { return Message{Sig: MsgGoodbye, Fields: nil} }

// Route builds a ROUTE request for the routing table of database db, seen
// through the given routing context and bookmarks. The third field changed
// shape in 4.4: earlier versions carry the database name (or null) directly,
// 4.4 wraps it in an extra map.
func Route(routingCtx map[string]any, bookmarks []string, db string, version uint32) Message {
	if routingCtx == nil {
		routingCtx = map[string]any{}
	}
	bms := make([]any, len(bookmarks))
	for i, b := range bookmarks {
		bms[i] = b
	}
	var dbField any
	if version >= BoltV4_4 {
		extra := map[string]any{}
		if db != "" {
			extra["db"] = db
		}
		dbField = extra
	} else if db != "" {
		dbField = db
	}
	return Message{Sig: MsgRoute, Fields: []any{routingCtx, bms, dbField}}
}
