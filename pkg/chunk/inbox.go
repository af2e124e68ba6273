package chunk

import (
	"errors"
	"io"
)

// ErrConnectionClosed is returned by Next when the transport is exhausted
// before a complete message has been framed. It is deliberately distinct
// from "keep waiting": a short read mid-message just pauses framing, a
// zero-byte read with EOF means the peer hung up.
var ErrConnectionClosed = errors.New("chunk: connection closed during message")

// defaultArenaSize is the initial receive arena capacity. The arena grows
// on demand and is compacted once framed messages are discarded, so this
// only sets the floor.
const defaultArenaSize = 16384

// pane is one chunk's payload range inside the arena, absolute offsets.
type pane struct {
	start, end int
}

// An Inbox turns an unbounded incoming byte stream into discrete messages.
//
// Bytes arrive in arbitrary-sized bursts and are appended to a growable
// arena. A scan cursor walks the arena parsing chunk headers: nonzero
// lengths record a pane and skip ahead, a zero length completes the
// message. The scan pauses mid-header or mid-chunk when bytes run out and
// resumes where it left off; confirmed panes are never re-scanned.
//
// A message is never observed partially. Once framed it is exposed as a
// Frame reading across panes; Discard releases it and lets the arena space
// before the new origin be reclaimed.
//
// An Inbox is not safe for concurrent use; a connection owns exactly one.
type Inbox struct {
	r       io.Reader
	data    []byte // arena; len(data) is the loaded extent
	origin  int    // start of the current message region
	scanPos int    // next unparsed position (may point past loaded data)
	limit   int    // end of the framed message, -1 while incomplete
	panes   []pane
	frame   Frame
}

// NewInbox returns an Inbox reading bursts from r. r may be nil when the
// caller feeds bytes through Load directly.
func NewInbox(r io.Reader) *Inbox {
	return &Inbox{
		r:     r,
		data:  make([]byte, 0, defaultArenaSize),
		limit: -1,
	}
}

// Load appends a burst of bytes to the receive arena.
func (in *Inbox) Load(b []byte) {
	if len(in.data)+len(b) > cap(in.data) {
		in.recycle()
	}
	in.data = append(in.data, b...)
}

// FrameMessage attempts to frame a complete message from buffered bytes.
// It returns true when a message is available via Message.
func (in *Inbox) FrameMessage() bool {
	if in.limit >= 0 {
		return true
	}
	for {
		if in.scanPos+headerSize > len(in.data) {
			return false // mid-header or mid-chunk, wait for more bytes
		}
		size := int(in.data[in.scanPos])<<8 | int(in.data[in.scanPos+1])
		if size == 0 {
			in.limit = in.scanPos + headerSize
			in.frame = Frame{data: in.data, panes: in.panes, pane: -1}
			if len(in.panes) > 0 {
				in.frame.pane = 0
			}
			return true
		}
		start := in.scanPos + headerSize
		in.panes = append(in.panes, pane{start: start, end: start + size})
		in.scanPos = start + size
	}
}

// Message returns the currently framed message, or nil when none is
// available. The Frame stays valid until Discard.
func (in *Inbox) Message() *Frame {
	if in.limit < 0 {
		return nil
	}
	return &in.frame
}

// Discard releases the current message and advances the origin so the
// space it occupied can be reclaimed.
func (in *Inbox) Discard() {
	if in.limit < 0 {
		return
	}
	in.origin = in.limit
	in.scanPos = in.origin
	in.limit = -1
	in.panes = in.panes[:0]
	in.frame = Frame{pane: -1}
}

// Next reads from the transport until a complete message is framed and
// returns it. A previously framed message must be discarded first. EOF (or
// any zero-byte read result) before the message completes yields
// ErrConnectionClosed; other transport errors pass through.
func (in *Inbox) Next() (*Frame, error) {
	for !in.FrameMessage() {
		if err := in.fill(); err != nil {
			return nil, err
		}
	}
	return &in.frame, nil
}

// fill reads one burst from the transport directly into the arena.
func (in *Inbox) fill() error {
	if in.r == nil {
		return ErrConnectionClosed
	}
	if cap(in.data)-len(in.data) < 1024 {
		in.recycle()
	}
	if cap(in.data) == len(in.data) {
		grown := make([]byte, len(in.data), 2*cap(in.data))
		copy(grown, in.data)
		in.data = grown
	}
	n, err := in.r.Read(in.data[len(in.data):cap(in.data)])
	if n > 0 {
		in.data = in.data[:len(in.data)+n]
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return ErrConnectionClosed
	}
	return err
}

// recycle compacts the arena by dropping bytes before the origin. Only safe
// while no frame is alive, since panes hold absolute offsets.
func (in *Inbox) recycle() {
	if in.origin == 0 || in.limit >= 0 {
		return
	}
	n := copy(in.data, in.data[in.origin:])
	in.data = in.data[:n]
	in.scanPos -= in.origin
	for i := range in.panes {
		in.panes[i].start -= in.origin
		in.panes[i].end -= in.origin
	}
	in.origin = 0
}
