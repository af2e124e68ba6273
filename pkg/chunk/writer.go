// Package chunk implements Bolt message framing: the length-prefixed chunk
// stream that carries PackStream payloads over a socket.
//
// On the wire, one logical message is a sequence of chunks. Each chunk is a
// 2-byte big-endian length followed by that many payload bytes; a message is
// terminated by a zero-length chunk (0x00 0x00). An empty message is legal
// and is exactly one zero chunk.
//
// The Writer accumulates outgoing payload bytes, splitting them into chunks
// of at most the configured size and patching each chunk's length header in
// place. The Inbox reassembles incoming bursts of bytes into complete
// messages without copying chunk payloads: it records each chunk's payload
// range ("pane") inside a reusable receive arena, and a Frame view reads
// across pane boundaries on demand.
package chunk

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxChunkSize is the largest chunk payload the Writer emits unless
// configured otherwise. It matches the Bolt convention of 16 KiB.
const DefaultMaxChunkSize = 16384

// headerSize is the chunk length prefix width.
const headerSize = 2

// A Writer frames outgoing message payloads into chunks.
//
// Payload bytes are buffered until EndMessage, which appends the zero-chunk
// terminator and hands the framed message to the underlying writer in one
// call. Chunk headers are written as placeholders and patched as payload
// arrives, so a write that spans several chunks costs no extra copies.
//
// A Writer is not safe for concurrent use; a connection owns exactly one.
type Writer struct {
	w        io.Writer
	maxChunk int
	buf      []byte
	header   int // offset of the open chunk's length prefix in buf
}

// NewWriter returns a Writer emitting chunks of at most maxChunk payload
// bytes. maxChunk values below 1 select DefaultMaxChunkSize.
func NewWriter(w io.Writer, maxChunk int) *Writer {
	if maxChunk < 1 {
		maxChunk = DefaultMaxChunkSize
	}
	cw := &Writer{w: w, maxChunk: maxChunk}
	cw.reset()
	return cw
}

func (cw *Writer) reset() {
	cw.buf = cw.buf[:0]
	cw.buf = append(cw.buf, 0, 0)
	cw.header = 0
}

// Write appends payload bytes to the current message, opening new chunks
// whenever the current one reaches the size limit. It never fails; errors
// surface on EndMessage when the framed message is flushed.
func (cw *Writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		occupied := len(cw.buf) - cw.header - headerSize
		remaining := cw.maxChunk - occupied
		if remaining == 0 {
			cw.closeChunk()
			remaining = cw.maxChunk
			occupied = 0
		}
		take := len(p) - written
		if take > remaining {
			take = remaining
		}
		cw.buf = append(cw.buf, p[written:written+take]...)
		written += take
		binary.BigEndian.PutUint16(cw.buf[cw.header:], uint16(occupied+take))
	}
	return written, nil
}

// WriteByte appends a single payload byte.
func (cw *Writer) WriteByte(b byte) error {
	_, err := cw.Write([]byte{b})
	return err
}

// closeChunk seals the open chunk and starts a new one with a placeholder
// header.
func (cw *Writer) closeChunk() {
	cw.header = len(cw.buf)
	cw.buf = append(cw.buf, 0, 0)
}

// EndMessage terminates the current message with a zero chunk and writes
// the whole framed message to the underlying writer. The Writer is ready
// for the next message afterwards regardless of the outcome; a transport
// error leaves the connection unusable anyway.
func (cw *Writer) EndMessage() error {
	// An open chunk with no payload would frame as a spurious terminator,
	// so drop its placeholder header. This also makes the empty message
	// exactly one zero chunk.
	if len(cw.buf)-cw.header-headerSize == 0 {
		cw.buf = cw.buf[:cw.header]
	}
	cw.buf = append(cw.buf, 0, 0)
	_, err := cw.w.Write(cw.buf)
	cw.reset()
	if err != nil {
		return fmt.Errorf("chunk: write message: %w", err)
	}
	return nil
}
