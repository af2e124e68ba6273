package chunk

import "io"

// A Frame is a read-only view over one complete framed message. The
// message's payload lives in the receive arena as a list of panes; reads
// walk the panes in order, copying only when a read crosses a pane
// boundary. Reading a single byte inside a pane is O(1).
//
// Frame implements io.Reader and io.ByteReader, which is exactly what the
// PackStream decoder consumes. A Frame is invalidated by Inbox.Discard.
type Frame struct {
	data  []byte
	panes []pane
	pane  int // index of the current pane, -1 when exhausted
	off   int // read offset within the current pane
}

// Len returns the number of unread payload bytes.
func (f *Frame) Len() int {
	if f.pane < 0 {
		return 0
	}
	n := f.panes[f.pane].end - f.panes[f.pane].start - f.off
	for i := f.pane + 1; i < len(f.panes); i++ {
		n += f.panes[i].end - f.panes[i].start
	}
	return n
}

// ReadByte returns the next payload byte.
func (f *Frame) ReadByte() (byte, error) {
	if f.pane < 0 {
		return 0, io.EOF
	}
	p := f.panes[f.pane]
	b := f.data[p.start+f.off]
	f.off++
	if p.start+f.off == p.end {
		f.nextPane()
	}
	return b, nil
}

// Read fills b with payload bytes, transparently spanning pane boundaries.
func (f *Frame) Read(b []byte) (int, error) {
	if f.pane < 0 {
		return 0, io.EOF
	}
	read := 0
	for read < len(b) && f.pane >= 0 {
		p := f.panes[f.pane]
		n := copy(b[read:], f.data[p.start+f.off:p.end])
		read += n
		f.off += n
		if p.start+f.off == p.end {
			f.nextPane()
		}
	}
	return read, nil
}

func (f *Frame) nextPane() {
	f.pane++
	f.off = 0
	if f.pane >= len(f.panes) {
		f.pane = -1
	}
}
