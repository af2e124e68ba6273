// Package packstream implements the PackStream binary serialization format
// used inside Bolt protocol messages.
//
// PackStream is a self-describing, recursive binary format. Every value
// starts with a one-byte marker that identifies the type and, for small
// values, inlines the size (or the value itself for tiny integers). Larger
// values follow the marker with an explicit 8-, 16- or 32-bit size field.
//
// Supported value space (lossless round trip guaranteed):
//   - nil
//   - bool
//   - int64 (all Go integer types are widened on encode)
//   - float64 (IEEE-754 double)
//   - string (UTF-8)
//   - []byte
//   - []any (lists)
//   - map[string]any (maps with string keys)
//   - Structure (tagged composite records: nodes, relationships, points,
//     temporal values, and the Bolt message envelopes themselves)
//
// Structures are preserved exactly as tag plus ordered fields. This package
// does not interpret structure tags; hydration into richer types belongs to
// a higher layer.
//
// Encoding always picks the most compact marker for a value's magnitude or
// length. Decoding accepts every legal marker. An unknown marker is a
// decode error; running out of input is reported as ErrIncomplete so that
// callers streaming over partially framed data can distinguish "wait for
// more bytes" from "the bytes are wrong".
//
// Example:
//
//	buf, _ := packstream.Marshal(map[string]any{"answer": int64(42)})
//	dec := packstream.NewDecoder(bytes.NewReader(buf))
//	v, _ := dec.Decode() // map[string]any{"answer": int64(42)}
package packstream

import (
	"errors"
	"fmt"
)

// Marker bytes. Tiny forms carry their size (or value) in the low nibble.
const (
	markerNull  = 0xC0
	markerFloat = 0xC1
	markerFalse = 0xC2
	markerTrue  = 0xC3

	markerInt8  = 0xC8
	markerInt16 = 0xC9
	markerInt32 = 0xCA
	markerInt64 = 0xCB

	markerBytes8  = 0xCC
	markerBytes16 = 0xCD
	markerBytes32 = 0xCE

	markerTinyString = 0x80
	markerString8    = 0xD0
	markerString16   = 0xD1
	markerString32   = 0xD2

	markerTinyList = 0x90
	markerList8    = 0xD4
	markerList16   = 0xD5
	markerList32   = 0xD6

	markerTinyMap = 0xA0
	markerMap8    = 0xD8
	markerMap16   = 0xD9
	markerMap32   = 0xDA

	markerTinyStruct = 0xB0
	markerStruct8    = 0xDC
	markerStruct16   = 0xDD
)

// ErrIncomplete is returned by the Decoder when the input ends in the middle
// of a value. It means "need more bytes", not "malformed bytes": when
// decoding on top of a streaming source the caller should supply more input
// and retry. Decoding a fully framed message that still yields ErrIncomplete
// is a protocol violation, but that judgement belongs to the caller.
var ErrIncomplete = errors.New("packstream: incomplete input")

// Structure is a tagged composite value: a one-byte tag identifying the
// record kind and an ordered field list. Bolt messages, graph entities and
// temporal/spatial values are all Structures on the wire.
type Structure struct {
	Tag    byte
	Fields []any
}

func (s Structure) String() string {
	return fmt.Sprintf("Structure<%02X>%v", s.Tag, s.Fields)
}
