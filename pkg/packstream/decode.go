package packstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ByteSource is the input a Decoder reads from. A chunked message frame
// satisfies it, as does *bytes.Reader. ReadByte must be cheap: single-byte
// markers dominate real payloads.
type ByteSource interface {
	io.Reader
	io.ByteReader
}

// A Decoder reads PackStream values from a ByteSource.
//
// Decode is total over the legal marker space: every marker either yields a
// value, ErrIncomplete (the source ran dry mid-value) or an unknown-marker
// error. It never panics on arbitrary input.
type Decoder struct {
	src ByteSource
}

// NewDecoder returns a Decoder reading from src.
func NewDecoder(src ByteSource) *Decoder {
	return &Decoder{src: src}
}

// Decode reads exactly one value.
func (d *Decoder) Decode() (any, error) {
	marker, err := d.src.ReadByte()
	if err != nil {
		return nil, incomplete(err)
	}
	return d.decodeWithMarker(marker)
}

// DecodeStructure reads one value and requires it to be a Structure. Bolt
// message envelopes are always structures, so this is the entry point for
// whole-message decoding.
func (d *Decoder) DecodeStructure() (Structure, error) {
	v, err := d.Decode()
	if err != nil {
		return Structure{}, err
	}
	s, ok := v.(Structure)
	if !ok {
		return Structure{}, fmt.Errorf("packstream: expected structure, got %T", v)
	}
	return s, nil
}

func (d *Decoder) decodeWithMarker(marker byte) (any, error) {
	// Tiny positive int: marker is the value.
	if marker <= 0x7F {
		return int64(marker), nil
	}
	// Tiny negative int: -16..-1.
	if marker >= 0xF0 {
		return int64(int8(marker)), nil
	}

	switch {
	case marker >= markerTinyString && marker <= markerTinyString+0x0F:
		return d.readString(int(marker - markerTinyString))
	case marker >= markerTinyList && marker <= markerTinyList+0x0F:
		return d.readList(int(marker - markerTinyList))
	case marker >= markerTinyMap && marker <= markerTinyMap+0x0F:
		return d.readMap(int(marker - markerTinyMap))
	case marker >= markerTinyStruct && marker <= markerTinyStruct+0x0F:
		return d.readStructure(int(marker - markerTinyStruct))
	}

	switch marker {
	case markerNull:
		return nil, nil
	case markerTrue:
		return true, nil
	case markerFalse:
		return false, nil
	case markerFloat:
		var b [8]byte
		if err := d.fill(b[:]); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
	case markerInt8:
		b, err := d.src.ReadByte()
		if err != nil {
			return nil, incomplete(err)
		}
		return int64(int8(b)), nil
	case markerInt16:
		var b [2]byte
		if err := d.fill(b[:]); err != nil {
			return nil, err
		}
		return int64(int16(binary.BigEndian.Uint16(b[:]))), nil
	case markerInt32:
		var b [4]byte
		if err := d.fill(b[:]); err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(b[:]))), nil
	case markerInt64:
		var b [8]byte
		if err := d.fill(b[:]); err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b[:])), nil
	case markerString8, markerString16, markerString32:
		n, err := d.readSize(marker - markerString8)
		if err != nil {
			return nil, err
		}
		return d.readString(n)
	case markerBytes8, markerBytes16, markerBytes32:
		n, err := d.readSize(marker - markerBytes8)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if err := d.fill(b); err != nil {
			return nil, err
		}
		return b, nil
	case markerList8, markerList16, markerList32:
		n, err := d.readSize(marker - markerList8)
		if err != nil {
			return nil, err
		}
		return d.readList(n)
	case markerMap8, markerMap16, markerMap32:
		n, err := d.readSize(marker - markerMap8)
		if err != nil {
			return nil, err
		}
		return d.readMap(n)
	case markerStruct8:
		b, err := d.src.ReadByte()
		if err != nil {
			return nil, incomplete(err)
		}
		return d.readStructure(int(b))
	case markerStruct16:
		var b [2]byte
		if err := d.fill(b[:]); err != nil {
			return nil, err
		}
		return d.readStructure(int(binary.BigEndian.Uint16(b[:])))
	}

	return nil, fmt.Errorf("packstream: unknown marker 0x%02X", marker)
}

// readSize reads the explicit 8/16/32-bit size field that follows a
// non-tiny collection marker. class is 0, 1 or 2 (the marker's offset from
// its 8-bit form, which is how the marker table is laid out).
func (d *Decoder) readSize(class byte) (int, error) {
	switch class {
	case 0:
		b, err := d.src.ReadByte()
		if err != nil {
			return 0, incomplete(err)
		}
		return int(b), nil
	case 1:
		var b [2]byte
		if err := d.fill(b[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(b[:])), nil
	default:
		var b [4]byte
		if err := d.fill(b[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(b[:])
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("packstream: size %d out of range", n)
		}
		return int(n), nil
	}
}

func (d *Decoder) readString(n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if err := d.fill(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) readList(n int) ([]any, error) {
	items := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		items[i] = v
	}
	return items, nil
}

func (d *Decoder) readMap(n int) (map[string]any, error) {
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.Decode()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("packstream: map key must be string, got %T", k)
		}
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		m[key] = v
	}
	return m, nil
}

func (d *Decoder) readStructure(n int) (Structure, error) {
	tag, err := d.src.ReadByte()
	if err != nil {
		return Structure{}, incomplete(err)
	}
	s := Structure{Tag: tag, Fields: make([]any, n)}
	for i := 0; i < n; i++ {
		v, err := d.Decode()
		if err != nil {
			return Structure{}, err
		}
		s.Fields[i] = v
	}
	return s, nil
}

func (d *Decoder) fill(b []byte) error {
	if _, err := io.ReadFull(d.src, b); err != nil {
		return incomplete(err)
	}
	return nil
}

// incomplete maps source exhaustion onto ErrIncomplete and leaves every
// other error untouched.
func incomplete(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrIncomplete
	}
	return err
}
