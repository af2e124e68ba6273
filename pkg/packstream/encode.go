package packstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Marshal encodes a single value into a fresh buffer.
func Marshal(v any) ([]byte, error) {
	return Append(nil, v)
}

// Append encodes v and appends the bytes to buf, returning the extended
// buffer. Integer types are widened to int64, float32 to float64. An
// unsupported Go type is an error, never a silent null.
func Append(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, markerNull), nil
	case bool:
		if val {
			return append(buf, markerTrue), nil
		}
		return append(buf, markerFalse), nil
	case int:
		return AppendInt(buf, int64(val)), nil
	case int8:
		return AppendInt(buf, int64(val)), nil
	case int16:
		return AppendInt(buf, int64(val)), nil
	case int32:
		return AppendInt(buf, int64(val)), nil
	case int64:
		return AppendInt(buf, val), nil
	case uint8:
		return AppendInt(buf, int64(val)), nil
	case uint16:
		return AppendInt(buf, int64(val)), nil
	case uint32:
		return AppendInt(buf, int64(val)), nil
	case float32:
		return AppendFloat(buf, float64(val)), nil
	case float64:
		return AppendFloat(buf, val), nil
	case string:
		return AppendString(buf, val), nil
	case []byte:
		return AppendBytes(buf, val), nil
	case []any:
		return AppendList(buf, val)
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return AppendList(buf, items)
	case map[string]any:
		return AppendMap(buf, val)
	case Structure:
		return AppendStructure(buf, val)
	case *Structure:
		return AppendStructure(buf, *val)
	default:
		return buf, fmt.Errorf("packstream: cannot encode value of type %T", v)
	}
}

// AppendInt encodes an integer with the most compact marker for its
// magnitude: tiny (inlined in the marker byte) for -16..127, then
// INT8/INT16/INT32/INT64.
func AppendInt(buf []byte, val int64) []byte {
	switch {
	case val >= -16 && val <= 127:
		return append(buf, byte(val))
	case val >= -128 && val < -16:
		return append(buf, markerInt8, byte(val))
	case val >= math.MinInt16 && val <= math.MaxInt16:
		return append(buf, markerInt16, byte(val>>8), byte(val))
	case val >= math.MinInt32 && val <= math.MaxInt32:
		return append(buf, markerInt32, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
	default:
		return append(buf, markerInt64,
			byte(val>>56), byte(val>>48), byte(val>>40), byte(val>>32),
			byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
	}
}

// AppendFloat encodes an IEEE-754 double.
func AppendFloat(buf []byte, val float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
	return append(append(buf, markerFloat), b[:]...)
}

// AppendString encodes a UTF-8 string with a tiny/8/16/32-bit size class.
func AppendString(buf []byte, s string) []byte {
	buf = appendSized(buf, len(s), markerTinyString, markerString8, markerString16, markerString32)
	return append(buf, s...)
}

// AppendBytes encodes a byte array. Byte arrays have no tiny form.
func AppendBytes(buf []byte, b []byte) []byte {
	n := len(b)
	switch {
	case n < 0x100:
		buf = append(buf, markerBytes8, byte(n))
	case n < 0x10000:
		buf = append(buf, markerBytes16, byte(n>>8), byte(n))
	default:
		buf = append(buf, markerBytes32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(buf, b...)
}

// AppendList encodes a list header followed by each item.
func AppendList(buf []byte, items []any) ([]byte, error) {
	buf = appendSized(buf, len(items), markerTinyList, markerList8, markerList16, markerList32)
	var err error
	for _, item := range items {
		if buf, err = Append(buf, item); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// AppendMap encodes a map header followed by key/value pairs. Keys are
// written in sorted order so that encoding is deterministic; the format
// itself does not require any ordering.
func AppendMap(buf []byte, m map[string]any) ([]byte, error) {
	buf = appendSized(buf, len(m), markerTinyMap, markerMap8, markerMap16, markerMap32)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var err error
	for _, k := range keys {
		buf = AppendString(buf, k)
		if buf, err = Append(buf, m[k]); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// AppendStructure encodes a tagged structure: marker with field count, tag
// byte, then each field.
func AppendStructure(buf []byte, s Structure) ([]byte, error) {
	n := len(s.Fields)
	switch {
	case n < 0x10:
		buf = append(buf, markerTinyStruct+byte(n))
	case n < 0x100:
		buf = append(buf, markerStruct8, byte(n))
	case n < 0x10000:
		buf = append(buf, markerStruct16, byte(n>>8), byte(n))
	default:
		return buf, fmt.Errorf("packstream: structure with %d fields exceeds format limit", n)
	}
	buf = append(buf, s.Tag)
	var err error
	for _, f := range s.Fields {
		if buf, err = Append(buf, f); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// appendSized writes the most compact size header for collection types that
// have a tiny form (strings, lists, maps).
func appendSized(buf []byte, n int, tiny, m8, m16, m32 byte) []byte {
	switch {
	case n < 0x10:
		return append(buf, tiny+byte(n))
	case n < 0x100:
		return append(buf, m8, byte(n))
	case n < 0x10000:
		return append(buf, m16, byte(n>>8), byte(n))
	default:
		return append(buf, m32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}
