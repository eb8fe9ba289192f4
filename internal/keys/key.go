package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/genkv/internal/errs"
)

// Kind identifies the type of a key part.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindString
	KindBytes
	KindNested
)

const (
	tagInt    byte = 0x20
	tagString byte = 0x30
	tagBytes  byte = 0x40
	tagNested byte = 0x50

	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff
)

// PathSeparator separates string parts in Path and String.
const PathSeparator = "/"

// Part is one typed component of a Key.
type Part struct {
	kind   Kind
	i      int64
	b      []byte
	nested Key
}

// Int returns an integer part.
func Int(v int64) Part { return Part{kind: KindInt, i: v} }

// String returns a string part.
func String(s string) Part { return Part{kind: KindString, b: []byte(s)} }

// Bytes returns a byte blob part. The slice is copied.
func Bytes(b []byte) Part {
	return Part{kind: KindBytes, b: append([]byte(nil), b...)}
}

// Nested returns a part holding a whole key.
func Nested(k Key) Part { return Part{kind: KindNested, nested: k} }

// Kind returns the part kind.
func (p Part) Kind() Kind { return p.kind }

// Int returns the integer value of an Int part.
func (p Part) Int() int64 { return p.i }

// Str returns the value of a String part.
func (p Part) Str() string { return string(p.b) }

// Bytes returns the value of a Bytes part. The slice must not be modified.
func (p Part) Bytes() []byte { return p.b }

// Nested returns the key held by a Nested part.
func (p Part) Nested() Key { return p.nested }

func (p Part) tag() byte {
	switch p.kind {
	case KindInt:
		return tagInt
	case KindString:
		return tagString
	case KindBytes:
		return tagBytes
	default:
		return tagNested
	}
}

// Compare orders two parts: first by kind, then by value.
func (p Part) Compare(o Part) int {
	if p.kind != o.kind {
		if p.tag() < o.tag() {
			return -1
		}
		return 1
	}
	switch p.kind {
	case KindInt:
		switch {
		case p.i < o.i:
			return -1
		case p.i > o.i:
			return 1
		}
		return 0
	case KindNested:
		return p.nested.Compare(o.nested)
	default:
		return bytes.Compare(p.b, o.b)
	}
}

func (p Part) String() string {
	switch p.kind {
	case KindInt:
		return strconv.FormatInt(p.i, 10)
	case KindString:
		return string(p.b)
	case KindBytes:
		return "0x" + hex.EncodeToString(p.b)
	default:
		return "[" + p.nested.String() + "]"
	}
}

// Key is an ordered sequence of parts. The zero value is the empty key, which
// sorts before every other key.
type Key struct {
	parts []Part
}

// New returns a key made of parts.
func New(parts ...Part) Key {
	return Key{parts: append([]Part(nil), parts...)}
}

// Path builds a key of string parts from a separator-delimited path.
// Path("test/3") equals New(String("test"), String("3")).
func Path(p string) Key {
	if p == "" {
		return Key{}
	}
	segs := strings.Split(p, PathSeparator)
	parts := make([]Part, len(segs))
	for i, s := range segs {
		parts[i] = String(s)
	}
	return Key{parts: parts}
}

// Len returns the number of parts.
func (k Key) Len() int { return len(k.parts) }

// Part returns the i-th part.
func (k Key) Part(i int) Part { return k.parts[i] }

// Append returns a new key with parts appended; k is not modified.
func (k Key) Append(parts ...Part) Key {
	out := make([]Part, 0, len(k.parts)+len(parts))
	out = append(out, k.parts...)
	out = append(out, parts...)
	return Key{parts: out}
}

// HasPrefix reports whether the leading parts of k equal prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.parts) > len(k.parts) {
		return false
	}
	for i, p := range prefix.parts {
		if k.parts[i].Compare(p) != 0 {
			return false
		}
	}
	return true
}

// IsReserved reports whether k lives in the internal namespace: its first part
// is a string starting with '.'.
func (k Key) IsReserved() bool {
	return len(k.parts) > 0 && k.parts[0].kind == KindString &&
		len(k.parts[0].b) > 0 && k.parts[0].b[0] == '.'
}

// ReservedLo and ReservedHi bound the encodings of reserved keys: every
// reserved key k satisfies ReservedLo <= k.Encode() < ReservedHi.
var (
	ReservedLo = []byte{tagString, '.'}
	ReservedHi = []byte{tagString, '.' + 1}
)

// IsReservedEncoded is IsReserved on an encoded key.
func IsReservedEncoded(b []byte) bool {
	return len(b) >= 2 && b[0] == tagString && b[1] == '.'
}

// Compare returns -1, 0 or 1. Keys compare part by part; a key that is a
// strict prefix of another sorts first.
func (k Key) Compare(o Key) int {
	n := min(len(k.parts), len(o.parts))
	for i := 0; i < n; i++ {
		if c := k.parts[i].Compare(o.parts[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k.parts) < len(o.parts):
		return -1
	case len(k.parts) > len(o.parts):
		return 1
	}
	return 0
}

// Equal reports whether k and o have identical parts.
func (k Key) Equal(o Key) bool { return k.Compare(o) == 0 }

// String renders the key for logs: parts joined by '/'.
func (k Key) String() string {
	var sb strings.Builder
	for i, p := range k.parts {
		if i > 0 {
			sb.WriteString(PathSeparator)
		}
		sb.WriteString(p.String())
	}
	return sb.String()
}

// Encode returns the order-preserving byte encoding of k.
func (k Key) Encode() []byte {
	return k.AppendEncoded(nil)
}

// AppendEncoded appends the encoding of k to buf.
func (k Key) AppendEncoded(buf []byte) []byte {
	for _, p := range k.parts {
		buf = appendPart(buf, p)
	}
	return buf
}

func appendPart(buf []byte, p Part) []byte {
	buf = append(buf, p.tag())
	switch p.kind {
	case KindInt:
		return binary.BigEndian.AppendUint64(buf, uint64(p.i)^(1<<63))
	case KindNested:
		return appendEscaped(buf, p.nested.Encode())
	default:
		return appendEscaped(buf, p.b)
	}
}

func appendEscaped(buf, data []byte) []byte {
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		buf = append(buf, data[:i]...)
		buf = append(buf, escape, escaped00)
		data = data[i+1:]
	}
	buf = append(buf, data...)
	return append(buf, escape, escapedTerm)
}

// Decode parses an encoded key.
func Decode(b []byte) (Key, error) {
	var parts []Part
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagInt:
			if len(b) < 8 {
				return Key{}, fmt.Errorf("%w: truncated int part", errs.ErrCorrupt)
			}
			parts = append(parts, Int(int64(binary.BigEndian.Uint64(b)^(1<<63))))
			b = b[8:]
		case tagString, tagBytes, tagNested:
			val, rest, err := decodeEscaped(b)
			if err != nil {
				return Key{}, err
			}
			b = rest
			switch tag {
			case tagString:
				parts = append(parts, Part{kind: KindString, b: val})
			case tagBytes:
				parts = append(parts, Part{kind: KindBytes, b: val})
			default:
				nested, err := Decode(val)
				if err != nil {
					return Key{}, err
				}
				parts = append(parts, Nested(nested))
			}
		default:
			return Key{}, fmt.Errorf("%w: unknown key part tag 0x%02x", errs.ErrCorrupt, tag)
		}
	}
	return Key{parts: parts}, nil
}

func decodeEscaped(b []byte) ([]byte, []byte, error) {
	var out []byte
	for {
		i := bytes.IndexByte(b, escape)
		if i == -1 {
			return nil, nil, fmt.Errorf("%w: missing part terminator", errs.ErrCorrupt)
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("%w: malformed escape", errs.ErrCorrupt)
		}
		switch b[i+1] {
		case escapedTerm:
			if out == nil {
				out = make([]byte, 0, i)
			}
			out = append(out, b[:i]...)
			return out, b[i+2:], nil
		case escaped00:
			out = append(out, b[:i]...)
			out = append(out, escape)
			b = b[i+2:]
		default:
			return nil, nil, fmt.Errorf("%w: unknown escape sequence 0x00 0x%02x", errs.ErrCorrupt, b[i+1])
		}
	}
}
