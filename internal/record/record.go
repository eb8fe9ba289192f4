// Package record defines the updates stored against a key and the rules for
// folding them into a final record state.
package record

import (
	"fmt"

	"github.com/hupe1980/genkv/internal/errs"
)

// UpdateKind identifies what an Update does to a record.
type UpdateKind uint8

const (
	// UpdateFull replaces the record value.
	UpdateFull UpdateKind = 1
	// UpdateDelete is a tombstone masking every older update.
	UpdateDelete UpdateKind = 2
	// UpdatePartial appends a fragment to the older value.
	UpdatePartial UpdateKind = 3
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateFull:
		return "full"
	case UpdateDelete:
		return "delete"
	case UpdatePartial:
		return "partial"
	default:
		return fmt.Sprintf("UpdateKind(%d)", uint8(k))
	}
}

// Update is a single change to a key.
type Update struct {
	Kind  UpdateKind
	Value []byte
}

// Full returns an update that sets the value.
func Full(v []byte) Update { return Update{Kind: UpdateFull, Value: v} }

// Tombstone returns a deletion marker.
func Tombstone() Update { return Update{Kind: UpdateDelete} }

// Partial returns an update that appends fragment to the older value.
func Partial(fragment []byte) Update { return Update{Kind: UpdatePartial, Value: fragment} }

// IsTombstone reports whether u deletes the record.
func (u Update) IsTombstone() bool { return u.Kind == UpdateDelete }

// EncodedLen returns the length of the binary form.
func (u Update) EncodedLen() int { return 1 + len(u.Value) }

// Encode returns the binary form: one kind byte followed by the value.
func (u Update) Encode() []byte {
	return u.AppendEncoded(make([]byte, 0, u.EncodedLen()))
}

// AppendEncoded appends the binary form of u to buf.
func (u Update) AppendEncoded(buf []byte) []byte {
	buf = append(buf, byte(u.Kind))
	return append(buf, u.Value...)
}

// DecodeUpdate parses the binary form produced by Encode. The returned value
// aliases b.
func DecodeUpdate(b []byte) (Update, error) {
	if len(b) == 0 {
		return Update{}, fmt.Errorf("%w: empty update", errs.ErrCorrupt)
	}
	kind := UpdateKind(b[0])
	switch kind {
	case UpdateFull, UpdatePartial:
		return Update{Kind: kind, Value: b[1:]}, nil
	case UpdateDelete:
		if len(b) != 1 {
			return Update{}, fmt.Errorf("%w: tombstone with payload", errs.ErrCorrupt)
		}
		return Update{Kind: kind}, nil
	default:
		return Update{}, fmt.Errorf("%w: unknown update kind %d", errs.ErrCorrupt, b[0])
	}
}

// Combine folds a newer update on top of an older one for the same key,
// producing the single update that has the same effect.
func Combine(older, newer Update) Update {
	if newer.Kind != UpdatePartial {
		return newer
	}
	switch older.Kind {
	case UpdateFull:
		return Full(concat(older.Value, newer.Value))
	case UpdateDelete:
		return Full(concat(nil, newer.Value))
	default:
		return Partial(concat(older.Value, newer.Value))
	}
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
