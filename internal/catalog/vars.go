package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
)

// Variable names under .ROOT/VARS.
const (
	VarRootSegment     = "ROOTSEG"
	VarRootLength      = "ROOTLEN"
	VarNumGenerations  = "NUMGENERATIONS"
	VarNextUniq        = "NEXTUNIQ"
	VarFlushCheckpoint = "FLUSHCKPT" // CHECKPOINT_START seq of the last published flush
)

// VarKey returns the key of a variable.
func VarKey(name string) keys.Key {
	return VarsPrefix.Append(keys.String(name))
}

// IsVarKey reports whether k lies under .ROOT/VARS.
func IsVarKey(k keys.Key) bool { return k.HasPrefix(VarsPrefix) }

// EncodeVar encodes a variable value.
func EncodeVar(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// ParseVar decodes a variable record.
func ParseVar(k keys.Key, value []byte) (string, uint64, error) {
	n := VarsPrefix.Len()
	if !k.HasPrefix(VarsPrefix) || k.Len() != n+1 || k.Part(n).Kind() != keys.KindString {
		return "", 0, fmt.Errorf("variable key %s: %w", k, errs.ErrCorrupt)
	}
	if len(value) != 8 {
		return "", 0, fmt.Errorf("variable %s: value of %d bytes: %w", k, len(value), errs.ErrCorrupt)
	}
	return k.Part(n).Str(), binary.LittleEndian.Uint64(value), nil
}
