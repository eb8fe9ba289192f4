// Package keys implements RecordKey, the ordered multi-part key of the store.
//
// A key is a sequence of typed parts (integer, string, byte blob, nested key).
// Keys compare part by part; parts of different kinds order by kind
// (Int < String < Bytes < Nested).
//
// The byte encoding is self-delimiting and order preserving: for any two keys
// a and b, bytes.Compare(a.Encode(), b.Encode()) == Compare(a, b). Strings,
// blobs and nested keys are escaped so the 0x00 byte never terminates a part
// early:
//
//	0x00      -> 0x00 0xFF
//	end part  -> 0x00 0x01
//
// Integers are written big endian with the sign bit flipped.
//
// Every layer below the public API works on encoded keys and compares them
// with bytes.Compare.
package keys
