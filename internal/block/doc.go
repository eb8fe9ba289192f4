// Package block encodes sorted (key, update) pairs into immutable segment
// blocks and decodes them for lookup and iteration.
//
// A block is framed as
//
//	[format u8][compression u8][payload]
//
// where a compressed payload is [uncompressed length u32][compressed bytes].
//
// Two formats exist. The offset-list format stores entries back to back and
// a trailing index of (offset, key length, data length) triples followed by
// the entry count; it supports ordered walks and positional access only. The
// basic format stores length-prefixed entries and the count, and implements
// every lookup and scan by binary search.
//
// Keys are the order-preserving encodings from package keys, so byte order is
// key order. Decoded entries alias the block buffer, which must not be
// modified while a Decoder is in use.
package block
