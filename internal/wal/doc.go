// Package wal implements the write-ahead log: a ring of pre-allocated log
// segments stored in regions, with group commit and a checkpoint protocol
// that lets segments be reused once their contents are durable elsewhere.
//
// Layout. Region address 0 holds the root block describing every segment's
// (start, size). Each segment is a sequence of framed records
//
//	[crc32c u32][command u8][seq u64][len u32][payload]
//
// with consecutive sequence numbers. A reused segment simply overwrites its
// old contents from offset zero; stale records behind the valid prefix never
// continue its sequence and are ignored.
//
// Segment lifecycle. EMPTY -> ACTIVE -> FULL -> EMPTY. A FULL segment returns
// to EMPTY when a CHECKPOINT_DROP naming a START later than its last record
// is durable.
//
// Recovery. Open scans the valid prefix of every segment, finds the most
// recent DROP, and replays every UPDATE after its START in sequence order.
// A torn record at the very end of the log is an unacknowledged write and is
// dropped. A sequence gap before the end is corruption and handled according
// to the configured RecoveryMode.
package wal
