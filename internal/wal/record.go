package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/genkv/internal/hash"
)

// Command identifies the type of a log record.
type Command uint8

const (
	// CommandUpdate carries a key-value mutation.
	CommandUpdate Command = 1
	// CommandCheckpointStart marks the point a checkpoint captured.
	CommandCheckpointStart Command = 2
	// CommandCheckpointDrop declares everything before its START durable
	// elsewhere. The payload is the START sequence number.
	CommandCheckpointDrop Command = 3
)

func (c Command) String() string {
	switch c {
	case CommandUpdate:
		return "UPDATE"
	case CommandCheckpointStart:
		return "CHECKPOINT_START"
	case CommandCheckpointDrop:
		return "CHECKPOINT_DROP"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

func (c Command) valid() bool {
	return c >= CommandUpdate && c <= CommandCheckpointDrop
}

// recordHeaderSize is [crc u32][command u8][seq u64][len u32].
const recordHeaderSize = 4 + 1 + 8 + 4

var (
	errShortRecord = errors.New("short log record")
	errInvalidCRC  = errors.New("invalid log record checksum")
	errInvalidType = errors.New("invalid log record type")
)

// Record is one decoded log entry.
type Record struct {
	Seq     uint64
	Command Command
	Payload []byte
}

func (r Record) size() int { return recordHeaderSize + len(r.Payload) }

// appendRecord appends the framed record to buf. The checksum covers the
// command, sequence number, length and payload.
func appendRecord(buf []byte, r Record) []byte {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0, byte(r.Command))
	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Payload)))
	buf = append(buf, r.Payload...)

	crc := hash.CRC32C(buf[start+4:])
	binary.LittleEndian.PutUint32(buf[start:], crc)
	return buf
}

// decodeRecord parses one record from the front of b and returns its framed
// size. The payload aliases b.
func decodeRecord(b []byte) (Record, int, error) {
	if len(b) < recordHeaderSize {
		return Record{}, 0, errShortRecord
	}

	length := binary.LittleEndian.Uint32(b[13:])
	if uint64(length) > uint64(len(b)-recordHeaderSize) {
		return Record{}, 0, errShortRecord
	}
	n := recordHeaderSize + int(length)

	if hash.CRC32C(b[4:n]) != binary.LittleEndian.Uint32(b) {
		return Record{}, 0, errInvalidCRC
	}

	cmd := Command(b[4])
	if !cmd.valid() {
		return Record{}, 0, errInvalidType
	}

	return Record{
		Command: cmd,
		Seq:     binary.LittleEndian.Uint64(b[5:]),
		Payload: b[recordHeaderSize:n:n],
	}, n, nil
}

// scanSegment returns the longest valid prefix of a segment: records that
// decode cleanly with consecutive sequence numbers. end is the byte offset
// just past the last valid record.
func scanSegment(data []byte) (recs []Record, end int) {
	for end < len(data) {
		rec, n, err := decodeRecord(data[end:])
		if err != nil {
			break
		}
		if len(recs) > 0 && rec.Seq != recs[len(recs)-1].Seq+1 {
			break
		}
		if len(recs) == 0 && rec.Seq == 0 {
			break
		}
		recs = append(recs, rec)
		end += n
	}
	return recs, end
}
