package wal

import (
	"testing"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_RoundTrip(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, Record{Seq: 7, Command: CommandUpdate, Payload: []byte("hello")})
	buf = appendRecord(buf, Record{Seq: 8, Command: CommandCheckpointStart})

	r, n, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, recordHeaderSize+5, n)
	assert.Equal(t, uint64(7), r.Seq)
	assert.Equal(t, CommandUpdate, r.Command)
	assert.Equal(t, []byte("hello"), r.Payload)

	r, _, err = decodeRecord(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, CommandCheckpointStart, r.Command)
	assert.Empty(t, r.Payload)
}

func TestRecord_Corruption(t *testing.T) {
	buf := appendRecord(nil, Record{Seq: 1, Command: CommandUpdate, Payload: []byte("abc")})

	_, _, err := decodeRecord(buf[:len(buf)-1])
	assert.ErrorIs(t, err, errShortRecord)

	flipped := append([]byte(nil), buf...)
	flipped[len(flipped)-1] ^= 0xFF
	_, _, err = decodeRecord(flipped)
	assert.ErrorIs(t, err, errInvalidCRC)

	_, _, err = decodeRecord(make([]byte, 64))
	assert.Error(t, err)
}

func TestScanSegment_StopsAtGapAndDamage(t *testing.T) {
	var buf []byte
	for seq := uint64(10); seq < 14; seq++ {
		buf = appendRecord(buf, Record{Seq: seq, Command: CommandUpdate, Payload: []byte{byte(seq)}})
	}
	recordLen := recordHeaderSize + 1

	// stale record from an earlier life of the segment
	stale := appendRecord(append([]byte(nil), buf...), Record{Seq: 3, Command: CommandUpdate})
	recs, end := scanSegment(append(stale, make([]byte, 100)...))
	require.Len(t, recs, 4)
	assert.Equal(t, 4*recordLen, end)

	damaged := append([]byte(nil), buf...)
	damaged[2*recordLen+5] ^= 0x01
	recs, end = scanSegment(damaged)
	require.Len(t, recs, 2)
	assert.Equal(t, 2*recordLen, end)

	recs, end = scanSegment(make([]byte, 256))
	assert.Empty(t, recs)
	assert.Equal(t, 0, end)
}

func TestRootBlock(t *testing.T) {
	extents := []segmentExtent{{Start: 4096, Size: 1 << 21}, {Start: 4096 + 1<<21, Size: 1 << 21}}
	buf, err := encodeRoot(extents)
	require.NoError(t, err)
	require.Len(t, buf, RootBlockSize)

	got, err := decodeRoot(buf)
	require.NoError(t, err)
	assert.Equal(t, extents, got)

	badMagic := append([]byte(nil), buf...)
	badMagic[0] ^= 0xFF
	_, err = decodeRoot(badMagic)
	assert.ErrorIs(t, err, errs.ErrCorrupt)

	badTable := append([]byte(nil), buf...)
	badTable[rootHeaderSize+1] ^= 0xFF
	_, err = decodeRoot(badTable)
	assert.ErrorIs(t, err, errs.ErrCorrupt)

	_, err = decodeRoot(make([]byte, RootBlockSize))
	assert.ErrorIs(t, err, errs.ErrCorrupt)

	_, err = encodeRoot(make([]segmentExtent, MaxSegments+1))
	assert.ErrorIs(t, err, errs.ErrCapacity)
	assert.Equal(t, 510, MaxSegments)
}
