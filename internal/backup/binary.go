package backup

import (
	"encoding/binary"
	"io"
)

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint8(v uint8) {
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	p.writeUint32(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	p.writeBytes([]byte(s))
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if n < 0 || p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint8() uint8 {
	if !p.need(1) {
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readBytes() []byte {
	l := int(p.readUint32())
	if !p.need(l) {
		return nil
	}
	b := make([]byte, l)
	copy(b, p.buf[p.pos:])
	p.pos += l
	return b
}

func (p *payloadBuffer) readString() string {
	return string(p.readBytes())
}

// remaining reports unread payload bytes.
func (p *payloadBuffer) remaining() int {
	return len(p.buf) - p.pos
}
