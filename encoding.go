package mtproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DecodeBuf reads MTProto's little-endian, 4-byte-aligned binary encoding.
// Every method is a no-op once m.err is set, so a decode chain can be
// written flat and checked once at the end — mirrors the teacher's
// tl_decode.go.
type DecodeBuf struct {
	buf  []byte
	off  int
	size int
	err  error
}

func NewDecodeBuf(b []byte) *DecodeBuf {
	return &DecodeBuf{b, 0, len(b), nil}
}

func (m *DecodeBuf) Err() error { return m.err }

func (m *DecodeBuf) Long() int64 {
	if m.err != nil {
		return 0
	}
	if m.off+8 > m.size {
		m.err = errors.New("DecodeLong: unexpected end of buffer")
		return 0
	}
	x := int64(binary.LittleEndian.Uint64(m.buf[m.off : m.off+8]))
	m.off += 8
	return x
}

func (m *DecodeBuf) Int() int32 {
	if m.err != nil {
		return 0
	}
	if m.off+4 > m.size {
		m.err = errors.New("DecodeInt: unexpected end of buffer")
		return 0
	}
	x := binary.LittleEndian.Uint32(m.buf[m.off : m.off+4])
	m.off += 4
	return int32(x)
}

func (m *DecodeBuf) UInt() uint32 {
	if m.err != nil {
		return 0
	}
	if m.off+4 > m.size {
		m.err = errors.New("DecodeUInt: unexpected end of buffer")
		return 0
	}
	x := binary.LittleEndian.Uint32(m.buf[m.off : m.off+4])
	m.off += 4
	return x
}

func (m *DecodeBuf) Bytes(size int) []byte {
	if m.err != nil {
		return nil
	}
	if size < 0 || m.off+size > m.size {
		m.err = errors.New("DecodeBytes: unexpected end of buffer")
		return nil
	}
	x := make([]byte, size)
	copy(x, m.buf[m.off:m.off+size])
	m.off += size
	return x
}

// StringBytes decodes MTProto's length-prefixed, 4-byte-padded byte string.
func (m *DecodeBuf) StringBytes() []byte {
	if m.err != nil {
		return nil
	}
	var size, padding int

	if m.off+1 > m.size {
		m.err = errors.New("DecodeStringBytes: unexpected end of buffer")
		return nil
	}
	size = int(m.buf[m.off])
	m.off++
	padding = (4 - ((size + 1) % 4)) & 3
	if size == 254 {
		if m.off+3 > m.size {
			m.err = errors.New("DecodeStringBytes: unexpected end of buffer")
			return nil
		}
		size = int(m.buf[m.off]) | int(m.buf[m.off+1])<<8 | int(m.buf[m.off+2])<<16
		m.off += 3
		padding = (4 - size%4) & 3
	}

	if m.off+size > m.size {
		m.err = fmt.Errorf("DecodeStringBytes: wrong size: expected %d+%d=%d, buffer is %d",
			m.off, size, m.off+size, m.size)
		return nil
	}
	x := make([]byte, size)
	copy(x, m.buf[m.off:m.off+size])
	m.off += size

	if m.off+padding > m.size {
		m.err = errors.New("DecodeStringBytes: wrong padding")
		return nil
	}
	m.off += padding

	return x
}

func (m *DecodeBuf) String() string {
	b := m.StringBytes()
	if m.err != nil {
		return ""
	}
	return string(b)
}

func (m *DecodeBuf) VectorLong() []int64 {
	constructor := m.UInt()
	if m.err != nil {
		return nil
	}
	if constructor != CRCVector {
		m.err = fmt.Errorf("DecodeVectorLong: wrong constructor (0x%08x)", constructor)
		return nil
	}
	size := m.Int()
	if m.err != nil {
		return nil
	}
	if size < 0 {
		m.err = errors.New("DecodeVectorLong: negative size")
		return nil
	}
	x := make([]int64, size)
	for i := int32(0); i < size; i++ {
		x[i] = m.Long()
		if m.err != nil {
			return nil
		}
	}
	return x
}

func (m *DecodeBuf) Bool() bool {
	constructor := m.UInt()
	if m.err != nil {
		return false
	}
	return constructor == CRCBoolTrue
}

// Remaining returns the yet-unconsumed tail of the buffer, used by handlers
// that hand off to an opaque request.ReadResult.
func (m *DecodeBuf) Remaining() []byte {
	if m.err != nil || m.off > m.size {
		return nil
	}
	return m.buf[m.off:m.size]
}

// EncodeBuf writes MTProto's little-endian, 4-byte-aligned binary encoding.
// It mirrors DecodeBuf's method set; append-only, grows as needed.
type EncodeBuf struct {
	buf []byte
}

func NewEncodeBuf(sizeHint int) *EncodeBuf {
	return &EncodeBuf{buf: make([]byte, 0, sizeHint)}
}

func (e *EncodeBuf) Bytes() []byte { return e.buf }

func (e *EncodeBuf) UInt(x uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	e.buf = append(e.buf, b[:]...)
}

func (e *EncodeBuf) Int(x int32) { e.UInt(uint32(x)) }

func (e *EncodeBuf) Long(x int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(x))
	e.buf = append(e.buf, b[:]...)
}

// Raw appends b verbatim, with no length prefix or padding.
func (e *EncodeBuf) Raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *EncodeBuf) StringBytes(b []byte) {
	size := len(b)
	if size < 254 {
		e.buf = append(e.buf, byte(size))
	} else {
		e.buf = append(e.buf, 254, byte(size), byte(size>>8), byte(size>>16))
	}
	e.buf = append(e.buf, b...)
	padding := 0
	if size < 254 {
		padding = (4 - ((size + 1) % 4)) & 3
	} else {
		padding = (4 - size%4) & 3
	}
	for i := 0; i < padding; i++ {
		e.buf = append(e.buf, 0)
	}
}

func (e *EncodeBuf) String(s string) { e.StringBytes([]byte(s)) }

func (e *EncodeBuf) VectorLong(xs []int64) {
	e.UInt(CRCVector)
	e.Int(int32(len(xs)))
	for _, x := range xs {
		e.Long(x)
	}
}

func (e *EncodeBuf) Bool(b bool) {
	if b {
		e.UInt(CRCBoolTrue)
	} else {
		e.UInt(CRCBoolFalse)
	}
}
