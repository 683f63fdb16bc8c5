package bitstream

import (
	"errors"
	"math"
)

var (
	ErrOverflow        = errors.New("bitstream: read past end of buffer")
	ErrMalformedVarint = errors.New("bitstream: malformed varint")
)

// Reader consumes bits written by a Writer. The first failure is sticky:
// every later read returns zero and Err reports the cause.
type Reader struct {
	buf []byte
	bit uint
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) ReadBits(n uint) uint64 {
	if r.err != nil {
		return 0
	}
	if r.bit+n > uint(len(r.buf))*8 {
		r.err = ErrOverflow
		return 0
	}
	var v uint64
	var shift uint
	for n > 0 {
		idx := r.bit >> 3
		off := r.bit & 7
		take := min(8-off, n)
		chunk := uint64(r.buf[idx]>>off) & (1<<take - 1)
		v |= chunk << shift
		shift += take
		n -= take
		r.bit += take
	}
	return v
}

func (r *Reader) ReadBool() bool       { return r.ReadBits(1) == 1 }
func (r *Reader) ReadUint8() uint8     { return uint8(r.ReadBits(8)) }
func (r *Reader) ReadUint16() uint16   { return uint16(r.ReadBits(16)) }
func (r *Reader) ReadUint32() uint32   { return uint32(r.ReadBits(32)) }
func (r *Reader) ReadUint64() uint64   { return r.ReadBits(64) }
func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(uint32(r.ReadBits(32))) }
func (r *Reader) ReadFloat64() float64 { return math.Float64frombits(r.ReadBits(64)) }

func (r *Reader) ReadUvarint() uint64 {
	var v uint64
	for i := 0; i < 10; i++ {
		b := r.ReadBits(8)
		if r.err != nil {
			return 0
		}
		v |= (b & 0x7f) << (7 * i)
		if b < 0x80 {
			return v
		}
	}
	r.err = ErrMalformedVarint
	return 0
}

func (r *Reader) ReadVarint() int64 {
	u := r.ReadUvarint()
	return int64(u>>1) ^ -int64(u&1)
}

func (r *Reader) ReadBytes() []byte {
	n := r.ReadUvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.Remaining()/8) {
		r.err = ErrOverflow
		return nil
	}
	out := make([]byte, n)
	if r.bit&7 == 0 {
		start := r.bit >> 3
		copy(out, r.buf[start:start+uint(n)])
		r.bit += uint(n) * 8
		return out
	}
	for i := range out {
		out[i] = uint8(r.ReadBits(8))
	}
	return out
}

func (r *Reader) ReadString() string { return string(r.ReadBytes()) }

func (r *Reader) Align() {
	r.bit = min((r.bit+7)&^7, uint(len(r.buf))*8)
}

func (r *Reader) BitPos() uint { return r.bit }

// BytePos returns the number of bytes touched so far.
func (r *Reader) BytePos() int { return int((r.bit + 7) >> 3) }

// Remaining returns the number of unread bits.
func (r *Reader) Remaining() uint { return uint(len(r.buf))*8 - r.bit }
