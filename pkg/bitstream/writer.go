// Package bitstream implements bit granular writers and readers. Bits are
// packed least significant first into consecutive bytes.
package bitstream

import "math"

// Pos is a bit offset inside a Writer.
type Pos uint

// Writer appends bits to a growable buffer. The zero value is ready to use.
// A Writer has a single owner and must not be shared between goroutines.
type Writer struct {
	buf []byte
	bit uint
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteBits(v uint64, n uint) {
	for n > 0 {
		idx := w.bit >> 3
		if int(idx) == len(w.buf) {
			w.buf = append(w.buf, 0)
		}
		off := w.bit & 7
		take := min(8-off, n)
		w.buf[idx] |= byte((v & (1<<take - 1)) << off)
		v >>= take
		n -= take
		w.bit += take
	}
}

func (w *Writer) WriteBool(b bool) {
	if b {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

func (w *Writer) WriteUint8(v uint8)   { w.WriteBits(uint64(v), 8) }
func (w *Writer) WriteUint16(v uint16) { w.WriteBits(uint64(v), 16) }
func (w *Writer) WriteUint32(v uint32) { w.WriteBits(uint64(v), 32) }
func (w *Writer) WriteUint64(v uint64) { w.WriteBits(v, 64) }

func (w *Writer) WriteUvarint(v uint64) {
	for v >= 0x80 {
		w.WriteBits(v&0x7f|0x80, 8)
		v >>= 7
	}
	w.WriteBits(v, 8)
}

// WriteVarint writes v zigzag encoded.
func (w *Writer) WriteVarint(v int64) {
	w.WriteUvarint(uint64(v<<1) ^ uint64(v>>63))
}

func (w *Writer) WriteFloat32(f float32) { w.WriteBits(uint64(math.Float32bits(f)), 32) }
func (w *Writer) WriteFloat64(f float64) { w.WriteBits(math.Float64bits(f), 64) }

// WriteBytes writes a uvarint length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.WriteRaw(b)
}

// WriteRaw writes b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	if w.bit&7 == 0 {
		w.buf = append(w.buf, b...)
		w.bit += uint(len(b)) * 8
		return
	}
	for _, c := range b {
		w.WriteBits(uint64(c), 8)
	}
}

func (w *Writer) WriteString(s string) { w.WriteBytes([]byte(s)) }

// Align pads with zero bits up to the next byte boundary.
func (w *Writer) Align() {
	w.bit = (w.bit + 7) &^ 7
}

func (w *Writer) Mark() Pos { return Pos(w.bit) }

// Rewind moves the cursor back to p and discards every bit written after it.
func (w *Writer) Rewind(p Pos) {
	if uint(p) >= w.bit {
		return
	}
	w.bit = uint(p)
	w.buf = w.buf[:(w.bit+7)>>3]
	if off := w.bit & 7; off != 0 {
		w.buf[len(w.buf)-1] &= byte(1<<off - 1)
	}
}

// PatchBits overwrites n bits starting at p without moving the cursor. The
// patched range must already have been written.
func (w *Writer) PatchBits(p Pos, v uint64, n uint) {
	bit := uint(p)
	for n > 0 {
		idx := bit >> 3
		off := bit & 7
		take := min(8-off, n)
		mask := byte((1<<take - 1) << off)
		w.buf[idx] = w.buf[idx]&^mask | byte((v&(1<<take-1))<<off)
		v >>= take
		n -= take
		bit += take
	}
}

func (w *Writer) BitLen() uint { return w.bit }

// Len returns the number of bytes touched so far.
func (w *Writer) Len() int { return int((w.bit + 7) >> 3) }

func (w *Writer) Bytes() []byte { return w.buf[:w.Len()] }

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.bit = 0
}
