package compress

import (
	"math"

	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/geom"
)

type signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Default returns a registry with codecs for the builtin scalar types,
// strings and the geom vectors.
func Default() *Registry {
	r := NewRegistry()
	Register[bool](r, BoolCodec())
	Register[int](r, SignedCodec[int]())
	Register[int8](r, SignedCodec[int8]())
	Register[int16](r, SignedCodec[int16]())
	Register[int32](r, SignedCodec[int32]())
	Register[int64](r, SignedCodec[int64]())
	Register[uint](r, UnsignedCodec[uint]())
	Register[uint8](r, UnsignedCodec[uint8]())
	Register[uint16](r, UnsignedCodec[uint16]())
	Register[uint32](r, UnsignedCodec[uint32]())
	Register[uint64](r, UnsignedCodec[uint64]())
	Register[float32](r, Float32Codec())
	Register[float64](r, Float64Codec())
	Register[string](r, StringCodec())
	Register[geom.Vec2](r, Vec2Codec())
	Register[geom.Vec3](r, Vec3Codec())
	return r
}

func BoolCodec() Codec[bool] {
	return Codec[bool]{
		Full: func(v bool, _ Scheme, _ float64, w *bitstream.Writer) {
			w.WriteBool(v)
		},
		ReadFull: func(_ Scheme, _ float64, r *bitstream.Reader) bool {
			return r.ReadBool()
		},
		// A present bool delta always means the value flipped.
		Delta: func(old, new bool, _ Scheme, _ float64, _ *bitstream.Writer) bool {
			return old != new
		},
		ReadDelta: func(old bool, _ Scheme, _ float64, _ *bitstream.Reader) bool {
			return !old
		},
		Equal: func(a, b bool, _ float64) bool { return a == b },
	}
}

func SignedCodec[T signed]() Codec[T] {
	return Codec[T]{
		Full: func(v T, _ Scheme, _ float64, w *bitstream.Writer) {
			w.WriteVarint(int64(v))
		},
		ReadFull: func(_ Scheme, _ float64, r *bitstream.Reader) T {
			return T(r.ReadVarint())
		},
		Delta: func(old, new T, _ Scheme, prec float64, w *bitstream.Writer) bool {
			d := int64(new) - int64(old)
			if d == 0 || math.Abs(float64(d)) <= prec {
				return false
			}
			w.WriteVarint(d)
			return true
		},
		ReadDelta: func(old T, _ Scheme, _ float64, r *bitstream.Reader) T {
			return T(int64(old) + r.ReadVarint())
		},
		Equal: func(a, b T, prec float64) bool {
			return math.Abs(float64(int64(a)-int64(b))) <= prec
		},
	}
}

func UnsignedCodec[T unsigned]() Codec[T] {
	return Codec[T]{
		Full: func(v T, _ Scheme, _ float64, w *bitstream.Writer) {
			w.WriteUvarint(uint64(v))
		},
		ReadFull: func(_ Scheme, _ float64, r *bitstream.Reader) T {
			return T(r.ReadUvarint())
		},
		Delta: func(old, new T, _ Scheme, prec float64, w *bitstream.Writer) bool {
			if old == new || unsignedDist(old, new) <= prec {
				return false
			}
			w.WriteVarint(int64(uint64(new) - uint64(old)))
			return true
		},
		ReadDelta: func(old T, _ Scheme, _ float64, r *bitstream.Reader) T {
			return T(uint64(old) + uint64(r.ReadVarint()))
		},
		Equal: func(a, b T, prec float64) bool {
			return unsignedDist(a, b) <= prec
		},
	}
}

func unsignedDist[T unsigned](a, b T) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

func Float32Codec() Codec[float32] {
	return Codec[float32]{
		Full: func(v float32, s Scheme, prec float64, w *bitstream.Writer) {
			writeFloat(w, float64(v), true, s, prec)
		},
		ReadFull: func(s Scheme, prec float64, r *bitstream.Reader) float32 {
			return float32(readFloat(r, true, s, prec))
		},
		Delta: func(old, new float32, s Scheme, prec float64, w *bitstream.Writer) bool {
			return writeFloatDelta(w, float64(old), float64(new), true, s, prec)
		},
		ReadDelta: func(old float32, s Scheme, prec float64, r *bitstream.Reader) float32 {
			return float32(readFloatDelta(r, float64(old), true, s, prec))
		},
		Equal: func(a, b float32, prec float64) bool {
			return math.Abs(float64(a)-float64(b)) <= prec
		},
	}
}

func Float64Codec() Codec[float64] {
	return Codec[float64]{
		Full: func(v float64, s Scheme, prec float64, w *bitstream.Writer) {
			writeFloat(w, v, false, s, prec)
		},
		ReadFull: func(s Scheme, prec float64, r *bitstream.Reader) float64 {
			return readFloat(r, false, s, prec)
		},
		Delta: func(old, new float64, s Scheme, prec float64, w *bitstream.Writer) bool {
			return writeFloatDelta(w, old, new, false, s, prec)
		},
		ReadDelta: func(old float64, s Scheme, prec float64, r *bitstream.Reader) float64 {
			return readFloatDelta(r, old, false, s, prec)
		},
		Equal: func(a, b float64, prec float64) bool {
			return math.Abs(a-b) <= prec
		},
	}
}

func StringCodec() Codec[string] {
	return Codec[string]{
		Full: func(v string, _ Scheme, _ float64, w *bitstream.Writer) {
			w.WriteString(v)
		},
		ReadFull: func(_ Scheme, _ float64, r *bitstream.Reader) string {
			return r.ReadString()
		},
		Delta: func(old, new string, _ Scheme, _ float64, w *bitstream.Writer) bool {
			if old == new {
				return false
			}
			w.WriteString(new)
			return true
		},
		ReadDelta: func(_ string, _ Scheme, _ float64, r *bitstream.Reader) string {
			return r.ReadString()
		},
		Equal: func(a, b string, _ float64) bool { return a == b },
	}
}

func Vec2Codec() Codec[geom.Vec2] {
	return Codec[geom.Vec2]{
		Full: func(v geom.Vec2, s Scheme, prec float64, w *bitstream.Writer) {
			writeFloat(w, float64(v.X), true, s, prec)
			writeFloat(w, float64(v.Y), true, s, prec)
		},
		ReadFull: func(s Scheme, prec float64, r *bitstream.Reader) geom.Vec2 {
			return geom.Vec2{
				X: float32(readFloat(r, true, s, prec)),
				Y: float32(readFloat(r, true, s, prec)),
			}
		},
		Delta: func(old, new geom.Vec2, s Scheme, prec float64, w *bitstream.Writer) bool {
			return writeAxesDelta(w, []float32{old.X, old.Y}, []float32{new.X, new.Y}, s, prec)
		},
		ReadDelta: func(old geom.Vec2, s Scheme, prec float64, r *bitstream.Reader) geom.Vec2 {
			a := readAxesDelta(r, []float32{old.X, old.Y}, s, prec)
			return geom.Vec2{X: a[0], Y: a[1]}
		},
		Equal: func(a, b geom.Vec2, prec float64) bool {
			return float64(a.MaxAbsDiff(b)) <= prec
		},
	}
}

func Vec3Codec() Codec[geom.Vec3] {
	return Codec[geom.Vec3]{
		Full: func(v geom.Vec3, s Scheme, prec float64, w *bitstream.Writer) {
			writeFloat(w, float64(v.X), true, s, prec)
			writeFloat(w, float64(v.Y), true, s, prec)
			writeFloat(w, float64(v.Z), true, s, prec)
		},
		ReadFull: func(s Scheme, prec float64, r *bitstream.Reader) geom.Vec3 {
			return geom.Vec3{
				X: float32(readFloat(r, true, s, prec)),
				Y: float32(readFloat(r, true, s, prec)),
				Z: float32(readFloat(r, true, s, prec)),
			}
		},
		Delta: func(old, new geom.Vec3, s Scheme, prec float64, w *bitstream.Writer) bool {
			return writeAxesDelta(w, []float32{old.X, old.Y, old.Z}, []float32{new.X, new.Y, new.Z}, s, prec)
		},
		ReadDelta: func(old geom.Vec3, s Scheme, prec float64, r *bitstream.Reader) geom.Vec3 {
			a := readAxesDelta(r, []float32{old.X, old.Y, old.Z}, s, prec)
			return geom.Vec3{X: a[0], Y: a[1], Z: a[2]}
		},
		Equal: func(a, b geom.Vec3, prec float64) bool {
			return float64(a.MaxAbsDiff(b)) <= prec
		},
	}
}
