package compress

import "github.com/QYUbit/snapnet/pkg/bitstream"

// Codec adapts typed encode functions to the Compressor interface.
type Codec[T any] struct {
	Full      func(v T, scheme Scheme, prec float64, w *bitstream.Writer)
	ReadFull  func(scheme Scheme, prec float64, r *bitstream.Reader) T
	Delta     func(old, new T, scheme Scheme, prec float64, w *bitstream.Writer) bool
	ReadDelta func(old T, scheme Scheme, prec float64, r *bitstream.Reader) T
	Equal     func(a, b T, prec float64) bool
}

func (c Codec[T]) CompressFull(v any, scheme Scheme, prec float64, w *bitstream.Writer) {
	c.Full(v.(T), scheme, prec, w)
}

func (c Codec[T]) DecompressFull(scheme Scheme, prec float64, r *bitstream.Reader) any {
	return c.ReadFull(scheme, prec, r)
}

func (c Codec[T]) CompressDelta(old, new any, scheme Scheme, prec float64, w *bitstream.Writer) bool {
	return c.Delta(old.(T), new.(T), scheme, prec, w)
}

func (c Codec[T]) DecompressDelta(old any, scheme Scheme, prec float64, r *bitstream.Reader) any {
	o, _ := old.(T)
	return c.ReadDelta(o, scheme, prec, r)
}

func (c Codec[T]) IsEqual(a, b any, prec float64) bool {
	x, ok1 := a.(T)
	y, ok2 := b.(T)
	if !ok1 || !ok2 {
		return ok1 == ok2
	}
	return c.Equal(x, y, prec)
}
