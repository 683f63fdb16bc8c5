// Package compress maps runtime value types to field codecs used by the
// snapshot diff encoder.
package compress

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/QYUbit/snapnet/pkg/bitstream"
)

// Scheme selects how a codec encodes a value.
type Scheme uint8

const (
	// SchemeRaw is lossless.
	SchemeRaw Scheme = iota
	// SchemeQuantized snaps floating point values to multiples of the delta
	// precision and writes them as zigzag varints.
	SchemeQuantized
)

func (s Scheme) String() string {
	switch s {
	case SchemeRaw:
		return "raw"
	case SchemeQuantized:
		return "quantized"
	}
	return fmt.Sprintf("scheme(%d)", uint8(s))
}

// Compressor encodes values of one runtime type.
//
// CompressDelta writes nothing and returns false when new does not differ
// from old by more than deltaPrecision. Decoders must consume exactly what
// the matching encoder wrote.
type Compressor interface {
	CompressFull(v any, scheme Scheme, deltaPrecision float64, w *bitstream.Writer)
	DecompressFull(scheme Scheme, deltaPrecision float64, r *bitstream.Reader) any
	CompressDelta(old, new any, scheme Scheme, deltaPrecision float64, w *bitstream.Writer) bool
	DecompressDelta(old any, scheme Scheme, deltaPrecision float64, r *bitstream.Reader) any
	IsEqual(a, b any, precision float64) bool
}

type Registry struct {
	byType map[reflect.Type]Compressor
	pool   sync.Pool
}

// NewRegistry returns an empty registry. Use Default for one that knows the
// builtin types.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]Compressor),
		pool: sync.Pool{
			New: func() any { return bitstream.NewWriter(32) },
		},
	}
}

func (r *Registry) Register(t reflect.Type, c Compressor) {
	r.byType[t] = c
}

// Register binds c to the type T.
func Register[T any](r *Registry, c Compressor) {
	r.Register(reflect.TypeFor[T](), c)
}

func (r *Registry) Has(t reflect.Type) bool {
	_, ok := r.byType[t]
	return ok
}

// For returns the compressor registered for t. A missing compressor is a
// registration bug and panics.
func (r *Registry) For(t reflect.Type) Compressor {
	c, ok := r.byType[t]
	if !ok {
		panic(fmt.Sprintf("compress: no compressor registered for %v", t))
	}
	return c
}

func (r *Registry) ForValue(v any) Compressor {
	return r.For(reflect.TypeOf(v))
}

// Quantize returns v as a receiver would see it after a full encode and
// decode with the given scheme.
func (r *Registry) Quantize(v any, scheme Scheme, deltaPrecision float64) any {
	c := r.ForValue(v)
	w := r.pool.Get().(*bitstream.Writer)
	defer func() {
		w.Reset()
		r.pool.Put(w)
	}()

	c.CompressFull(v, scheme, deltaPrecision, w)
	return c.DecompressFull(scheme, deltaPrecision, bitstream.NewReader(w.Bytes()))
}
