package compress

import (
	"math"

	"github.com/QYUbit/snapnet/pkg/bitstream"
)

func quantized(s Scheme, prec float64) bool {
	return s == SchemeQuantized && prec > 0
}

func quantize(f, prec float64) int64 {
	return int64(math.Round(f / prec))
}

func writeFloat(w *bitstream.Writer, f float64, single bool, s Scheme, prec float64) {
	switch {
	case quantized(s, prec):
		w.WriteVarint(quantize(f, prec))
	case single:
		w.WriteFloat32(float32(f))
	default:
		w.WriteFloat64(f)
	}
}

func readFloat(r *bitstream.Reader, single bool, s Scheme, prec float64) float64 {
	switch {
	case quantized(s, prec):
		return float64(r.ReadVarint()) * prec
	case single:
		return float64(r.ReadFloat32())
	default:
		return r.ReadFloat64()
	}
}

func writeFloatDelta(w *bitstream.Writer, old, new float64, single bool, s Scheme, prec float64) bool {
	if quantized(s, prec) {
		d := quantize(new, prec) - quantize(old, prec)
		if d == 0 {
			return false
		}
		w.WriteVarint(d)
		return true
	}
	if old == new || math.Abs(new-old) <= prec {
		return false
	}
	writeFloat(w, new, single, s, prec)
	return true
}

func readFloatDelta(r *bitstream.Reader, old float64, single bool, s Scheme, prec float64) float64 {
	if quantized(s, prec) {
		return float64(quantize(old, prec)+r.ReadVarint()) * prec
	}
	return readFloat(r, single, s, prec)
}

// writeAxesDelta writes one presence bit per axis followed by the axis delta.
func writeAxesDelta(w *bitstream.Writer, old, new []float32, s Scheme, prec float64) bool {
	start := w.Mark()
	written := false
	for i := range old {
		bit := w.Mark()
		w.WriteBool(true)
		if writeFloatDelta(w, float64(old[i]), float64(new[i]), true, s, prec) {
			written = true
			continue
		}
		w.Rewind(bit)
		w.WriteBool(false)
	}
	if !written {
		w.Rewind(start)
	}
	return written
}

func readAxesDelta(r *bitstream.Reader, old []float32, s Scheme, prec float64) []float32 {
	out := make([]float32, len(old))
	for i := range old {
		out[i] = old[i]
		if r.ReadBool() {
			out[i] = float32(readFloatDelta(r, float64(old[i]), true, s, prec))
		}
	}
	return out
}
