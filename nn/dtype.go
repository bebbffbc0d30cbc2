package nn

import (
	"math"

	"github.com/x448/float16"
)

// On-device element formats. Weights are stored as fp16, fp8 e5m2 or gf4
// group-quantized words; KV cache cells are fp16 or fp8 e5m2.

// FP16 is an IEEE half precision value in its bit representation.
type FP16 uint16

// FP8 is an e5m2 float; its encoding is the upper byte of the matching FP16.
type FP8 uint8

// GF4 packs a group of 8 weights into one 32-bit word: an fp8 e5m2 scale in
// the low byte and eight 3-bit values above it; value k decodes as
// (q_k - 4) * scale, ~4 bits per weight amortized.
type GF4 uint32

// GF4Group is the number of weights per GF4 word.
const GF4Group = 8

func (v FP16) Float32() float32 { return float16.Frombits(uint16(v)).Float32() }

func FP16Of(f float32) FP16 { return FP16(float16.Fromfloat32(f).Bits()) }

func (v FP8) Float32() float32 { return float16.Frombits(uint16(v) << 8).Float32() }

// FP8Of truncates the fp16 mantissa down to e5m2.
func FP8Of(f float32) FP8 { return FP8(float16.Fromfloat32(f).Bits() >> 8) }

func (v GF4) Scale() float32 { return FP8(v & 0xff).Float32() }

// At decodes element k of the group, k in [0, 8).
func (v GF4) At(k int) float32 {
	return (float32((v>>(8+3*k))&7) - 4) * v.Scale()
}

// GF4Of quantizes a group of 8 weights into one word. The scale is
// wmax / -4 so the extreme element lands exactly on the -4 end of the
// 3-bit range.
func GF4Of(group []float32) GF4 {
	var wmax float32
	for _, w := range group[:GF4Group] {
		if abs32(w) > abs32(wmax) {
			wmax = w
		}
	}
	scale := FP8Of(wmax / -4)
	s := scale.Float32()
	v := GF4(scale)
	for k, w := range group[:GF4Group] {
		q := 4
		if s != 0 {
			q = int(math.Round(float64(w/s))) + 4
		}
		if q < 0 {
			q = 0
		}
		if q > 7 {
			q = 7
		}
		v |= GF4(q) << (8 + 3*k)
	}
	return v
}

// Weight is the set of supported on-device weight element formats.
type Weight interface {
	FP16 | FP8 | GF4
}

// KVCell is the set of supported KV cache element formats.
type KVCell interface {
	FP8 | FP16
}

// CellLoad converts a cache cell to float.
func CellLoad[T KVCell](v T) float32 {
	switch v := any(v).(type) {
	case FP8:
		return v.Float32()
	case FP16:
		return v.Float32()
	}
	panic("nn: unreachable")
}

// CellStore converts a float to a cache cell.
func CellStore[T KVCell](f float32) T {
	var z T
	switch any(z).(type) {
	case FP8:
		return T(FP8Of(f))
	case FP16:
		return T(FP16Of(f))
	}
	panic("nn: unreachable")
}

// RowLen is the number of elements backing a logical row of cols floats.
// GF4 packs 8 weights per element; the other formats are one to one.
func RowLen[W Weight](cols int) int {
	var z W
	if _, ok := any(z).(GF4); ok {
		return cols / GF4Group
	}
	return cols
}

// Quantize converts a float vector to the weight format W. For GF4 the
// length must be a multiple of the group size.
func Quantize[W Weight](src []float32) []W {
	var z W
	switch any(z).(type) {
	case FP16:
		out := make([]FP16, len(src))
		for i, f := range src {
			out[i] = FP16Of(f)
		}
		return any(out).([]W)
	case FP8:
		out := make([]FP8, len(src))
		for i, f := range src {
			out[i] = FP8Of(f)
		}
		return any(out).([]W)
	case GF4:
		out := make([]GF4, len(src)/GF4Group)
		for i := range out {
			out[i] = GF4Of(src[i*GF4Group:])
		}
		return any(out).([]W)
	}
	panic("nn: unreachable")
}

// Dequant expands a weight row into dst; len(dst) is the logical length.
func Dequant[W Weight](dst []float32, src []W) {
	switch src := any(src).(type) {
	case []FP16:
		for i := range dst {
			dst[i] = src[i].Float32()
		}
	case []FP8:
		for i := range dst {
			dst[i] = src[i].Float32()
		}
	case []GF4:
		for i := range dst {
			dst[i] = src[i/GF4Group].At(i % GF4Group)
		}
	}
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
