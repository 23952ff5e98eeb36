package cpu

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

var ErrUnsupportedDType = errors.New("unsupported dtype")

// DType is the storage precision of model parameters. Arithmetic always runs
// in float32; lower precisions are emulated by rounding stored values.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

func (d DType) Size() int {
	switch d {
	case Float16, BFloat16:
		return 2
	default:
		return 4
	}
}

// Round converts every value of x to the nearest value representable in d.
func (d DType) Round(x []float32) {
	switch d {
	case Float16:
		for i, v := range x {
			x[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range x {
			x[i] = RoundBF16(v)
		}
	}
}

// RoundBF16 rounds to bfloat16 precision with round-half-to-even.
func RoundBF16(f float32) float32 {
	b := math.Float32bits(f)
	if b&0x7f800000 == 0x7f800000 && b&0x007fffff != 0 {
		return math.Float32frombits((b | 0x00400000) &^ 0xffff)
	}
	b += 0x7fff + (b>>16)&1
	return math.Float32frombits(b &^ 0xffff)
}

func BF16ToF32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

func F16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// F32ToBF16 returns the rounded bfloat16 bit pattern of f.
func F32ToBF16(f float32) uint16 {
	return uint16(math.Float32bits(RoundBF16(f)) >> 16)
}

func F32ToF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}
