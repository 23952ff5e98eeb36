package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear computes out = w·x (+ bias) for a row-major [rows, cols] weight.
func Linear(out, w []float32, rows, cols int, x, bias []float32) {
	if len(w) != rows*cols || len(x) != cols || len(out) != rows {
		panic(fmt.Sprintf("cpu.Linear: shape mismatch w=%d (%dx%d) x=%d out=%d", len(w), rows, cols, len(x), len(out)))
	}
	beta := float32(0)
	if bias != nil {
		copy(out, bias)
		beta = 1
	}
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: w},
		blas32.Vector{N: cols, Inc: 1, Data: x},
		beta,
		blas32.Vector{N: rows, Inc: 1, Data: out})
}

func RMSNorm(out, x, w []float32, eps float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	scale := float32(1.0 / math.Sqrt(sum/float64(len(x))+float64(eps)))
	for i, v := range x {
		out[i] = v * scale * w[i]
	}
}

func LayerNorm(out, x, w, b []float32, eps float32) {
	n := float64(len(x))
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i, v := range x {
		y := float32((float64(v) - mean) * inv)
		if w != nil {
			y *= w[i]
		}
		if b != nil {
			y += b[i]
		}
		out[i] = y
	}
}

// Softmax normalizes x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

func Silu(v float32) float32 {
	return v / (1 + float32(math.Exp(float64(-v))))
}

// SiluMul writes silu(gate) * up into out.
func SiluMul(out, gate, up []float32) {
	for i := range out {
		out[i] = Silu(gate[i]) * up[i]
	}
}

// GeLU uses the tanh approximation.
func GeLU(out, in []float32) {
	for i, x := range in {
		inner := x * float32(0.7978845608) * (1 + float32(0.044715)*x*x)
		out[i] = 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
	}
}

// RopeTraditional rotates interleaved (even, odd) pairs of every head in x,
// a flat [heads, headDim] vector, by the angles for absolute position pos.
func RopeTraditional(x []float32, heads, headDim, pos int, base float32) {
	half := headDim / 2
	for i := 0; i < half; i++ {
		freq := math.Pow(float64(base), -float64(2*i)/float64(headDim))
		angle := float64(pos) * freq
		cos := float32(math.Cos(angle))
		sin := float32(math.Sin(angle))
		for h := 0; h < heads; h++ {
			idx := h*headDim + 2*i
			x0 := x[idx]
			x1 := x[idx+1]
			x[idx] = x0*cos - x1*sin
			x[idx+1] = x0*sin + x1*cos
		}
	}
}

func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled computes dst += s * src elementwise, with s a per-channel scale.
func AddScaled(dst, src, s []float32) {
	for i := range dst {
		dst[i] += s[i] * src[i]
	}
}

func Dot(a, b []float32) float32 {
	return blas32.Dot(blas32.Vector{N: len(a), Inc: 1, Data: a}, blas32.Vector{N: len(b), Inc: 1, Data: b})
}

// Axpy computes y += alpha * x.
func Axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, blas32.Vector{N: len(x), Inc: 1, Data: x}, blas32.Vector{N: len(y), Inc: 1, Data: y})
}

// CountNaNInf reports how many values are NaN and how many are ±Inf.
func CountNaNInf(x []float32) (nanCount, infCount int) {
	for _, v := range x {
		switch {
		case math.IsNaN(float64(v)):
			nanCount++
		case math.IsInf(float64(v), 0):
			infCount++
		}
	}
	return nanCount, infCount
}
