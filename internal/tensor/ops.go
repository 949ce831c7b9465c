package tensor

import (
	"math"
	"slices"
)

// Add accumulates src into dst, as in a residual connection.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm scales src by the reciprocal of its root mean square, then by
// weight.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// per-channel gain and (optional) bias. A nil bias is the gain-only variant.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float32(len(src))
	var mean float32
	for _, v := range src {
		mean += v
	}
	mean /= n
	var variance float32
	for _, v := range src {
		d := v - mean
		variance += d * d
	}
	variance /= n
	scale := float32(1.0) / float32(math.Sqrt(float64(variance+eps)))
	for i := range src {
		y := (src[i] - mean) * scale * weight[i]
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// Softmax normalises x in place. The exponentials are summed in float64 after
// subtracting the maximum.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := slices.Max(x)
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the tanh approximation of the Gaussian Error Linear Unit.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(c*(xf+0.044715*xf*xf*xf))))
}
