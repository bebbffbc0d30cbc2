// Package nn holds the elementary kernels of the forward pass: activations,
// softmax, norms, the warp-style matrix-vector multiply and the on-device
// numeric formats with their dequantization.
//
// Every kernel operates on a single token's worth of data.
package nn

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
)

// NumThreads is the worker count used by the parallel kernels, the host
// analogue of the launch grid width.
var NumThreads = runtime.NumCPU()

func Acc(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// SoftMax normalizes x in place.
func SoftMax(x []float32) {
	// find max for numerical stability
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	// exp and sum
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	// normalize
	for i := range x {
		x[i] /= sum
	}
}

// ExpMax is softmax without the final normalization: subtract max and
// exponentiate. The caller folds the divide by the exponent sum into the
// consuming step.
func ExpMax(x []float32) {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
	}
}

// SiLU is x * sigmoid(x).
func SiLU(x float32) float32 {
	return x / (1.0 + float32(math.Exp(-float64(x))))
}

// GELU is the tanh approximation used by GPT-style models.
func GELU(x float32) float32 {
	return 0.5 * x * (1.0 + float32(math.Tanh(0.797884560802865*(float64(x)+0.044715*float64(x)*float64(x)*float64(x)))))
}

// Embed gathers the token's embedding row, dequantized and scaled.
func Embed[W Weight](o []float32, table []W, token int, scale float32) {
	rl := RowLen[W](len(o))
	Dequant(o, table[token*rl:(token+1)*rl])
	if scale != 1 {
		for i := range o {
			o[i] *= scale
		}
	}
}

// ParallelFor splits [0, n) into NumThreads contiguous chunks, the same row
// split MatMul uses.
func ParallelFor(n int, f func(lo, hi int)) {
	if n < NumThreads {
		f(0, n)
		return
	}
	var wg sync.WaitGroup
	wg.Add(NumThreads)
	for i := 0; i < NumThreads; i++ {
		lo := i * n / NumThreads
		hi := (i + 1) * n / NumThreads
		go func(lo, hi int) { f(lo, hi); wg.Done() }(lo, hi)
	}
	wg.Wait()
}

// Sample index from probabilities, they must sum to 1
func Sample(probabilities []float32) int {
	r := rand.Float32()
	var cdf float32
	for i, p := range probabilities {
		cdf += p
		if r < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}

func ArgMax(v []float32) int {
	max, maxi := v[0], 0
	for i, x := range v {
		if x > max {
			max, maxi = x, i
		}
	}
	return maxi
}
