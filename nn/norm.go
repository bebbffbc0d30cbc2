package nn

import "math"

// RMSNorm is Root Mean Square Normalization
func RMSNorm(o, x, weight []float32, eps float32) {
	// calculate sum of squares
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	ss /= float32(len(x))
	ss += eps
	ss = 1 / float32(math.Sqrt(float64(ss)))
	// normalize and scale
	for i, v := range x {
		o[i] = weight[i] * (v * ss)
	}
}

// LayerNorm normalizes x with mean and variance, scaled by weight. If acc is
// not nil it is folded into x in place first; this realizes the parallel
// attention/MLP branch where the MLP output lands in the next norm.
//
// The variance uses the shifted estimator around x[0] so the squared terms
// stay small for vectors with a large common offset.
func LayerNorm(o, x, acc, weight []float32, eps float32) {
	if acc != nil {
		for i := range x {
			x[i] += acc[i]
		}
	}
	n := float32(len(x))
	shift := x[0]
	var sum, sumsq float32
	for _, v := range x {
		d := v - shift
		sum += d
		sumsq += d * d
	}
	mean := shift + sum/n
	variance := sumsq/n - (sum/n)*(sum/n)
	scale := 1 / float32(math.Sqrt(float64(variance+eps)))
	if weight == nil {
		for i, v := range x {
			o[i] = (v - mean) * scale
		}
		return
	}
	for i, v := range x {
		o[i] = (v - mean) * weight[i] * scale
	}
}
