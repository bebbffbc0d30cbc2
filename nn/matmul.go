package nn

// Dot is the warp-per-row dot product: one row of W against x, with the
// dequantization of each element inlined per format.
func Dot[W Weight](row []W, x []float32) float32 {
	switch row := any(row).(type) {
	case []FP16:
		var sum float32
		for j, v := range row {
			sum += v.Float32() * x[j]
		}
		return sum
	case []FP8:
		var sum float32
		for j, v := range row {
			sum += v.Float32() * x[j]
		}
		return sum
	case []GF4:
		var sum float32
		for b, v := range row {
			s := v.Scale()
			base := b * GF4Group
			var dot float32
			for k := 0; k < GF4Group; k++ {
				dot += (float32((v>>(8+3*k))&7) - 4) * x[base+k]
			}
			sum += dot * s
		}
		return sum
	}
	panic("nn: unreachable")
}

// MatMul: W (d,n) @ x (n,) -> xout (d,)
// Rows are chunked across NumThreads goroutines, one worker per row range.
func MatMul[W Weight](xout, x []float32, w []W) {
	matMul(xout, x, w, nil, false)
}

// MatMulBias is MatMul with an optional bias added per output element.
func MatMulBias[W Weight](xout, x []float32, w []W, bias []float32) {
	matMul(xout, x, w, bias, false)
}

// MatMulAcc accumulates into xout instead of assigning, fusing the residual
// add into the projection.
func MatMulAcc[W Weight](xout, x []float32, w []W) {
	matMul(xout, x, w, nil, true)
}

func matMul[W Weight](xout, x []float32, w []W, bias []float32, acc bool) {
	rl := RowLen[W](len(x))
	ParallelFor(len(xout), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			sum := Dot(w[i*rl:(i+1)*rl], x)
			if bias != nil {
				sum += bias[i]
			}
			if acc {
				xout[i] += sum
			} else {
				xout[i] = sum
			}
		}
	})
}
