package calm

import (
	"math"
	"sync"

	"github.com/mrcodechef/zuex-calm/nn"
)

// attnQKV is the fused QKV projection + rotary encoding + KV cache write.
// Output elements are produced in adjacent pairs so the rotation sees both
// halves; pairs are chunked across workers.
func (m *model[W, KV]) attnQKV(lw *LayerWeights[W], l, pos, kvPos int) {
	pairs := (m.cfg.QDim() + 2*m.cfg.KVDim()) / 2
	nn.ParallelFor(pairs, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			m.qkvPair(lw, l, p, pos, kvPos)
		}
	})
}

// qkvPair computes output elements 2p and 2p+1 of the fused QKV range:
// queries first, then keys, then values.
func (m *model[W, KV]) qkvPair(lw *LayerWeights[W], l, p, pos, kvPos int) {
	c := &m.cfg
	qDim, kvDim := c.QDim(), c.KVDim()
	rl := nn.RowLen[W](c.Dim)

	i := 2 * p
	var wm []W
	var bias []float32
	var j int
	switch {
	case i < qDim:
		wm, bias, j = lw.WQ, lw.BQ, i
	case i < qDim+kvDim:
		wm, bias, j = lw.WK, lw.BK, i-qDim
	default:
		wm, bias, j = lw.WV, lw.BV, i-qDim-kvDim
	}

	v0 := nn.Dot(wm[j*rl:(j+1)*rl], m.s.XB)
	v1 := nn.Dot(wm[(j+1)*rl:(j+2)*rl], m.s.XB)
	if bias != nil {
		v0 += bias[j]
		v1 += bias[j+1]
	}

	switch {
	case i < qDim:
		r0, r1 := rope(v0, v1, ropeFreq(j%c.HeadDim, c.RotaryDim, c.RopeTheta), pos)
		m.s.Q[j], m.s.Q[j+1] = r0, r1
	case i < qDim+kvDim:
		r0, r1 := rope(v0, v1, ropeFreq(j%c.HeadDim, c.RotaryDim, c.RopeTheta), pos)
		kb := m.s.KCache[l*c.SeqLen*kvDim:]
		kb[kIndex(c.SeqLen, j, kvPos)] = nn.CellStore[KV](r0)
		kb[kIndex(c.SeqLen, j+1, kvPos)] = nn.CellStore[KV](r1)
	default:
		// values are not rotated
		vb := m.s.VCache[l*c.SeqLen*kvDim:]
		vb[vIndex(c.SeqLen, j, kvPos)] = nn.CellStore[KV](v0)
		vb[vIndex(c.SeqLen, j+1, kvPos)] = nn.CellStore[KV](v1)
	}
}

// attend runs scores, softmax and value mixing, one goroutine per query head.
func (m *model[W, KV]) attend(l, kvLen int) {
	var wg sync.WaitGroup
	wg.Add(m.cfg.NumHeads)
	for h := 0; h < m.cfg.NumHeads; h++ {
		go func(h int) {
			defer wg.Done()
			m.attendHead(l, h, kvLen)
		}(h)
	}
	wg.Wait()
}

// attendHead scores one query head against the cached keys, exponentiates,
// and mixes values back into the head's slot of q. The softmax divide is
// folded into the mix.
func (m *model[W, KV]) attendHead(l, h, kvLen int) {
	c := &m.cfg
	hd := c.HeadDim
	kvDim := c.KVDim()
	kh := h / c.KVMul() // grouped-query key/value head
	kb := m.s.KCache[l*c.SeqLen*kvDim:]
	vb := m.s.VCache[l*c.SeqLen*kvDim:]
	q := m.s.Q[h*hd : (h+1)*hd]
	att := m.s.Att[h*c.SeqLen : h*c.SeqLen+kvLen]

	scale := 1 / float32(math.Sqrt(float64(hd)))
	for t := 0; t < kvLen; t++ {
		var score float32
		for j := 0; j < hd; j++ {
			score += q[j] * nn.CellLoad(kb[kIndex(c.SeqLen, kh*hd+j, t)])
		}
		att[t] = score * scale
	}

	nn.ExpMax(att)
	var sum float32
	for _, a := range att {
		sum += a
	}

	// softmax-weighted average of values, written over the consumed query
	for i := 0; i < hd; i++ {
		var val float32
		for t := 0; t < kvLen; t++ {
			val += att[t] * nn.CellLoad(vb[vIndex(c.SeqLen, kh*hd+i, t)])
		}
		q[i] = val / sum
	}
}
