package calm

import (
	"math"

	"github.com/mrcodechef/zuex-calm/nn"
)

// ffnGated: x += W2 @ (act(W1 @ xb) * (W3 @ xb)). Both branch dot products
// for one hidden element run in the same worker so no hidden buffer pair is
// needed.
func (m *model[W, KV]) ffnGated(lw *LayerWeights[W], act func(float32) float32) {
	nn.ParallelFor(m.cfg.HiddenDim, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			m.s.HB[i] = m.gateRow(lw.W1, lw.W3, i, act)
		}
	})
	nn.MatMulAcc(m.s.X, m.s.HB, lw.W2)
}

func (m *model[W, KV]) gateRow(w1, w3 []W, i int, act func(float32) float32) float32 {
	rl := nn.RowLen[W](m.cfg.Dim)
	v1 := nn.Dot(w1[i*rl:(i+1)*rl], m.s.XB)
	v3 := nn.Dot(w3[i*rl:(i+1)*rl], m.s.XB)
	return act(v1) * v3
}

// ffnPhi is the single-branch FFN with biases: xa = W2 @ gelu(W1 @ xb + b1) + b2.
// xa is assigned, not accumulated; the next layer norm folds it in.
func (m *model[W, KV]) ffnPhi(lw *LayerWeights[W]) {
	nn.MatMulBias(m.s.HB, m.s.XB, lw.W1, lw.B1)
	for i := range m.s.HB {
		m.s.HB[i] = nn.GELU(m.s.HB[i])
	}
	nn.MatMulBias(m.s.XA, m.s.HB, lw.W2, lw.B2)
}

// ffnMoE routes xb through the top-k experts and accumulates their weighted
// down projections into x.
func (m *model[W, KV]) ffnMoE(lw *LayerWeights[W]) {
	c := &m.cfg
	e := m.s.Exp
	nn.MatMul(e[:c.NumExperts], m.s.XB, lw.MoEGate)
	moeRoute(e, c.NumExperts, c.NumActive)

	rl2 := nn.RowLen[W](c.HiddenDim)
	for k := 0; k < c.NumActive; k++ {
		wgt := e[c.NumExperts+k]
		ex := int(e[c.NumExperts+c.NumActive+k])
		he := m.s.HE[k*c.HiddenDim : (k+1)*c.HiddenDim]
		w1, w3 := lw.MoEW1[ex], lw.MoEW3[ex]
		nn.ParallelFor(c.HiddenDim, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				he[i] = m.gateRow(w1, w3, i, nn.SiLU)
			}
		})
		w2 := lw.MoEW2[ex]
		nn.ParallelFor(c.Dim, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				m.s.X[i] += wgt * nn.Dot(w2[i*rl2:(i+1)*rl2], he)
			}
		})
	}
}

// moeRoute softmaxes the gate logits in e[:nExperts], selects the top
// nActive experts and renormalizes their weights to sum to 1. Selected
// weights land in e[nExperts:nExperts+nActive], indices after them.
//
// Selection packs each (weight, index) into one sortable 32-bit value with
// the weight bits on top and the index in the low byte, then extracts the
// argmax nActive times, zeroing the winner between rounds.
func moeRoute(e []float32, nExperts, nActive int) {
	probs := e[:nExperts]
	nn.SoftMax(probs)
	for i := range probs {
		probs[i] = math.Float32frombits(math.Float32bits(probs[i])&^0xff | uint32(i))
	}
	var sum float32
	for k := 0; k < nActive; k++ {
		best := 0
		for i := 1; i < nExperts; i++ {
			if probs[i] > probs[best] {
				best = i
			}
		}
		bits := math.Float32bits(probs[best])
		w := math.Float32frombits(bits &^ 0xff)
		e[nExperts+k] = w
		e[nExperts+nActive+k] = float32(bits & 0xff)
		sum += w
		probs[best] = 0
	}
	for k := 0; k < nActive; k++ {
		e[nExperts+k] /= sum
	}
}
