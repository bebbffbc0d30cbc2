package calm

import (
	"math"

	"github.com/mrcodechef/zuex-calm/device"
	"github.com/mrcodechef/zuex-calm/nn"
)

// model is one concrete (weight, cache) instantiation of the engine. Six are
// reachable through Prepare.
type model[W nn.Weight, KV nn.KVCell] struct {
	cfg Config
	w   *Weights[W]
	s   RunState[KV]
	ctx *device.Context

	pool *coopPool
}

func newModel[W nn.Weight, KV nn.KVCell](c Config, hw *Weights[W], ctx *device.Context) (*model[W, KV], error) {
	dw, err := uploadWeights(ctx, hw)
	if err != nil {
		return nil, err
	}
	s, err := NewRunState[KV](ctx, c)
	if err != nil {
		return nil, err
	}
	return &model[W, KV]{cfg: c, w: dw, s: s, ctx: ctx}, nil
}

func (m *model[W, KV]) close() {
	if m.pool != nil {
		m.pool.close()
	}
}

// forward is the multi-kernel driver: per-layer kernels issued in stream
// order, one synchronization at the end of the pass.
func (m *model[W, KV]) forward(token, pos int, flags Flags) []float32 {
	c := &m.cfg
	kvSink, kvPos, kvLen := kvRange(c, pos)

	nn.Embed(m.s.X, m.w.TokenEmbedding, token, c.EmbedScale)
	if kvSink > 0 {
		m.rotateSinks(kvSink)
	}

	var mlpDone device.Event
	for l := range m.w.Layers {
		lw := &m.w.Layers[l]
		lastKV := flags&FlagUpdateKVOnly != 0 && l == len(m.w.Layers)-1

		if c.Arch == ArchPhi {
			// parallel branches: attention on the main stream, MLP on the
			// aux stream, joined at the next norm that folds in xa
			if mlpDone != nil {
				mlpDone.Wait()
				mlpDone = nil
			}
			var acc []float32
			if l > 0 {
				acc = m.s.XA
			}
			nn.LayerNorm(m.s.XB, m.s.X, acc, lw.LNWeight, c.NormEps)
			if !lastKV {
				m.ctx.Aux.Run(func() { m.ffnPhi(lw) })
				mlpDone = m.ctx.Aux.Record()
			}
			m.attnQKV(lw, l, pos, kvPos)
			if lastKV {
				return nil
			}
			m.attend(l, kvLen)
			nn.MatMulAcc(m.s.X, m.s.Q, lw.WO)
			continue
		}

		m.normAtt(m.s.XB, m.s.X, lw)
		m.attnQKV(lw, l, pos, kvPos)
		if lastKV {
			return nil
		}
		m.attend(l, kvLen)
		nn.MatMulAcc(m.s.X, m.s.Q, lw.WO)

		m.normFFN(m.s.XB, m.s.X, lw)
		if c.NumExperts > 0 {
			m.ffnMoE(lw)
		} else {
			m.ffnGated(lw, actFor(c.Arch))
		}
	}

	switch c.Arch {
	case ArchPhi:
		if mlpDone != nil {
			mlpDone.Wait()
		}
		nn.LayerNorm(m.s.X, m.s.X, m.s.XA, m.w.FinalNorm, c.NormEps)
	case ArchOlmo:
		nn.LayerNorm(m.s.X, m.s.X, nil, m.w.FinalNorm, c.NormEps)
	default:
		nn.RMSNorm(m.s.X, m.s.X, m.w.FinalNorm, c.NormEps)
	}
	nn.MatMulBias(m.s.Logits, m.s.X, m.w.WCls, m.w.BCls)
	return m.s.Logits
}

func (m *model[W, KV]) normAtt(o, x []float32, lw *LayerWeights[W]) {
	if m.cfg.Arch == ArchOlmo {
		nn.LayerNorm(o, x, nil, lw.AttNorm, m.cfg.NormEps)
		return
	}
	nn.RMSNorm(o, x, lw.AttNorm, m.cfg.NormEps)
}

func (m *model[W, KV]) normFFN(o, x []float32, lw *LayerWeights[W]) {
	if m.cfg.Arch == ArchOlmo {
		nn.LayerNorm(o, x, nil, lw.FFNNorm, m.cfg.NormEps)
		return
	}
	nn.RMSNorm(o, x, lw.FFNNorm, m.cfg.NormEps)
}

func actFor(a Arch) func(float32) float32 {
	if a == ArchGemma {
		return nn.GELU
	}
	return nn.SiLU
}

// ropeFreq is the rotary frequency for a head-local element offset; elements
// past the rotary dim are not rotated.
func ropeFreq(jHead, rotaryDim int, theta float32) float32 {
	if jHead >= rotaryDim {
		return 0
	}
	return float32(math.Exp2(-math.Log2(float64(theta)) * float64(jHead) / float64(rotaryDim)))
}

func rope(v0, v1, freq float32, pos int) (float32, float32) {
	if freq == 0 {
		return v0, v1
	}
	angle := float64(pos) * float64(freq)
	cos, sin := float32(math.Cos(angle)), float32(math.Sin(angle))
	return v0*cos - v1*sin, v0*sin + v1*cos
}

// rotateSinks advances every cached sink key by one position worth of
// rotation so sinks stay aligned with the rest of the rolling window.
func (m *model[W, KV]) rotateSinks(kvSink int) {
	c := &m.cfg
	kvDim := c.KVDim()
	for l := 0; l < c.NumLayers; l++ {
		kb := m.s.KCache[l*c.SeqLen*kvDim : (l+1)*c.SeqLen*kvDim]
		for t := 0; t < kvSink; t++ {
			for j := 0; j < kvDim; j += 2 {
				freq := ropeFreq(j%c.HeadDim, c.RotaryDim, c.RopeTheta)
				if freq == 0 {
					continue
				}
				i0, i1 := kIndex(c.SeqLen, j, t), kIndex(c.SeqLen, j+1, t)
				k0 := nn.CellLoad(kb[i0])
				k1 := nn.CellLoad(kb[i1])
				r0, r1 := rope(k0, k1, freq, 1)
				kb[i0] = nn.CellStore[KV](r0)
				kb[i1] = nn.CellStore[KV](r1)
			}
		}
	}
}
