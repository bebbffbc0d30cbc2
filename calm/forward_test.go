package calm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"github.com/mrcodechef/zuex-calm/nn"
)

// testConfig is small enough to cross the rolling window in a dozen steps
// while keeping every dimension warp-aligned.
func testConfig(arch Arch) Config {
	c := Config{
		Arch:       arch,
		Dim:        64,
		HiddenDim:  128,
		HeadDim:    16,
		NumLayers:  2,
		NumHeads:   4,
		NumKVHeads: 2,
		VocabSize:  32,
		SeqLen:     8,
		RopeTheta:  10000,
		RotaryDim:  16,
		NormEps:    1e-5,
		EmbedScale: 1,
	}
	switch arch {
	case ArchPhi:
		c.RotaryDim = 8 // partial rotary
	case ArchMixtral:
		c.NumExperts, c.NumActive = 8, 2
	case ArchGemma:
		c.EmbedScale = 8 // sqrt(dim)
	}
	return c
}

func buildTestWeights[W nn.Weight](c Config, seed int64) *Weights[W] {
	rng := rand.New(rand.NewSource(seed))
	matw := func(rows, cols int) []W {
		v := make([]float32, rows*cols)
		for i := range v {
			v[i] = float32(rng.NormFloat64()) * 0.02
		}
		return nn.Quantize[W](v)
	}
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}
	vec := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64()) * 0.02
		}
		return v
	}

	w := &Weights[W]{
		TokenEmbedding: matw(c.VocabSize, c.Dim),
		FinalNorm:      ones(c.Dim),
		WCls:           matw(c.VocabSize, c.Dim),
		Layers:         make([]LayerWeights[W], c.NumLayers),
	}
	if c.Arch == ArchPhi {
		w.BCls = vec(c.VocabSize)
	}
	for l := range w.Layers {
		lw := &w.Layers[l]
		lw.WQ = matw(c.QDim(), c.Dim)
		lw.WK = matw(c.KVDim(), c.Dim)
		lw.WV = matw(c.KVDim(), c.Dim)
		lw.WO = matw(c.Dim, c.QDim())

		switch c.Arch {
		case ArchPhi:
			lw.LNWeight = ones(c.Dim)
			lw.BQ, lw.BK, lw.BV = vec(c.QDim()), vec(c.KVDim()), vec(c.KVDim())
			lw.W1 = matw(c.HiddenDim, c.Dim)
			lw.W2 = matw(c.Dim, c.HiddenDim)
			lw.B1, lw.B2 = vec(c.HiddenDim), vec(c.Dim)
		case ArchMixtral:
			lw.AttNorm, lw.FFNNorm = ones(c.Dim), ones(c.Dim)
			lw.MoEGate = matw(c.NumExperts, c.Dim)
			lw.MoEW1 = make([][]W, c.NumExperts)
			lw.MoEW2 = make([][]W, c.NumExperts)
			lw.MoEW3 = make([][]W, c.NumExperts)
			for e := 0; e < c.NumExperts; e++ {
				lw.MoEW1[e] = matw(c.HiddenDim, c.Dim)
				lw.MoEW2[e] = matw(c.Dim, c.HiddenDim)
				lw.MoEW3[e] = matw(c.HiddenDim, c.Dim)
			}
		default:
			lw.AttNorm, lw.FFNNorm = ones(c.Dim), ones(c.Dim)
			if c.Arch == ArchQwen {
				lw.BQ, lw.BK, lw.BV = vec(c.QDim()), vec(c.KVDim()), vec(c.KVDim())
			}
			lw.W1 = matw(c.HiddenDim, c.Dim)
			lw.W2 = matw(c.Dim, c.HiddenDim)
			lw.W3 = matw(c.HiddenDim, c.Dim)
		}
	}
	return w
}

// refModel recomputes the forward pass in float64 with plain layouts. KV
// cells round through the cache format on write, like the engine does, so
// the two runs see the same cached history.
type refModel struct {
	c  Config
	w  *Weights[nn.FP16]
	k  [][]float64 // (layer)(seq_len * kv_dim), position-major
	v  [][]float64
	xa []float64
}

func newRefModel(c Config, w *Weights[nn.FP16]) *refModel {
	r := &refModel{c: c, w: w, xa: make([]float64, c.Dim)}
	for l := 0; l < c.NumLayers; l++ {
		r.k = append(r.k, make([]float64, c.SeqLen*c.KVDim()))
		r.v = append(r.v, make([]float64, c.SeqLen*c.KVDim()))
	}
	return r
}

func matVec64(w []nn.FP16, x []float64, d int) []float64 {
	n := len(x)
	wf := make([]float32, d*n)
	nn.Dequant(wf, w)
	data := make([]float64, len(wf))
	for i, v := range wf {
		data[i] = float64(v)
	}
	var y mat.VecDense
	y.MulVec(mat.NewDense(d, n, data), mat.NewVecDense(n, x))
	return y.RawVector().Data
}

func addBias64(x []float64, b []float32) {
	if b == nil {
		return
	}
	for i := range x {
		x[i] += float64(b[i])
	}
}

func acc64(x, y []float64) {
	for i := range x {
		x[i] += y[i]
	}
}

func rmsNorm64(x []float64, weight []float32, eps float64) []float64 {
	var ss float64
	for _, v := range x {
		ss += v * v
	}
	scale := 1 / math.Sqrt(ss/float64(len(x))+eps)
	o := make([]float64, len(x))
	for i, v := range x {
		o[i] = float64(weight[i]) * v * scale
	}
	return o
}

func layerNorm64(x []float64, weight []float32, eps float64) []float64 {
	n := float64(len(x))
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / n
	var sq float64
	for _, v := range x {
		sq += (v - mean) * (v - mean)
	}
	scale := 1 / math.Sqrt(sq/n+eps)
	o := make([]float64, len(x))
	for i, v := range x {
		o[i] = (v - mean) * scale
		if weight != nil {
			o[i] *= float64(weight[i])
		}
	}
	return o
}

func softMax64(x []float64) {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}

func silu64(x float64) float64 { return x / (1 + math.Exp(-x)) }

func gelu64(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(0.797884560802865*(x+0.044715*x*x*x)))
}

func rope64(v0, v1 float64, freq float32, pos int) (float64, float64) {
	if freq == 0 {
		return v0, v1
	}
	angle := float64(pos) * float64(freq)
	cos, sin := math.Cos(angle), math.Sin(angle)
	return v0*cos - v1*sin, v0*sin + v1*cos
}

func roundCell16(v float64) float64 {
	return float64(nn.FP16Of(float32(v)).Float32())
}

func (r *refModel) gated(w1, w3 []nn.FP16, xb []float64, act func(float64) float64) []float64 {
	h1 := matVec64(w1, xb, r.c.HiddenDim)
	h3 := matVec64(w3, xb, r.c.HiddenDim)
	for i := range h1 {
		h1[i] = act(h1[i]) * h3[i]
	}
	return h1
}

func (r *refModel) forward(token, pos int) []float64 {
	c := &r.c
	kvSink, kvPos, kvLen := kvRange(c, pos)
	qd, kvd, hd := c.QDim(), c.KVDim(), c.HeadDim
	eps := float64(c.NormEps)

	x := make([]float64, c.Dim)
	{
		row := make([]float32, c.Dim)
		nn.Dequant(row, r.w.TokenEmbedding[token*c.Dim:(token+1)*c.Dim])
		for i, v := range row {
			x[i] = float64(v) * float64(c.EmbedScale)
		}
	}

	if kvSink > 0 {
		for l := 0; l < c.NumLayers; l++ {
			for t := 0; t < kvSink; t++ {
				for j := 0; j < kvd; j += 2 {
					freq := ropeFreq(j%hd, c.RotaryDim, c.RopeTheta)
					if freq == 0 {
						continue
					}
					k0, k1 := rope64(r.k[l][t*kvd+j], r.k[l][t*kvd+j+1], freq, 1)
					r.k[l][t*kvd+j] = roundCell16(k0)
					r.k[l][t*kvd+j+1] = roundCell16(k1)
				}
			}
		}
	}

	for l := 0; l < c.NumLayers; l++ {
		lw := &r.w.Layers[l]

		var xb []float64
		switch {
		case c.Arch == ArchPhi:
			if l > 0 {
				acc64(x, r.xa)
			}
			xb = layerNorm64(x, lw.LNWeight, eps)
		case c.Arch == ArchOlmo:
			xb = layerNorm64(x, lw.AttNorm, eps)
		default:
			xb = rmsNorm64(x, lw.AttNorm, eps)
		}

		q := matVec64(lw.WQ, xb, qd)
		kk := matVec64(lw.WK, xb, kvd)
		vv := matVec64(lw.WV, xb, kvd)
		addBias64(q, lw.BQ)
		addBias64(kk, lw.BK)
		addBias64(vv, lw.BV)
		for j := 0; j < qd; j += 2 {
			q[j], q[j+1] = rope64(q[j], q[j+1], ropeFreq(j%hd, c.RotaryDim, c.RopeTheta), pos)
		}
		for j := 0; j < kvd; j += 2 {
			kk[j], kk[j+1] = rope64(kk[j], kk[j+1], ropeFreq(j%hd, c.RotaryDim, c.RopeTheta), pos)
		}
		for j := 0; j < kvd; j++ {
			r.k[l][kvPos*kvd+j] = roundCell16(kk[j])
			r.v[l][kvPos*kvd+j] = roundCell16(vv[j])
		}

		attn := make([]float64, qd)
		for h := 0; h < c.NumHeads; h++ {
			kh := h / c.KVMul()
			scores := make([]float64, kvLen)
			for t := range scores {
				var s float64
				for j := 0; j < hd; j++ {
					s += q[h*hd+j] * r.k[l][t*kvd+kh*hd+j]
				}
				scores[t] = s / math.Sqrt(float64(hd))
			}
			softMax64(scores)
			for j := 0; j < hd; j++ {
				var val float64
				for t := range scores {
					val += scores[t] * r.v[l][t*kvd+kh*hd+j]
				}
				attn[h*hd+j] = val
			}
		}
		acc64(x, matVec64(lw.WO, attn, c.Dim))

		if c.Arch == ArchPhi {
			hb := matVec64(lw.W1, xb, c.HiddenDim)
			addBias64(hb, lw.B1)
			for i := range hb {
				hb[i] = gelu64(hb[i])
			}
			r.xa = matVec64(lw.W2, hb, c.Dim)
			addBias64(r.xa, lw.B2)
			continue
		}

		var xb2 []float64
		if c.Arch == ArchOlmo {
			xb2 = layerNorm64(x, lw.FFNNorm, eps)
		} else {
			xb2 = rmsNorm64(x, lw.FFNNorm, eps)
		}
		if c.NumExperts > 0 {
			e := make([]float32, c.NumExperts+2*c.NumActive)
			for i, g := range matVec64(lw.MoEGate, xb2, c.NumExperts) {
				e[i] = float32(g)
			}
			moeRoute(e, c.NumExperts, c.NumActive)
			for k := 0; k < c.NumActive; k++ {
				wgt := float64(e[c.NumExperts+k])
				ex := int(e[c.NumExperts+c.NumActive+k])
				hb := r.gated(lw.MoEW1[ex], lw.MoEW3[ex], xb2, silu64)
				for i, d := range matVec64(lw.MoEW2[ex], hb, c.Dim) {
					x[i] += wgt * d
				}
			}
		} else {
			act := silu64
			if c.Arch == ArchGemma {
				act = gelu64
			}
			acc64(x, matVec64(lw.W2, r.gated(lw.W1, lw.W3, xb2, act), c.Dim))
		}
	}

	switch c.Arch {
	case ArchPhi:
		acc64(x, r.xa)
		x = layerNorm64(x, r.w.FinalNorm, eps)
	case ArchOlmo:
		x = layerNorm64(x, r.w.FinalNorm, eps)
	default:
		x = rmsNorm64(x, r.w.FinalNorm, eps)
	}
	logits := matVec64(r.w.WCls, x, c.VocabSize)
	addBias64(logits, r.w.BCls)
	return logits
}

func toFloat32(x []float64) []float32 {
	o := make([]float32, len(x))
	for i, v := range x {
		o[i] = float32(v)
	}
	return o
}

func testToken(c Config, pos int) int { return (pos*7 + 3) % c.VocabSize }

// TestForwardMatchesReference runs every architecture through the window wrap
// and checks the logits against the float64 recomputation.
func TestForwardMatchesReference(t *testing.T) {
	for _, arch := range []Arch{ArchLlamaLike, ArchQwen, ArchPhi, ArchMixtral, ArchOlmo, ArchGemma} {
		t.Run(arch.String(), func(t *testing.T) {
			c := testConfig(arch)
			w := buildTestWeights[nn.FP16](c, 42)
			tr, err := Prepare(c, w, 16)
			if err != nil {
				t.Fatal(err)
			}
			defer tr.Close()
			ref := newRefModel(c, w)

			for pos := 0; pos < c.SeqLen+4; pos++ {
				token := testToken(c, pos)
				got := tr.Forward(token, pos, 0)
				exp := toFloat32(ref.forward(token, pos))
				if diff := cmp.Diff(exp, got, cmpopts.EquateApprox(1e-3, 1e-4)); diff != "" {
					t.Fatalf("pos %d: %s", pos, diff)
				}
			}
		})
	}
}

// TestKVCacheLayout checks the transposed key layout and the plain value
// layout cell by cell against the reference cache.
func TestKVCacheLayout(t *testing.T) {
	c := testConfig(ArchLlamaLike)
	w := buildTestWeights[nn.FP16](c, 5)
	tr, err := Prepare(c, w, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	ref := newRefModel(c, w)

	for pos := 0; pos < 3; pos++ {
		tr.Forward(testToken(c, pos), pos, 0)
		ref.forward(testToken(c, pos), pos)
	}

	m := tr.run.(*model[nn.FP16, nn.FP16])
	kvd := c.KVDim()
	for l := 0; l < c.NumLayers; l++ {
		kb := m.s.KCache[l*c.SeqLen*kvd:]
		vb := m.s.VCache[l*c.SeqLen*kvd:]
		for t0 := 0; t0 < 3; t0++ {
			for j := 0; j < kvd; j++ {
				gk := float64(nn.CellLoad(kb[kIndex(c.SeqLen, j, t0)]))
				if ek := ref.k[l][t0*kvd+j]; math.Abs(gk-ek) > 1e-3+1e-3*math.Abs(ek) {
					t.Fatalf("layer %d key (%d, %d): got %v, exp %v", l, t0, j, gk, ek)
				}
				gv := float64(nn.CellLoad(vb[vIndex(c.SeqLen, j, t0)]))
				if ev := ref.v[l][t0*kvd+j]; math.Abs(gv-ev) > 1e-3+1e-3*math.Abs(ev) {
					t.Fatalf("layer %d value (%d, %d): got %v, exp %v", l, t0, j, gv, ev)
				}
			}
		}
	}
}

// TestPrefill checks that update-kv-only calls leave the cache exactly as a
// full pass would: the first logits after a prefilled prompt are bit-equal to
// the same step of an all-logits run.
func TestPrefill(t *testing.T) {
	for _, arch := range []Arch{ArchLlamaLike, ArchPhi} {
		t.Run(arch.String(), func(t *testing.T) {
			c := testConfig(arch)
			w := buildTestWeights[nn.FP16](c, 17)
			full, err := Prepare(c, w, 16)
			if err != nil {
				t.Fatal(err)
			}
			defer full.Close()
			pre, err := Prepare(c, w, 16)
			if err != nil {
				t.Fatal(err)
			}
			defer pre.Close()

			for pos := 0; pos < 6; pos++ {
				full.Forward(testToken(c, pos), pos, 0)
				if out := pre.Forward(testToken(c, pos), pos, FlagUpdateKVOnly); out != nil {
					t.Fatalf("pos %d: prefill returned logits", pos)
				}
			}
			exp := append([]float32(nil), full.Forward(testToken(c, 6), 6, 0)...)
			got := pre.Forward(testToken(c, 6), 6, 0)
			if diff := cmp.Diff(exp, got); diff != "" {
				t.Errorf("%s", diff)
			}
		})
	}
}

// TestFormats runs every weight/cache format pair through a few steps.
func TestFormats(t *testing.T) {
	c := testConfig(ArchLlamaLike)
	for _, dbits := range []int{16, 8, 4} {
		for _, kvbits := range []int{16, 8} {
			var hw HostWeights
			switch dbits {
			case 16:
				hw = buildTestWeights[nn.FP16](c, 9)
			case 8:
				hw = buildTestWeights[nn.FP8](c, 9)
			case 4:
				hw = buildTestWeights[nn.GF4](c, 9)
			}
			tr, err := Prepare(c, hw, kvbits)
			if err != nil {
				t.Fatalf("dbits %d kvbits %d: %v", dbits, kvbits, err)
			}
			if tr.Allocated() <= 0 {
				t.Errorf("dbits %d kvbits %d: no device bytes accounted", dbits, kvbits)
			}
			for pos := 0; pos < 3; pos++ {
				logits := tr.Forward(testToken(c, pos), pos, 0)
				if len(logits) != c.VocabSize {
					t.Fatalf("dbits %d kvbits %d: %d logits", dbits, kvbits, len(logits))
				}
				for i, v := range logits {
					if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
						t.Fatalf("dbits %d kvbits %d: logit %d = %v", dbits, kvbits, i, v)
					}
				}
			}
			tr.Close()
		}
	}
}

func TestForwardPanicsOnBadToken(t *testing.T) {
	c := testConfig(ArchLlamaLike)
	tr, err := Prepare(c, buildTestWeights[nn.FP16](c, 2), 16)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	defer func() {
		if recover() == nil {
			t.Error("no panic for out-of-range token")
		}
	}()
	tr.Forward(c.VocabSize, 0, 0)
}
