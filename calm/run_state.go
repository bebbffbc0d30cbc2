package calm

import (
	"github.com/mrcodechef/zuex-calm/device"
	"github.com/mrcodechef/zuex-calm/nn"
)

// RunState is the mutable device-resident scratch of one session. Buffers are
// owned by the single forward pass in flight.
type RunState[KV nn.KVCell] struct {
	// current wave of activations

	X      []float32 // (dim,) activation at current time stamp
	XB     []float32 // (dim,) same, but inside a residual branch
	XA     []float32 // (dim,) parallel-branch accumulator, folded into the next norm
	HB     []float32 // (hidden_dim,) buffer for hidden dimension in the FFN
	HE     []float32 // (n_experts_ac, hidden_dim) per active expert
	Q      []float32 // (n_heads * head_dim,) query, reused for the attention mix output
	Att    []float32 // (n_heads, seq_len) buffer for scores/attention values
	Exp    []float32 // (n_experts + 2 * n_experts_ac,) MoE routing scratch
	Logits []float32 // (vocab_size,) host-visible output

	// kv cache
	//
	// Keys are transposed so two consecutive positions of one element pair
	// are contiguous: element j at position t lives at
	// seq_len*(j&^1) + 2*t + (j&1). Values keep positions contiguous per
	// element: j at t lives at seq_len*j + t. Both make attention reads
	// coalesced along the position axis.

	KCache []KV // (layer, seq_len, kv_dim)
	VCache []KV // (layer, seq_len, kv_dim)
}

func NewRunState[KV nn.KVCell](ctx *device.Context, c Config) (RunState[KV], error) {
	var s RunState[KV]
	var err error
	alloc := func(dst *[]float32, n int) {
		if err != nil || n == 0 {
			return
		}
		*dst, err = device.Alloc[float32](ctx, n)
	}
	alloc(&s.X, c.Dim)
	alloc(&s.XB, c.Dim)
	alloc(&s.XA, c.Dim)
	alloc(&s.HB, c.HiddenDim)
	alloc(&s.HE, c.NumActive*c.HiddenDim)
	alloc(&s.Q, c.QDim())
	alloc(&s.Att, c.NumHeads*c.SeqLen)
	alloc(&s.Exp, c.NumExperts+2*c.NumActive)
	alloc(&s.Logits, c.VocabSize)
	if err != nil {
		return s, err
	}
	if s.KCache, err = device.Alloc[KV](ctx, c.NumLayers*c.SeqLen*c.KVDim()); err != nil {
		return s, err
	}
	if s.VCache, err = device.Alloc[KV](ctx, c.NumLayers*c.SeqLen*c.KVDim()); err != nil {
		return s, err
	}
	return s, nil
}

// kIndex is the transposed key cache offset for element j at position t,
// within one layer's block.
func kIndex(seqLen, j, t int) int {
	return seqLen*(j&^1) + 2*t + (j & 1)
}

// vIndex is the value cache offset for element j at position t, within one
// layer's block.
func vIndex(seqLen, j, t int) int {
	return seqLen*j + t
}
