package calm

import (
	"golang.org/x/sync/errgroup"

	"github.com/mrcodechef/zuex-calm/device"
	"github.com/mrcodechef/zuex-calm/nn"
)

// LayerWeights holds one layer's projection and norm tables. Norm weights
// stay in full precision; projections carry the weight format W.
//
// AttNorm/FFNNorm back the pre-attention and pre-FFN norms (RMS or layer
// norm per architecture); LNWeight is the single shared input norm of
// parallel-branch models. Absent blocks are nil.
type LayerWeights[W nn.Weight] struct {
	LNWeight []float32 // (dim,)
	AttNorm  []float32 // (dim,)
	FFNNorm  []float32 // (dim,)

	WQ []W // (n_heads * head_dim, dim)
	WK []W // (n_kv_heads * head_dim, dim)
	WV []W // (n_kv_heads * head_dim, dim)
	WO []W // (dim, n_heads * head_dim)

	BQ []float32 // (n_heads * head_dim,)
	BK []float32 // (n_kv_heads * head_dim,)
	BV []float32 // (n_kv_heads * head_dim,)

	W1 []W // (hidden_dim, dim)
	W2 []W // (dim, hidden_dim)
	W3 []W // (hidden_dim, dim)

	B1 []float32 // (hidden_dim,)
	B2 []float32 // (dim,)

	MoEGate []W   // (n_experts, dim)
	MoEW1   [][]W // (n_experts)(hidden_dim, dim)
	MoEW2   [][]W // (n_experts)(dim, hidden_dim)
	MoEW3   [][]W // (n_experts)(hidden_dim, dim)
}

// Weights is the full weight-pointer table for one model, immutable after
// upload. The concrete W instantiation carries the dbits tag.
type Weights[W nn.Weight] struct {
	TokenEmbedding []W // (vocab_size, dim)

	Layers []LayerWeights[W]

	FinalNorm []float32 // (dim,)
	WCls      []W       // (vocab_size, dim)
	BCls      []float32 // (vocab_size,)
}

// HostWeights is the tagged host-side weight set handed to Prepare; the
// concrete Weights instantiation selects the on-device weight format.
type HostWeights interface {
	dbits() int
	layerCount() int
}

func (w *Weights[W]) dbits() int {
	var z W
	switch any(z).(type) {
	case nn.GF4:
		return 4
	case nn.FP8:
		return 8
	default:
		return 16
	}
}

func (w *Weights[W]) layerCount() int { return len(w.Layers) }

// uploadWeights stages every weight block on the device, concurrently.
func uploadWeights[W nn.Weight](ctx *device.Context, hw *Weights[W]) (*Weights[W], error) {
	var g errgroup.Group
	dw := &Weights[W]{Layers: make([]LayerWeights[W], len(hw.Layers))}

	upload(&g, ctx, &dw.TokenEmbedding, hw.TokenEmbedding)
	upload(&g, ctx, &dw.FinalNorm, hw.FinalNorm)
	upload(&g, ctx, &dw.WCls, hw.WCls)
	upload(&g, ctx, &dw.BCls, hw.BCls)

	for l := range hw.Layers {
		src, dst := &hw.Layers[l], &dw.Layers[l]
		upload(&g, ctx, &dst.LNWeight, src.LNWeight)
		upload(&g, ctx, &dst.AttNorm, src.AttNorm)
		upload(&g, ctx, &dst.FFNNorm, src.FFNNorm)
		upload(&g, ctx, &dst.WQ, src.WQ)
		upload(&g, ctx, &dst.WK, src.WK)
		upload(&g, ctx, &dst.WV, src.WV)
		upload(&g, ctx, &dst.WO, src.WO)
		upload(&g, ctx, &dst.BQ, src.BQ)
		upload(&g, ctx, &dst.BK, src.BK)
		upload(&g, ctx, &dst.BV, src.BV)
		upload(&g, ctx, &dst.W1, src.W1)
		upload(&g, ctx, &dst.W2, src.W2)
		upload(&g, ctx, &dst.W3, src.W3)
		upload(&g, ctx, &dst.B1, src.B1)
		upload(&g, ctx, &dst.B2, src.B2)
		upload(&g, ctx, &dst.MoEGate, src.MoEGate)
		dst.MoEW1 = make([][]W, len(src.MoEW1))
		dst.MoEW2 = make([][]W, len(src.MoEW2))
		dst.MoEW3 = make([][]W, len(src.MoEW3))
		for e := range src.MoEW1 {
			upload(&g, ctx, &dst.MoEW1[e], src.MoEW1[e])
			upload(&g, ctx, &dst.MoEW2[e], src.MoEW2[e])
			upload(&g, ctx, &dst.MoEW3[e], src.MoEW3[e])
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dw, nil
}

func upload[T any](g *errgroup.Group, ctx *device.Context, dst *[]T, src []T) {
	if src == nil {
		return
	}
	g.Go(func() error {
		d, err := device.Upload(ctx, src)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	})
}
