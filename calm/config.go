// Package calm is a single-stream transformer inference core: one forward
// pass per token, weights resident for the process, logits out.
package calm

import (
	"fmt"

	"github.com/mrcodechef/zuex-calm/nn"
)

// Arch selects the per-layer pipeline the forward driver composes.
type Arch int

const (
	ArchLlamaLike Arch = iota
	ArchQwen
	ArchPhi
	ArchMixtral
	ArchOlmo
	ArchGemma
)

func (a Arch) String() string {
	switch a {
	case ArchLlamaLike:
		return "llama"
	case ArchQwen:
		return "qwen"
	case ArchPhi:
		return "phi"
	case ArchMixtral:
		return "mixtral"
	case ArchOlmo:
		return "olmo"
	case ArchGemma:
		return "gemma"
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

const (
	MaxLayers  = 128
	MaxExperts = 64

	// KVSinks is the number of always-retained initial positions once the
	// rolling KV window fills.
	KVSinks = 2

	// WarpWidth is the alignment unit for the model dimensions.
	WarpWidth = 32
)

type Config struct {
	Arch       Arch
	Dim        int // transformer dimension
	HiddenDim  int // for FFN layers
	HeadDim    int // per attention head, usually Dim / NumHeads
	NumLayers  int
	NumHeads   int // number of query heads
	NumKVHeads int // number of key/value heads (can be < query heads because of multiquery)
	VocabSize  int
	SeqLen     int     // max sequence length
	RopeTheta  float32 // RoPE base
	RotaryDim  int     // elements past this per head are not rotated
	NumExperts int     // MoE experts, zero for dense models
	NumActive  int     // MoE active experts per token
	NormEps    float32
	EmbedScale float32 // scale factor for token embeddings
}

// QDim is the width of the query projection.
func (c Config) QDim() int { return c.NumHeads * c.HeadDim }

// KVDim is the width of the key and value projections.
func (c Config) KVDim() int { return c.NumKVHeads * c.HeadDim }

// KVMul is the number of query heads sharing one KV head.
func (c Config) KVMul() int { return c.NumHeads / c.NumKVHeads }

func (c Config) Validate() error {
	for _, d := range []struct {
		name string
		val  int
	}{
		{"dim", c.Dim},
		{"hidden_dim", c.HiddenDim},
		{"kv_dim", c.KVDim()},
		{"vocab_size", c.VocabSize},
	} {
		if d.val <= 0 || d.val%WarpWidth != 0 {
			return fmt.Errorf("config: %s (%d) must be a positive multiple of %d", d.name, d.val, WarpWidth)
		}
	}
	if c.NumLayers <= 0 || c.NumLayers > MaxLayers {
		return fmt.Errorf("config: n_layers (%d) must be in 1..%d", c.NumLayers, MaxLayers)
	}
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("config: n_heads (%d) must be a multiple of n_kv_heads (%d)", c.NumHeads, c.NumKVHeads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return fmt.Errorf("config: head_dim (%d) must be positive and even", c.HeadDim)
	}
	if c.RotaryDim <= 0 || c.RotaryDim > c.HeadDim || c.RotaryDim%2 != 0 {
		return fmt.Errorf("config: rotary_dim (%d) must be even and within head_dim (%d)", c.RotaryDim, c.HeadDim)
	}
	if c.SeqLen <= KVSinks {
		return fmt.Errorf("config: seq_len (%d) must exceed the sink count (%d)", c.SeqLen, KVSinks)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("config: rope_theta (%g) must be positive", c.RopeTheta)
	}
	if c.NumExperts < 0 || c.NumExperts > MaxExperts {
		return fmt.Errorf("config: n_experts (%d) must be in 0..%d", c.NumExperts, MaxExperts)
	}
	if c.NumActive < 0 || c.NumActive > c.NumExperts {
		return fmt.Errorf("config: n_experts_ac (%d) must be in 0..n_experts (%d)", c.NumActive, c.NumExperts)
	}
	if (c.NumExperts > 0) != (c.NumActive > 0) {
		return fmt.Errorf("config: n_experts (%d) and n_experts_ac (%d) must be zero or nonzero together", c.NumExperts, c.NumActive)
	}
	if c.Arch == ArchMixtral && c.NumExperts == 0 {
		return fmt.Errorf("config: arch %s requires n_experts > 0", c.Arch)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("config: norm_eps (%g) must be positive", c.NormEps)
	}
	if c.EmbedScale == 0 {
		return fmt.Errorf("config: embed_scale must be set (1.0 for unscaled embeddings)")
	}
	return nil
}

// GF4 rows must decompose into whole groups; dim invariants guarantee this
// for every projection, kept here as a prepare-time check for gf4 models.
func (c Config) gf4Aligned() bool {
	return c.Dim%nn.GF4Group == 0 && c.HiddenDim%nn.GF4Group == 0
}
