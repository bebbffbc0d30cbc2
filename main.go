// Demo and benchmark driver: builds a randomly initialized model for the
// chosen architecture and formats, then samples a token stream. The real
// model loader, tokenizer and sampler live outside this repository; token
// ids are printed as numbers.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/mrcodechef/zuex-calm/calm"
	"github.com/mrcodechef/zuex-calm/nn"
)

func main() {
	var (
		arch        string
		dbits       int
		kvbits      int
		steps       int
		temperature float64
		seed        int64
	)

	flag.StringVar(&arch, "arch", "llama", "architecture: llama, qwen, phi, mixtral, olmo, gemma")
	flag.IntVar(&dbits, "dbits", 16, "weight format: 4 (gf4), 8 (fp8), 16 (fp16)")
	flag.IntVar(&kvbits, "kvbits", 16, "kv cache format: 8 (fp8) or 16 (fp16)")
	flag.IntVar(&steps, "steps", 256, "number of tokens to generate, 0: use seq_len")
	flag.Float64Var(&temperature, "temperature", 0.9, "0 = (deterministic) argmax sampling, 1 = baseline")
	flag.Int64Var(&seed, "seed", 42, "weight init seed")
	flag.Parse()

	cfg, err := demoConfig(arch)
	if err != nil {
		log.Fatal(err)
	}
	rng := rand.New(rand.NewSource(seed))

	var hw calm.HostWeights
	switch dbits {
	case 16:
		hw = buildWeights[nn.FP16](cfg, rng)
	case 8:
		hw = buildWeights[nn.FP8](cfg, rng)
	case 4:
		hw = buildWeights[nn.GF4](cfg, rng)
	default:
		log.Fatalf("unsupported dbits %d (want 4, 8 or 16)", dbits)
	}

	t, err := calm.Prepare(cfg, hw, kvbits)
	if err != nil {
		log.Fatal(err)
	}
	defer t.Close()
	log.Printf("prepared %s: %d layers, dim %d, dbits %d, kvbits %d, %d device bytes, coop=%v",
		cfg.Arch, cfg.NumLayers, cfg.Dim, dbits, kvbits, t.Allocated(), t.Coop)

	if steps <= 0 {
		steps = cfg.SeqLen
	}

	out := os.Stdout
	token := 0
	timeStart := time.Now()
	for pos := 0; pos < steps; pos++ {
		// forward the transformer to get logits for the next token
		logits := t.Forward(token, pos, 0)

		var next int
		if temperature == 0 {
			// greedy argmax sampling
			next = nn.ArgMax(logits)
		} else {
			// apply the temperature to the logits
			for q := range logits {
				logits[q] /= float32(temperature)
			}
			// softmax the logits to get probabilities for the next token
			nn.SoftMax(logits)
			// sample from this distribution
			next = nn.Sample(logits)
		}
		fmt.Fprintf(out, "%d ", next)

		// advance forward
		token = next
	}
	fmt.Fprintln(out)

	log.Printf("achieved tok/s: %f\n", float64(steps)/time.Since(timeStart).Seconds())
}

func demoConfig(arch string) (calm.Config, error) {
	c := calm.Config{
		Dim:        256,
		HiddenDim:  512,
		HeadDim:    64,
		NumLayers:  4,
		NumHeads:   4,
		NumKVHeads: 2,
		VocabSize:  512,
		SeqLen:     256,
		RopeTheta:  10000,
		RotaryDim:  64,
		NormEps:    1e-5,
		EmbedScale: 1,
	}
	switch arch {
	case "llama":
		c.Arch = calm.ArchLlamaLike
	case "qwen":
		c.Arch = calm.ArchQwen
	case "phi":
		c.Arch = calm.ArchPhi
		c.RotaryDim = 32
	case "mixtral":
		c.Arch = calm.ArchMixtral
		c.NumExperts = 8
		c.NumActive = 2
	case "olmo":
		c.Arch = calm.ArchOlmo
	case "gemma":
		c.Arch = calm.ArchGemma
		c.EmbedScale = float32(math.Sqrt(float64(c.Dim)))
	default:
		return c, fmt.Errorf("unknown architecture %q", arch)
	}
	return c, nil
}

func buildWeights[W nn.Weight](c calm.Config, rng *rand.Rand) *calm.Weights[W] {
	mat := func(rows, cols int) []W {
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

	w := &calm.Weights[W]{
		TokenEmbedding: mat(c.VocabSize, c.Dim),
		FinalNorm:      ones(c.Dim),
		WCls:           mat(c.VocabSize, c.Dim),
		Layers:         make([]calm.LayerWeights[W], c.NumLayers),
	}
	if c.Arch == calm.ArchPhi {
		w.BCls = vec(c.VocabSize)
	}

	for l := range w.Layers {
		lw := &w.Layers[l]
		lw.WQ = mat(c.QDim(), c.Dim)
		lw.WK = mat(c.KVDim(), c.Dim)
		lw.WV = mat(c.KVDim(), c.Dim)
		lw.WO = mat(c.Dim, c.QDim())

		switch c.Arch {
		case calm.ArchPhi:
			lw.LNWeight = ones(c.Dim)
			lw.BQ, lw.BK, lw.BV = vec(c.QDim()), vec(c.KVDim()), vec(c.KVDim())
			lw.W1 = mat(c.HiddenDim, c.Dim)
			lw.W2 = mat(c.Dim, c.HiddenDim)
			lw.B1, lw.B2 = vec(c.HiddenDim), vec(c.Dim)
		case calm.ArchMixtral:
			lw.AttNorm, lw.FFNNorm = ones(c.Dim), ones(c.Dim)
			lw.MoEGate = mat(c.NumExperts, c.Dim)
			lw.MoEW1 = make([][]W, c.NumExperts)
			lw.MoEW2 = make([][]W, c.NumExperts)
			lw.MoEW3 = make([][]W, c.NumExperts)
			for e := 0; e < c.NumExperts; e++ {
				lw.MoEW1[e] = mat(c.HiddenDim, c.Dim)
				lw.MoEW2[e] = mat(c.Dim, c.HiddenDim)
				lw.MoEW3[e] = mat(c.HiddenDim, c.Dim)
			}
		default:
			lw.AttNorm, lw.FFNNorm = ones(c.Dim), ones(c.Dim)
			if c.Arch == calm.ArchQwen {
				lw.BQ, lw.BK, lw.BV = vec(c.QDim()), vec(c.KVDim()), vec(c.KVDim())
			}
			lw.W1 = mat(c.HiddenDim, c.Dim)
			lw.W2 = mat(c.Dim, c.HiddenDim)
			lw.W3 = mat(c.HiddenDim, c.Dim)
		}
	}
	return w
}
