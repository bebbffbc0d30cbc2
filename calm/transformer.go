package calm

import (
	"fmt"
	"log"
	"os"

	"github.com/mrcodechef/zuex-calm/device"
	"github.com/mrcodechef/zuex-calm/nn"
)

// Flags modify a single forward call.
type Flags uint

const (
	// FlagUpdateKVOnly writes the KV cache for this position and skips the
	// rest of the last layer and the classifier; Forward returns nil.
	// Used for prompt pre-fill.
	FlagUpdateKVOnly Flags = 1 << 0
)

// Transformer is the prepared, device-resident model handle.
type Transformer struct {
	Config Config

	// Coop routes Forward through the fused single-launch driver when the
	// architecture supports it. Initialized from CALM_COOP=1.
	Coop bool

	ctx *device.Context
	run runner
}

type runner interface {
	forward(token, pos int, flags Flags) []float32
	forwardCoop(token, pos int, flags Flags) []float32
	coopSupported() bool
	close()
}

// Prepare validates the config, uploads the host weights and allocates the
// run state. The concrete HostWeights type carries the weight format; kvBits
// selects the KV cache format (8 or 16). Device faults inside preparation
// are fatal; configuration problems come back as errors.
func Prepare(c Config, hw HostWeights, kvBits int) (*Transformer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if hw.layerCount() != c.NumLayers {
		return nil, fmt.Errorf("config: weights carry %d layers, config says %d", hw.layerCount(), c.NumLayers)
	}
	if hw.dbits() == 4 && !c.gf4Aligned() {
		return nil, fmt.Errorf("config: gf4 weights need dims aligned to groups of %d", nn.GF4Group)
	}

	ctx := device.NewContext()
	var run runner
	var err error
	switch w := hw.(type) {
	case *Weights[nn.FP16]:
		switch kvBits {
		case 16:
			run, err = newModel[nn.FP16, nn.FP16](c, w, ctx)
		case 8:
			run, err = newModel[nn.FP16, nn.FP8](c, w, ctx)
		}
	case *Weights[nn.FP8]:
		switch kvBits {
		case 16:
			run, err = newModel[nn.FP8, nn.FP16](c, w, ctx)
		case 8:
			run, err = newModel[nn.FP8, nn.FP8](c, w, ctx)
		}
	case *Weights[nn.GF4]:
		switch kvBits {
		case 16:
			run, err = newModel[nn.GF4, nn.FP16](c, w, ctx)
		case 8:
			run, err = newModel[nn.GF4, nn.FP8](c, w, ctx)
		}
	}
	if run == nil && err == nil {
		ctx.Close()
		return nil, fmt.Errorf("config: unsupported weight/cache combination dbits=%d kvbits=%d", hw.dbits(), kvBits)
	}
	if err != nil {
		// device fault: no recovery by construction
		log.Fatalf("prepare: %v", err)
	}

	t := &Transformer{Config: c, ctx: ctx, run: run}
	t.Coop = os.Getenv("CALM_COOP") == "1" && run.coopSupported()
	return t, nil
}

// Forward runs one forward pass for token at absolute position pos and
// returns the logits vector, or nil under FlagUpdateKVOnly. The caller must
// not issue a second forward until this one returns.
//
// The sink keys rotate by one frequency step per call once the window has
// wrapped, so pos must advance by exactly one between calls.
func (t *Transformer) Forward(token, pos int, flags Flags) []float32 {
	if token < 0 || token >= t.Config.VocabSize {
		panic(fmt.Sprintf("calm: token %d out of range [0, %d)", token, t.Config.VocabSize))
	}
	if pos < 0 {
		panic(fmt.Sprintf("calm: negative position %d", pos))
	}
	if t.Coop {
		return t.run.forwardCoop(token, pos, flags)
	}
	return t.run.forward(token, pos, flags)
}

// Allocated reports the device bytes held by weights, state and caches.
func (t *Transformer) Allocated() int64 { return t.ctx.Allocated() }

// Close releases the stream pair and the cooperative worker pool. Weights
// and buffers are reclaimed with the handle.
func (t *Transformer) Close() {
	t.run.close()
	t.ctx.Close()
}

// kvRange computes the sink count, the physical cache slot for pos and the
// number of live cache positions. Writes wrap into [sinks, seq_len) once pos
// passes the window; the first KVSinks positions stay put.
func kvRange(c *Config, pos int) (kvSink, kvPos, kvLen int) {
	kvPos = pos
	if pos >= c.SeqLen {
		kvSink = KVSinks
		kvPos = kvSink + (pos-kvSink)%(c.SeqLen-kvSink)
	}
	kvLen = pos + 1
	if kvLen > c.SeqLen {
		kvLen = c.SeqLen
	}
	return
}
