package calm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mrcodechef/zuex-calm/nn"
)

// TestCoopMatchesMultiKernel drives the fused path and the multi-kernel path
// over the same token stream, through the window wrap.
func TestCoopMatchesMultiKernel(t *testing.T) {
	for _, arch := range []Arch{ArchLlamaLike, ArchGemma, ArchMixtral} {
		t.Run(arch.String(), func(t *testing.T) {
			c := testConfig(arch)
			w := buildTestWeights[nn.FP16](c, 11)
			base, err := Prepare(c, w, 16)
			if err != nil {
				t.Fatal(err)
			}
			defer base.Close()
			coop, err := Prepare(c, w, 16)
			if err != nil {
				t.Fatal(err)
			}
			defer coop.Close()
			coop.Coop = true

			for pos := 0; pos < c.SeqLen+3; pos++ {
				token := testToken(c, pos)
				exp := append([]float32(nil), base.Forward(token, pos, 0)...)
				got := coop.Forward(token, pos, 0)
				if diff := cmp.Diff(exp, got, cmpopts.EquateApprox(1e-3, 1e-6)); diff != "" {
					t.Fatalf("pos %d: %s", pos, diff)
				}
			}
		})
	}
}

func TestCoopPrefill(t *testing.T) {
	c := testConfig(ArchLlamaLike)
	w := buildTestWeights[nn.FP16](c, 19)
	base, err := Prepare(c, w, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer base.Close()
	coop, err := Prepare(c, w, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer coop.Close()
	coop.Coop = true

	for pos := 0; pos < 5; pos++ {
		base.Forward(testToken(c, pos), pos, 0)
		if out := coop.Forward(testToken(c, pos), pos, FlagUpdateKVOnly); out != nil {
			t.Fatalf("pos %d: prefill returned logits", pos)
		}
	}
	exp := append([]float32(nil), base.Forward(testToken(c, 5), 5, 0)...)
	got := coop.Forward(testToken(c, 5), 5, 0)
	if diff := cmp.Diff(exp, got, cmpopts.EquateApprox(1e-3, 1e-6)); diff != "" {
		t.Errorf("%s", diff)
	}
}

func TestCoopEnvGate(t *testing.T) {
	t.Setenv("CALM_COOP", "1")

	c := testConfig(ArchLlamaLike)
	tr, err := Prepare(c, buildTestWeights[nn.FP16](c, 3), 16)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if !tr.Coop {
		t.Error("CALM_COOP=1 did not enable the fused path")
	}

	// no fused pipeline for parallel-branch models
	cp := testConfig(ArchPhi)
	trp, err := Prepare(cp, buildTestWeights[nn.FP16](cp, 3), 16)
	if err != nil {
		t.Fatal(err)
	}
	defer trp.Close()
	if trp.Coop {
		t.Error("fused path enabled for an unsupported architecture")
	}
}

func TestCoopDisabledByDefault(t *testing.T) {
	t.Setenv("CALM_COOP", "")

	c := testConfig(ArchLlamaLike)
	tr, err := Prepare(c, buildTestWeights[nn.FP16](c, 3), 16)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if tr.Coop {
		t.Error("fused path enabled without CALM_COOP=1")
	}
}

func TestPhaseBarrier(t *testing.T) {
	const workers = 8
	b := newPhaseBarrier(workers)
	p := newCoopPool(workers)
	defer p.close()

	var counters [workers]int
	for round := 0; round < 50; round++ {
		p.launch(func(id int) {
			counters[id]++
			b.wait()
			// every worker sees every counter at the same round
			for _, v := range counters {
				if v != counters[id] {
					t.Errorf("round %d: counters diverged", round)
				}
			}
			b.wait()
		})
	}
}

func TestTilesCoverRange(t *testing.T) {
	p := newCoopPool(4)
	defer p.close()

	for _, n := range []int{0, 1, coopTile, coopTile*4 + 3, 100} {
		seen := make([]int32, n)
		p.launch(func(id int) {
			p.tiles(n, id, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					seen[i]++
				}
			})
		})
		for i, v := range seen {
			if v != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, v)
			}
		}
	}
}
