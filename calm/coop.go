package calm

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/mrcodechef/zuex-calm/nn"
)

// The cooperative fused path runs the whole per-token pass inside one launch:
// a persistent worker pool with a grid-wide barrier between phases, instead
// of dozens of individually issued kernels.

// coopTile is the number of consecutive rows one worker takes per round of
// the block-interleaved assignment.
const coopTile = 4

func (m *model[W, KV]) coopSupported() bool {
	switch m.cfg.Arch {
	case ArchLlamaLike, ArchMixtral, ArchGemma:
		return true
	}
	return false
}

// forwardCoop is the fused driver. Phase order per layer:
// norm -> QKV/RoPE/KV-write -> score/softmax/mix -> output -> FFN norm ->
// gate/up -> down, each separated by a barrier.
func (m *model[W, KV]) forwardCoop(token, pos int, flags Flags) []float32 {
	c := &m.cfg
	if m.pool == nil {
		m.pool = newCoopPool(runtime.GOMAXPROCS(0))
	}
	p := m.pool

	kvSink, kvPos, kvLen := kvRange(c, pos)
	kvOnly := flags&FlagUpdateKVOnly != 0
	pairs := (c.QDim() + 2*c.KVDim()) / 2
	rlq := nn.RowLen[W](c.QDim())
	rlh := nn.RowLen[W](c.HiddenDim)
	rld := nn.RowLen[W](c.Dim)
	tab := m.w.Layers // per-layer weight bundles, resident since prepare

	p.launch(func(id int) {
		if id == 0 {
			nn.Embed(m.s.X, m.w.TokenEmbedding, token, c.EmbedScale)
			if kvSink > 0 {
				m.rotateSinks(kvSink)
			}
		}
		p.bar.wait()

		for l := range tab {
			lw := &tab[l]

			if id == 0 {
				nn.RMSNorm(m.s.XB, m.s.X, lw.AttNorm, c.NormEps)
			}
			p.bar.wait()

			p.tiles(pairs, id, func(lo, hi int) {
				for q := lo; q < hi; q++ {
					m.qkvPair(lw, l, q, pos, kvPos)
				}
			})
			p.bar.wait()
			if kvOnly && l == len(tab)-1 {
				return
			}

			p.tiles(c.NumHeads, id, func(lo, hi int) {
				for h := lo; h < hi; h++ {
					m.attendHead(l, h, kvLen)
				}
			})
			p.bar.wait()

			p.tiles(c.Dim, id, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					m.s.X[i] += nn.Dot(lw.WO[i*rlq:(i+1)*rlq], m.s.Q)
				}
			})
			p.bar.wait()

			if id == 0 {
				nn.RMSNorm(m.s.XB, m.s.X, lw.FFNNorm, c.NormEps)
			}
			p.bar.wait()

			if c.NumExperts > 0 {
				m.coopMoE(p, id, lw, rlh, rld)
			} else {
				act := actFor(c.Arch)
				p.tiles(c.HiddenDim, id, func(lo, hi int) {
					for i := lo; i < hi; i++ {
						m.s.HB[i] = m.gateRow(lw.W1, lw.W3, i, act)
					}
				})
				p.bar.wait()
				p.tiles(c.Dim, id, func(lo, hi int) {
					for i := lo; i < hi; i++ {
						m.s.X[i] += nn.Dot(lw.W2[i*rlh:(i+1)*rlh], m.s.HB)
					}
				})
				p.bar.wait()
			}
		}

		if id == 0 {
			nn.RMSNorm(m.s.X, m.s.X, m.w.FinalNorm, c.NormEps)
		}
		p.bar.wait()

		p.tiles(c.VocabSize, id, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				v := nn.Dot(m.w.WCls[i*rld:(i+1)*rld], m.s.X)
				if m.w.BCls != nil {
					v += m.w.BCls[i]
				}
				m.s.Logits[i] = v
			}
		})
	})

	if kvOnly {
		return nil
	}
	return m.s.Logits
}

// coopMoE: routing on one worker, expert up projections distributed flat
// over (expert, row), down projections accumulated with atomic adds since
// every active expert writes the same x rows.
func (m *model[W, KV]) coopMoE(p *coopPool, id int, lw *LayerWeights[W], rlh, rld int) {
	c := &m.cfg
	e := m.s.Exp

	if id == 0 {
		for i := 0; i < c.NumExperts; i++ {
			e[i] = nn.Dot(lw.MoEGate[i*rld:(i+1)*rld], m.s.XB)
		}
		moeRoute(e, c.NumExperts, c.NumActive)
	}
	p.bar.wait()

	p.tiles(c.NumActive*c.HiddenDim, id, func(lo, hi int) {
		for u := lo; u < hi; u++ {
			k, i := u/c.HiddenDim, u%c.HiddenDim
			ex := int(e[c.NumExperts+c.NumActive+k])
			m.s.HE[k*c.HiddenDim+i] = m.gateRow(lw.MoEW1[ex], lw.MoEW3[ex], i, nn.SiLU)
		}
	})
	p.bar.wait()

	p.tiles(c.NumActive*c.Dim, id, func(lo, hi int) {
		for u := lo; u < hi; u++ {
			k, i := u/c.Dim, u%c.Dim
			ex := int(e[c.NumExperts+c.NumActive+k])
			he := m.s.HE[k*c.HiddenDim : (k+1)*c.HiddenDim]
			atomicAdd(&m.s.X[i], e[c.NumExperts+k]*nn.Dot(lw.MoEW2[ex][i*rlh:(i+1)*rlh], he))
		}
	})
	p.bar.wait()
}

// coopPool is the persistent worker set backing the fused path.
type coopPool struct {
	workers int
	bar     *phaseBarrier
	tasks   []chan func(int)
	done    chan struct{}
}

func newCoopPool(n int) *coopPool {
	p := &coopPool{
		workers: n,
		bar:     newPhaseBarrier(n),
		tasks:   make([]chan func(int), n),
		done:    make(chan struct{}, n),
	}
	for i := range p.tasks {
		p.tasks[i] = make(chan func(int), 1)
		go p.run(i)
	}
	return p
}

func (p *coopPool) run(id int) {
	for f := range p.tasks[id] {
		f(id)
		p.done <- struct{}{}
	}
}

// launch hands f to every worker and blocks until all return.
func (p *coopPool) launch(f func(id int)) {
	for _, t := range p.tasks {
		t <- f
	}
	for range p.tasks {
		<-p.done
	}
}

func (p *coopPool) close() {
	for _, t := range p.tasks {
		close(t)
	}
}

// tiles walks the block-interleaved assignment: tiles of coopTile rows,
// round-robin across workers.
func (p *coopPool) tiles(n, id int, f func(lo, hi int)) {
	for lo := id * coopTile; lo < n; lo += p.workers * coopTile {
		hi := lo + coopTile
		if hi > n {
			hi = n
		}
		f(lo, hi)
	}
}

// phaseBarrier is the grid-wide barrier between phases: cyclic, reusable.
type phaseBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	waiting int
	gen     int
}

func newPhaseBarrier(n int) *phaseBarrier {
	b := &phaseBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *phaseBarrier) wait() {
	b.mu.Lock()
	gen := b.gen
	b.waiting++
	if b.waiting == b.n {
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// atomicAdd accumulates v into *p via a CAS loop on the bit pattern.
func atomicAdd(p *float32, v float32) {
	addr := (*uint32)(unsafe.Pointer(p))
	for {
		old := atomic.LoadUint32(addr)
		upd := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(addr, old, upd) {
			return
		}
	}
}
