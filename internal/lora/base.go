package lora

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region base
// Base is the slow tier: one rank-r pair per layer, mutated only by Commit at the end of a consolidation cycle.
type Base struct {
	dim    int
	rank   int
	layers int

	weights atomic.Pointer[[]*Factors]

	mu    sync.Mutex // guards Commit and carry
	carry []FlushSignal
}

// NewBase creates layers pairs, each initialized from rng.
func NewBase(dim, rank, layers int, rng *rand.Rand) *Base {
	b := &Base{dim: dim, rank: rank, layers: layers}
	ls := make([]*Factors, layers)
	for i := range ls {
		ls[i] = NewFactors(dim, rank, rng)
	}
	b.weights.Store(&ls)
	return b
}

// Layers returns the configured layer count.
func (b *Base) Layers() int {
	return b.layers
}

// #endregion base

// #region apply
// Apply runs layer's delta over in.
func (b *Base) Apply(layer int, in []float32, scale float32) ([]float32, error) {
	if layer < 0 || layer >= b.layers {
		return nil, fmt.Errorf("%w: layer %d, have %d layers", errs.ErrOutOfRange, layer, b.layers)
	}
	if len(in) != b.dim {
		return nil, fmt.Errorf("%w: input length %d, want %d", errs.ErrInvalidInput, len(in), b.dim)
	}
	ls := *b.weights.Load()
	return ls[layer].Forward(in, scale), nil
}

// #endregion apply

// #region snapshot-commit
// Snapshot returns a deep copy of every layer, safe to mutate.
func (b *Base) Snapshot() []*Factors {
	ls := *b.weights.Load()
	out := make([]*Factors, len(ls))
	for i, f := range ls {
		out[i] = f.Clone()
	}
	return out
}

// Commit publishes a full set of layers atomically. The set must match the adapter's shape.
func (b *Base) Commit(layers []*Factors) error {
	if len(layers) != b.layers {
		return fmt.Errorf("%w: commit has %d layers, want %d", errs.ErrInvalidInput, len(layers), b.layers)
	}
	for i, f := range layers {
		if f == nil || f.Dim != b.dim || f.Rank != b.rank || len(f.Down) != b.dim*b.rank || len(f.Up) != b.dim*b.rank {
			return fmt.Errorf("%w: layer %d has the wrong shape", errs.ErrInvalidInput, i)
		}
	}
	published := make([]*Factors, len(layers))
	for i, f := range layers {
		published[i] = f.Clone()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.weights.Store(&published)
	return nil
}

// #endregion snapshot-commit

// #region carry
// Queue stores a micro flush signal as input for the next consolidation.
func (b *Base) Queue(sig FlushSignal) {
	if sig.Empty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.carry = append(b.carry, sig)
}

// TakeCarry removes and returns the queued flush signals.
func (b *Base) TakeCarry() []FlushSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.carry
	b.carry = nil
	return out
}

// Requeue puts signals taken by TakeCarry back ahead of anything queued since, keeping their order.
func (b *Base) Requeue(sigs []FlushSignal) {
	if len(sigs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FlushSignal, 0, len(sigs)+len(b.carry))
	out = append(out, sigs...)
	b.carry = append(out, b.carry...)
}

// Pending returns the number of queued flush signals.
func (b *Base) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.carry)
}

// #endregion carry
