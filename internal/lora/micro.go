package lora

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// minAdvantage is the smallest step magnitude. A score at the baseline moves the weights forward; a score just
// below it keeps its negative sign.
const minAdvantage = 1e-3

// #region micro
// Micro is the fast tier: one global rank-r pair updated on every accepted trajectory.
// Apply reads an immutable snapshot and never takes the writer lock.
type Micro struct {
	dim  int
	rank int

	weights atomic.Pointer[Factors]
	updates atomic.Uint64
	flushes atomic.Uint64

	mu            sync.Mutex // serializes Update and Flush
	baseline      float32
	pending       []float32
	pendingWeight float64
	pendingCount  int
}

// MicroParams are the tunables of one Update call.
type MicroParams struct {
	LearningRate  float32
	BaselineDecay float32
	MaxStepNorm   float32
}

// MicroUpdate reports what Update did.
type MicroUpdate struct {
	Applied   bool    `json:"applied"`
	Advantage float32 `json:"advantage"`
	Baseline  float32 `json:"baseline"`
	StepNorm  float32 `json:"step_norm"`
	Clipped   bool    `json:"clipped"`
	Reason    string  `json:"reason,omitempty"`
}

// FlushSignal is the drift a Micro tier accumulated since its last flush, handed to the Base tier as
// consolidation input. Direction is the sum of advantage-weighted unit embeddings.
type FlushSignal struct {
	Direction []float32 `json:"direction"`
	Weight    float64   `json:"weight"`
	Count     int       `json:"count"`
}

// Empty reports whether the signal carries no trajectories.
func (s FlushSignal) Empty() bool {
	return s.Count == 0
}

// NewMicro creates a micro tier for hidden dimension dim.
func NewMicro(dim, rank int, rng *rand.Rand) *Micro {
	m := &Micro{
		dim:     dim,
		rank:    rank,
		pending: make([]float32, dim),
	}
	m.weights.Store(NewFactors(dim, rank, rng))
	return m
}

// #endregion micro

// #region apply
// Apply returns in + scale * Up·(Down·in) computed against one consistent weight snapshot.
func (m *Micro) Apply(in []float32, scale float32) ([]float32, error) {
	if len(in) != m.dim {
		return nil, fmt.Errorf("%w: input length %d, want %d", errs.ErrInvalidInput, len(in), m.dim)
	}
	return m.weights.Load().Forward(in, scale), nil
}

// Weights returns the current immutable snapshot. Callers must not modify it.
func (m *Micro) Weights() *Factors {
	return m.weights.Load()
}

// #endregion apply

// #region update
// Update applies a Hebbian rank-r step for one accepted trajectory. x must be a unit vector of length dim
// (see Fit). With a = score - baseline and h = Down·x: Up += lr·a·x·hᵀ and Down += lr·a·(Upᵀx)·xᵀ.
func (m *Micro) Update(x []float32, score float32, p MicroParams) MicroUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	adv := score - m.baseline
	if float32(math.Abs(float64(adv))) < minAdvantage {
		if adv == 0 {
			adv = minAdvantage
		} else {
			adv = float32(math.Copysign(minAdvantage, float64(adv)))
		}
	}
	res := MicroUpdate{Advantage: adv}

	cur := m.weights.Load()
	next := cur.Clone()

	h := cur.Project(x)
	if norm(h) < 1e-12 {
		u := float32(1 / math.Sqrt(float64(m.rank)))
		for k := range h {
			h[k] = u
		}
	}
	g := cur.ProjectUpT(x)

	step := p.LearningRate * adv
	dUp := make([]float32, len(next.Up))
	for i := 0; i < m.dim; i++ {
		for k := 0; k < m.rank; k++ {
			dUp[i*m.rank+k] = step * x[i] * h[k]
		}
	}
	dDown := make([]float32, len(next.Down))
	for k := 0; k < m.rank; k++ {
		for j := 0; j < m.dim; j++ {
			dDown[k*m.dim+j] = step * g[k] * x[j]
		}
	}

	stepNorm := math.Sqrt(norm(dUp)*norm(dUp) + norm(dDown)*norm(dDown))
	if p.MaxStepNorm > 0 && stepNorm > float64(p.MaxStepNorm) {
		s := float32(float64(p.MaxStepNorm) / stepNorm)
		for i := range dUp {
			dUp[i] *= s
		}
		for i := range dDown {
			dDown[i] *= s
		}
		stepNorm = float64(p.MaxStepNorm)
		res.Clipped = true
	}
	for i, d := range dUp {
		next.Up[i] += d
	}
	for i, d := range dDown {
		next.Down[i] += d
	}
	res.StepNorm = float32(stepNorm)

	if !next.Finite() {
		res.Reason = "non-finite micro step discarded"
		res.Baseline = m.baseline
		return res
	}

	m.weights.Store(next)
	m.updates.Add(1)
	m.baseline += p.BaselineDecay * (score - m.baseline)
	for i, xi := range x {
		m.pending[i] += adv * xi
	}
	m.pendingWeight += math.Abs(float64(adv))
	m.pendingCount++

	res.Applied = true
	res.Baseline = m.baseline
	return res
}

// #endregion update

// #region flush
// Flush hands the accumulated drift to the caller and dampens Up by (1 - decay). Nothing changes when no
// update happened since the last flush.
func (m *Micro) Flush(decay float32) FlushSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingCount == 0 {
		return FlushSignal{}
	}
	sig := FlushSignal{
		Direction: append([]float32(nil), m.pending...),
		Weight:    m.pendingWeight,
		Count:     m.pendingCount,
	}
	for i := range m.pending {
		m.pending[i] = 0
	}
	m.pendingWeight = 0
	m.pendingCount = 0

	if decay > 0 {
		next := m.weights.Load().Clone()
		keep := 1 - decay
		for i := range next.Up {
			next.Up[i] *= keep
		}
		m.weights.Store(next)
	}
	m.flushes.Add(1)
	return sig
}

// #endregion flush

// #region stats
// Updates returns the number of applied updates.
func (m *Micro) Updates() uint64 {
	return m.updates.Load()
}

// Flushes returns the number of non-empty flushes.
func (m *Micro) Flushes() uint64 {
	return m.flushes.Load()
}

// Baseline returns the running score baseline.
func (m *Micro) Baseline() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

// #endregion stats
