// Package ewc holds the elastic weight consolidation anchor: a snapshot of the Base weights plus a
// per-parameter importance estimate that resists drift away from what earlier cycles learned.
package ewc

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
)

// #region anchor
// Anchor is immutable once built. A successful cycle replaces it wholesale with Next.
type Anchor struct {
	Version    uint64      `json:"version"`
	ID         string      `json:"id"`
	ParentID   string      `json:"parent_id,omitempty"`
	Weights    [][]float32 `json:"-"` // per layer, lora.Factors.Flatten layout
	Importance [][]float32 `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewAnchor snapshots layers at version 0 with zero importance, so the first cycle is unpenalized.
func NewAnchor(layers []*lora.Factors) *Anchor {
	a := &Anchor{
		ID:         uuid.New().String(),
		Weights:    make([][]float32, len(layers)),
		Importance: make([][]float32, len(layers)),
		CreatedAt:  time.Now().UTC(),
	}
	for i, f := range layers {
		a.Weights[i] = f.Flatten()
		a.Importance[i] = make([]float32, f.Params())
	}
	return a
}

// Next returns the successor anchor: version+1, a fresh id, the given weights and importance.
func (a *Anchor) Next(layers []*lora.Factors, importance [][]float32) *Anchor {
	n := &Anchor{
		Version:    a.Version + 1,
		ID:         uuid.New().String(),
		ParentID:   a.ID,
		Weights:    make([][]float32, len(layers)),
		Importance: make([][]float32, len(importance)),
		CreatedAt:  time.Now().UTC(),
	}
	for i, f := range layers {
		n.Weights[i] = f.Flatten()
	}
	for i, imp := range importance {
		n.Importance[i] = append([]float32(nil), imp...)
	}
	return n
}

// Restore rebuilds an anchor from persisted fields.
func Restore(version uint64, id string, weights, importance [][]float32, createdAt time.Time) *Anchor {
	a := &Anchor{Version: version, ID: id, CreatedAt: createdAt}
	a.Weights = make([][]float32, len(weights))
	for i, w := range weights {
		a.Weights[i] = append([]float32(nil), w...)
	}
	a.Importance = make([][]float32, len(importance))
	for i, imp := range importance {
		a.Importance[i] = append([]float32(nil), imp...)
	}
	return a
}

// Layers returns the number of layers the anchor covers.
func (a *Anchor) Layers() int {
	return len(a.Weights)
}

// #endregion anchor

// #region penalty
// Penalty returns lambda * Σ F_j (w_j - anchor_j)² over every layer. Layers beyond the anchor are ignored.
func (a *Anchor) Penalty(layers [][]float32, lambda float32) float64 {
	var sum float64
	for l, w := range layers {
		if l >= len(a.Weights) {
			break
		}
		anchor, imp := a.Weights[l], a.Importance[l]
		for j := range w {
			if j >= len(anchor) {
				break
			}
			d := float64(w[j]) - float64(anchor[j])
			sum += float64(imp[j]) * d * d
		}
	}
	return float64(lambda) * sum
}

// UpdateImportance returns F' = gamma*F + (1-gamma)*G², each entry clipped to [0, clip] when clip > 0.
func UpdateImportance(old, grad []float32, gamma, clip float32) []float32 {
	out := make([]float32, len(grad))
	for j, g := range grad {
		var f float64
		if j < len(old) {
			f = float64(old[j])
		}
		v := float64(gamma)*f + float64(1-gamma)*float64(g)*float64(g)
		if math.IsNaN(v) {
			v = 0
		}
		if clip > 0 && v > float64(clip) {
			v = float64(clip)
		}
		if v < 0 {
			v = 0
		}
		out[j] = float32(v)
	}
	return out
}

// #endregion penalty
