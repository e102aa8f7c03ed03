package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
	"github.com/danielpatrickdp/adaptive-lora/internal/update"
)

// #region gate
// Gate evaluates whether a proposed set of Base layers should be committed or rejected.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Evaluate checks hard vetoes first, then scores soft signals.
// Takes the current layers, the proposed layers and the consolidation metrics.
func (g *Gate) Evaluate(old, proposed []*lora.Factors, metrics update.Metrics) GateDecision {
	var vetoes []VetoSignal

	// 1. Shape
	if len(old) != len(proposed) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoShape,
			Reason: fmt.Sprintf("proposed %d layers, have %d", len(proposed), len(old)),
		})
	}

	for l := 0; l < len(old) && l < len(proposed); l++ {
		p := proposed[l]
		if p == nil || p.Dim != old[l].Dim || p.Rank != old[l].Rank {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoShape,
				Reason: fmt.Sprintf("layer %d shape changed", l),
			})
			continue
		}

		// 2. NaN/Inf anywhere in the proposed weights
		if !p.Finite() {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoDivergence,
				Reason: fmt.Sprintf("layer %d has non-finite weights", l),
			})
			continue
		}

		// 3. Step norm exceeds cap
		step := stepNorm(old[l], p)
		if g.config.MaxStepNorm > 0 && step > g.config.MaxStepNorm+g.config.Tolerance {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoStepNorm,
				Reason: fmt.Sprintf("layer %d step norm %.4f exceeds cap %.4f", l, step, g.config.MaxStepNorm),
			})
		}
	}

	if !isFinite(metrics.StepNorm) || !isFinite(metrics.GradNorm) || !isFinite(metrics.EWCLoss) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoDivergence,
			Reason: "non-finite consolidation metrics",
		})
	}

	// If any hard vetoes, reject immediately
	if len(vetoes) > 0 {
		return GateDecision{
			Action:      "reject",
			Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
			SoftScore:   0,
		}
	}

	softScore := computeSoftScore(metrics, g.config.MaxStepNorm)

	return GateDecision{
		Action:    "commit",
		Reason:    fmt.Sprintf("passed gate: soft_score=%.4f", softScore),
		SoftScore: softScore,
	}
}

// #endregion gate

// #region helpers
// stepNorm computes the L2 norm of proposed - old over both matrices.
func stepNorm(old, proposed *lora.Factors) float32 {
	var sum float64
	for i := range old.Down {
		d := float64(proposed.Down[i]) - float64(old.Down[i])
		sum += d * d
	}
	for i := range old.Up {
		d := float64(proposed.Up[i]) - float64(old.Up[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// computeSoftScore produces a 0-1 composite from step size, batch purity and anchor drift.
// Logged but never blocks.
func computeSoftScore(metrics update.Metrics, maxStep float32) float32 {
	var score float32

	// Step stability: smaller steps relative to the cap (weight 0.4)
	if maxStep > 0 && metrics.StepNorm < maxStep {
		score += 0.4 * (1 - metrics.StepNorm/maxStep)
	} else if maxStep <= 0 {
		score += 0.2
	}

	// Batch purity: share of eligible trajectories (weight 0.3)
	if metrics.BatchSize > 0 {
		score += 0.3 * float32(metrics.Eligible) / float32(metrics.BatchSize)
	} else {
		score += 0.15 // flush-only batch
	}

	// Anchor drift: lower ewc loss is better (weight 0.3)
	score += 0.3 / (1 + metrics.EWCLoss)

	return score
}

// #endregion helpers
