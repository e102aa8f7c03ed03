package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
)

// #region eval-harness
// EvalHarness runs lightweight validation on proposed Base layers before they are published.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run validates every layer. Weight norms gate the result; output gain on the uniform probe is informational.
func (h *EvalHarness) Run(layers []*lora.Factors, scale float32) EvalResult {
	var metrics []EvalMetric
	passed := true
	var failReasons []string

	// 1. Per-layer weight norm bounds
	for l, f := range layers {
		norm := float32(f.Norm())
		pass := !math.IsNaN(float64(norm)) && norm <= h.config.MaxWeightNorm
		metrics = append(metrics, EvalMetric{
			Name:  fmt.Sprintf("layer_%d_norm", l),
			Value: norm,
			Pass:  pass,
		})
		if !pass {
			passed = false
			failReasons = append(failReasons, fmt.Sprintf("layer %d norm %.4f exceeds %.4f", l, norm, h.config.MaxWeightNorm))
		}
	}

	// 2. Output gain on a uniform probe: informational, does not fail
	if len(layers) > 0 {
		probe := lora.Fit(nil, layers[0].Dim)
		var maxGain float32
		for _, f := range layers {
			if g := vecNorm(f.Forward(probe, scale)); g > maxGain {
				maxGain = g
			}
		}
		metrics = append(metrics, EvalMetric{
			Name:  "max_output_gain",
			Value: maxGain,
			Pass:  maxGain <= h.config.MaxOutputGain,
		})
	}

	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:  passed,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region helpers
// vecNorm computes the L2 norm of a vector.
func vecNorm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// #endregion helpers
