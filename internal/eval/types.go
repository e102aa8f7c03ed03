package eval

import "github.com/danielpatrickdp/adaptive-lora/internal/config"

// #region eval-config
// EvalConfig holds thresholds for post-consolidation validation.
type EvalConfig struct {
	MaxWeightNorm float32 // reject if any layer's Frobenius norm exceeds this
	// MaxOutputGain is informational: the largest ratio ‖Apply(probe)‖/‖probe‖ worth flagging.
	MaxOutputGain float32
}

// DefaultEvalConfig returns the thresholds matching config.Default.
func DefaultEvalConfig() EvalConfig {
	return EvalConfigFrom(config.Default(config.DefaultHiddenDim))
}

// EvalConfigFrom derives eval thresholds from an engine config.
func EvalConfigFrom(cfg config.Config) EvalConfig {
	return EvalConfig{
		MaxWeightNorm: cfg.MaxWeightNorm,
		MaxOutputGain: 10,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float32 `json:"value"`
	Pass  bool    `json:"pass"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of post-consolidation validation.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
