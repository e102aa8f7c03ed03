package gate

import "github.com/danielpatrickdp/adaptive-lora/internal/config"

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoDivergence VetoType = "divergence"
	VetoStepNorm   VetoType = "step_norm"
	VetoShape      VetoType = "shape_mismatch"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	MaxStepNorm float32 // max L2 norm of any single layer's step
	// Tolerance absorbs float32 rounding on a step clamped exactly to MaxStepNorm.
	Tolerance float32
}

// DefaultGateConfig returns the thresholds matching config.Default.
func DefaultGateConfig() GateConfig {
	return GateConfigFrom(config.Default(config.DefaultHiddenDim))
}

// GateConfigFrom derives gate thresholds from an engine config.
func GateConfigFrom(cfg config.Config) GateConfig {
	return GateConfig{
		MaxStepNorm: cfg.MaxStepNorm,
		Tolerance:   1e-4,
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      string // "commit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	SoftScore   float32      // 0-1 composite of soft signals (for logging)
}

// Diverged reports whether any veto was a numeric divergence.
func (d GateDecision) Diverged() bool {
	for _, v := range d.VetoSignals {
		if v.Type == VetoDivergence {
			return true
		}
	}
	return false
}

// #endregion gate-decision
