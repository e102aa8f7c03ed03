package update

import (
	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/ewc"
	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
	"github.com/danielpatrickdp/adaptive-lora/internal/trajectory"
)

// #region sample
// Sample is one consolidation input: a unit direction in hidden space and its signed advantage.
type Sample struct {
	X         []float32
	Advantage float32
	Score     float32
	Source    string // "trajectory" | "flush"
}

// #endregion sample

// #region input
// Input carries one cycle's snapshot into the pure consolidation function. Layers are read, never mutated.
type Input struct {
	Layers       []*lora.Factors
	Trajectories []*trajectory.Trajectory
	Carry        []lora.FlushSignal
	Anchor       *ewc.Anchor
	Baseline     float32
}

// #endregion input

// #region decision
// Decision records what the consolidation step decided.
type Decision struct {
	Action string // "commit" | "no_op"
	Reason string
}

// #endregion decision

// #region metrics
// LayerMetric captures per-layer telemetry from a consolidation step.
type LayerMetric struct {
	Layer      int     `json:"layer"`
	StepNorm   float32 `json:"step_norm"`
	GradNorm   float32 `json:"grad_norm"`
	WeightNorm float32 `json:"weight_norm"`
	Clipped    bool    `json:"clipped"`
}

// Metrics captures telemetry from a consolidation step.
type Metrics struct {
	BatchSize    int           `json:"batch_size"`
	Eligible     int           `json:"eligible"`
	Ineligible   int           `json:"ineligible"`
	FlushSamples int           `json:"flush_samples"`
	MeanScore    float32       `json:"mean_score"`
	StepNorm     float32       `json:"step_norm"`
	GradNorm     float32       `json:"grad_norm"`
	EWCLoss      float32       `json:"ewc_loss"`
	LayerMetrics []LayerMetric `json:"layer_metrics,omitempty"`
	UpdateTimeMs int64         `json:"update_time_ms"`
}

// #endregion metrics

// #region params
// Params holds the consolidation step's learning parameters.
type Params struct {
	HiddenDim        int
	LearningRate     float32
	EWCLambda        float32
	EWCGamma         float32
	ImportanceClip   float32
	QualityThreshold float32
	MaxStepNorm      float32 // per-layer L2 clamp (0 = disabled)
}

// DefaultParams returns the parameters of config.Default(hiddenDim).
func DefaultParams(hiddenDim int) Params {
	return ParamsFrom(config.Default(hiddenDim))
}

// ParamsFrom picks the consolidation parameters out of an engine config.
func ParamsFrom(cfg config.Config) Params {
	return Params{
		HiddenDim:        cfg.HiddenDim,
		LearningRate:     cfg.BaseLoRALR,
		EWCLambda:        cfg.EWCLambda,
		EWCGamma:         cfg.EWCGamma,
		ImportanceClip:   cfg.ImportanceClip,
		QualityThreshold: cfg.QualityThreshold,
		MaxStepNorm:      cfg.MaxStepNorm,
	}
}

// #endregion params

// #region result
// Result bundles everything returned by Consolidate.
type Result struct {
	NewLayers  []*lora.Factors
	Importance [][]float32
	Decision   Decision
	Metrics    Metrics
}

// #endregion result
