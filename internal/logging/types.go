package logging

import "time"

// #region cycle-entry
// CycleEntry is a single row in the cycle_log table.
type CycleEntry struct {
	CycleID     string
	VersionID   string // empty unless the cycle committed a checkpoint
	TriggerType string // "time" | "size" | "force" | "flush"
	Decision    string // "commit" | "reject" | "no_op"
	Reason      string
	BatchSize   int
	Eligible    int
	MeanScore   float32
	StepNorm    float32
	EWCLoss     float32
	DurationMs  int64
	MetricsJSON string
	CreatedAt   time.Time
}

// #endregion cycle-entry

// #region cycle-detail
// CycleDetail captures the complete gate and eval outcome of one consolidation cycle.
// Serialized as JSON into cycle_log.metrics_json for inspection.
type CycleDetail struct {
	Eligible     int       `json:"eligible"`
	Ineligible   int       `json:"ineligible"`
	FlushSamples int       `json:"flush_samples"`
	GradNorm     float32   `json:"grad_norm"`
	LayerSteps   []float32 `json:"layer_steps"`
	LayerNorms   []float32 `json:"layer_norms"`

	// Gate thresholds active at decision time
	Thresholds CycleThresholds `json:"thresholds"`

	// Gate output
	GateAction    string   `json:"gate_action"`
	GateSoftScore float32  `json:"gate_soft_score"`
	GateVetoed    bool     `json:"gate_vetoed"`
	GateReason    string   `json:"gate_reason"`
	VetoTypes     []string `json:"veto_types,omitempty"`

	// Eval output
	EvalPassed bool   `json:"eval_passed"`
	EvalReason string `json:"eval_reason,omitempty"`

	AnchorVersion uint64 `json:"anchor_version"`
}

// CycleThresholds captures the gate/eval config active at decision time.
type CycleThresholds struct {
	MaxStepNorm   float32 `json:"max_step_norm"`
	MaxWeightNorm float32 `json:"max_weight_norm"`
	EWCLambda     float32 `json:"ewc_lambda"`
}

// #endregion cycle-detail
