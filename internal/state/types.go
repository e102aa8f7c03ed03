package state

import "time"

// #region checkpoint
// Checkpoint is a persisted Base-adapter snapshot together with the EWC anchor taken at the same moment.
// VersionID equals the anchor id.
type Checkpoint struct {
	VersionID     string
	ParentID      string
	AnchorVersion uint64
	HiddenDim     int
	Rank          int
	NumLayers     int
	Weights       [][]float32 // per layer, Down then Up
	Importance    [][]float32
	CreatedAt     time.Time
	MetricsJSON   string
}

// ParamsPerLayer returns the number of scalars stored for one layer.
func (c Checkpoint) ParamsPerLayer() int {
	return 2 * c.HiddenDim * c.Rank
}

// #endregion checkpoint

// #region cycle-record
// CycleRecord is one row of the cycle_log table. VersionID is empty for cycles that did not commit.
type CycleRecord struct {
	ID          int64
	CycleID     string
	VersionID   string
	Trigger     string
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

// #endregion cycle-record
