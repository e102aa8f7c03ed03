package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/feedback"
	"github.com/danielpatrickdp/adaptive-lora/internal/logging"
	"github.com/danielpatrickdp/adaptive-lora/internal/state"
)

// #region outcome
// Outcome reports what End did with a closed trajectory.
type Outcome struct {
	TrajectoryID uint64  `json:"trajectory_id"`
	FinalScore   float32 `json:"final_score"`
	Buffered     bool    `json:"buffered"`
	Evicted      uint64  `json:"evicted,omitempty"` // oldest trajectory displaced from a full buffer
	PatternID    uint64  `json:"pattern_id,omitempty"`
	MicroUpdated bool    `json:"micro_updated"`
	Advantage    float32 `json:"advantage,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// FlushResult reports what a micro flush handed to the Base tier.
type FlushResult struct {
	Count   int     `json:"count"`
	Weight  float64 `json:"weight"`
	Pending int     `json:"pending"` // flush signals waiting for the next cycle
	Reason  string  `json:"reason,omitempty"`
}

// #endregion outcome

// #region cycle-result
// CycleResult is the diagnostic output of one consolidation attempt. Ran is false when nothing was attempted;
// a cycle that ran either Committed or Failed.
type CycleResult struct {
	CycleID       string  `json:"cycle_id,omitempty"`
	Trigger       string  `json:"trigger,omitempty"`
	Ran           bool    `json:"ran"`
	Committed     bool    `json:"committed"`
	Failed        bool    `json:"failed"`
	Divergence    bool    `json:"divergence"`
	Busy          bool    `json:"busy,omitempty"`
	Reason        string  `json:"reason"`
	BatchSize     int     `json:"batch_size"`
	Eligible      int     `json:"eligible"`
	Ineligible    int     `json:"ineligible"`
	FlushSamples  int     `json:"flush_samples"`
	Consumed      int     `json:"consumed"`
	MeanScore     float32 `json:"mean_score"`
	StepNorm      float32 `json:"step_norm"`
	GradNorm      float32 `json:"grad_norm"`
	EWCLoss       float32 `json:"ewc_loss"`
	SoftScore     float32 `json:"soft_score"`
	AnchorVersion uint64  `json:"anchor_version"`
	DurationMs    int64   `json:"duration_ms"`

	// Err is errs.ErrDivergence for a diverged cycle. It is diagnostic only.
	Err error `json:"-"`
}

// #endregion cycle-result

// #region stats
// Stats is a read-only snapshot of engine counters.
type Stats struct {
	Enabled          bool         `json:"enabled"`
	TrajectoriesOpen int          `json:"trajectories_open"`
	Buffered         int          `json:"trajectories_buffered"`
	BufferCapacity   int          `json:"buffer_capacity"`
	Pushed           uint64       `json:"trajectories_pushed"`
	Consumed         uint64       `json:"trajectories_consumed"`
	Dropped          uint64       `json:"trajectories_dropped"`
	Evicted          uint64       `json:"trajectories_evicted"`
	PatternsStored   int          `json:"patterns_stored"`
	PatternMerges    uint64       `json:"pattern_merges"`
	MicroUpdates     uint64       `json:"micro_updates"`
	MicroFlushes     uint64       `json:"micro_flushes"`
	MicroBaseline    float32      `json:"micro_baseline"`
	PendingFlushes   int          `json:"pending_flushes"`
	FlushesDropped   uint64       `json:"flushes_dropped"`
	CyclesRun        uint64       `json:"cycles_run"`
	CyclesFailed     uint64       `json:"cycles_failed"`
	AnchorVersion    uint64       `json:"anchor_version"`
	AnchorID         string       `json:"anchor_id"`
	BaseBaseline     float32      `json:"base_baseline"`
	SchedulerState   string       `json:"scheduler_state"`
	LastCycleAt      time.Time    `json:"last_cycle_at"`
	LastCycle        *CycleResult `json:"last_cycle,omitempty"`
}

// #endregion stats

// #region collaborators
// Checkpointer persists committed Base weights with their anchor.
type Checkpointer interface {
	CommitCheckpoint(cp state.Checkpoint) error
}

// CycleLogger records the provenance of every consolidation attempt.
type CycleLogger interface {
	LogCycle(entry logging.CycleEntry) error
}

// #endregion collaborators

// #region options
// Option configures an Engine.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	checkpointer Checkpointer
	cycleLog     CycleLogger
	now          func() time.Time
	feedback     feedback.MapperConfig
	cacheEntries int64
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		now:          time.Now,
		feedback:     feedback.DefaultMapperConfig(),
		cacheEntries: 1024,
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCheckpointer persists each committed cycle.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *options) { o.checkpointer = c }
}

// WithCycleLog records every consolidation attempt.
func WithCycleLog(c CycleLogger) Option {
	return func(o *options) { o.cycleLog = c }
}

// WithClock replaces time.Now for the scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFeedback sets the feedback → score mapping used by LearnFromFeedback.
func WithFeedback(cfg feedback.MapperConfig) Option {
	return func(o *options) { o.feedback = cfg }
}

// WithPatternCache bounds the pattern memory's FindSimilar cache. Zero disables it.
func WithPatternCache(entries int64) Option {
	return func(o *options) { o.cacheEntries = entries }
}

// #endregion options
