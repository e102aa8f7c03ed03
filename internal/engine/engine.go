// Package engine wires the trajectory recorder, pattern memory, both adapter tiers and the scheduler into one
// concurrency-safe adaptation engine.
//
// The engine lock guards only the enabled flag and the configuration. Every component synchronizes itself, so
// the apply hot path never waits on trajectory recording, pattern inserts or micro updates.
package engine

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
	"github.com/danielpatrickdp/adaptive-lora/internal/ewc"
	"github.com/danielpatrickdp/adaptive-lora/internal/feedback"
	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
	"github.com/danielpatrickdp/adaptive-lora/internal/pattern"
	"github.com/danielpatrickdp/adaptive-lora/internal/scheduler"
	"github.com/danielpatrickdp/adaptive-lora/internal/trajectory"
)

// #region engine
// Engine is the adaptation core. All methods are safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	cfg     config.Config
	enabled bool

	// reconfigMu serializes Reconfigure so component limits and cfg always come from the same config.
	reconfigMu sync.Mutex

	recorder *trajectory.Recorder
	buffer   *trajectory.Buffer
	patterns *pattern.Memory
	micro    *lora.Micro
	base     *lora.Base
	sched    *scheduler.Scheduler
	mapper   *feedback.Mapper

	// anchorMu guards the consolidation state below. Cycles are serialized by the scheduler; the lock only
	// covers reads and swaps, never a whole cycle.
	anchorMu     sync.Mutex
	anchor       *ewc.Anchor
	baseBaseline float32
	checkpointID string

	consumed       atomic.Uint64
	dropped        atomic.Uint64
	flushesDropped atomic.Uint64 // flush signals discarded with a diverged cycle
	cyclesRun      atomic.Uint64
	cyclesFailed   atomic.Uint64
	lastCycle      atomic.Pointer[CycleResult]

	log          *zap.Logger
	checkpointer Checkpointer
	cycleLog     CycleLogger
}

// New builds an engine from a validated configuration. Adapter initialization is seeded by cfg.Seed.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	patterns, err := pattern.NewMemory(cfg.EmbeddingDim, cfg.PatternClusters, cfg.ClusterRadius,
		pattern.WithCacheEntries(o.cacheEntries))
	if err != nil {
		return nil, fmt.Errorf("pattern memory: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	micro := lora.NewMicro(cfg.HiddenDim, cfg.MicroLoRARank, rng)
	base := lora.NewBase(cfg.HiddenDim, cfg.BaseLoRARank, cfg.NumLayers, rng)

	e := &Engine{
		cfg:          cfg,
		enabled:      true,
		recorder:     trajectory.NewRecorder(cfg.EmbeddingDim),
		buffer:       trajectory.NewBuffer(cfg.TrajectoryCapacity),
		patterns:     patterns,
		micro:        micro,
		base:         base,
		sched:        scheduler.New(cfg.BackgroundInterval(), cfg.BatchSize, o.now),
		mapper:       feedback.NewMapper(o.feedback),
		anchor:       ewc.NewAnchor(base.Snapshot()),
		log:          o.logger,
		checkpointer: o.checkpointer,
		cycleLog:     o.cycleLog,
	}
	e.log.Info("engine created",
		zap.Int("hidden_dim", cfg.HiddenDim),
		zap.Int("embedding_dim", cfg.EmbeddingDim),
		zap.Int("micro_rank", cfg.MicroLoRARank),
		zap.Int("base_rank", cfg.BaseLoRARank),
		zap.Int("layers", cfg.NumLayers),
	)
	return e, nil
}

// NewWithHiddenDim builds an engine with config.Default(hiddenDim).
func NewWithHiddenDim(hiddenDim int, opts ...Option) (*Engine, error) {
	return New(config.Default(hiddenDim), opts...)
}

// Close releases the pattern cache.
func (e *Engine) Close() {
	e.patterns.Close()
}

// snapshot returns the configuration and enabled flag under one short read lock.
func (e *Engine) snapshot() (config.Config, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.enabled
}

// #endregion engine

// #region trajectory-api
// Begin opens a trajectory. It fails with ErrDisabled while the engine is disabled.
func (e *Engine) Begin(embedding []float32) (uint64, error) {
	if _, enabled := e.snapshot(); !enabled {
		return 0, errs.ErrDisabled
	}
	return e.recorder.Begin(embedding)
}

// RecordStep appends a routing decision to an open trajectory.
func (e *Engine) RecordStep(id uint64, nodeID uint32, score float32, latency time.Duration) error {
	return e.recorder.RecordStep(id, nodeID, score, latency)
}

// End closes a trajectory and routes it to the buffer, pattern memory and, above the quality threshold,
// the micro adapter. While disabled the trajectory is closed and dropped.
func (e *Engine) End(id uint64, finalScore float32) (Outcome, error) {
	t, err := e.recorder.End(id, finalScore)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{TrajectoryID: id, FinalScore: finalScore}

	cfg, enabled := e.snapshot()
	if !enabled {
		e.dropped.Add(1)
		out.Reason = "disabled"
		return out, nil
	}

	evicted, err := e.buffer.Push(t)
	if err != nil {
		return out, err
	}
	out.Buffered = true
	out.Evicted = evicted
	if evicted != 0 {
		e.log.Debug("buffer full, evicted oldest trajectory", zap.Uint64("evicted", evicted))
	}

	pid, err := e.patterns.Insert(t.QueryEmbedding, finalScore)
	if err != nil {
		e.log.Warn("pattern insert failed", zap.Uint64("trajectory", id), zap.Error(err))
	} else {
		out.PatternID = pid
	}

	if finalScore < cfg.QualityThreshold {
		out.Reason = "below quality threshold"
		return out, nil
	}
	res := e.micro.Update(lora.Fit(t.QueryEmbedding, cfg.HiddenDim), finalScore, lora.MicroParams{
		LearningRate:  cfg.MicroLoRALR,
		BaselineDecay: cfg.BaselineDecay,
		MaxStepNorm:   cfg.MaxStepNorm,
	})
	out.MicroUpdated = res.Applied
	out.Advantage = res.Advantage
	out.Reason = res.Reason
	return out, nil
}

// LearnFromFeedback maps a host feedback tuple to a final score and ends the trajectory with it.
func (e *Engine) LearnFromFeedback(id uint64, success bool, latency time.Duration, quality float32) (Outcome, error) {
	score, err := e.mapper.Score(feedback.Feedback{Success: success, Latency: latency, Quality: quality})
	if err != nil {
		return Outcome{}, err
	}
	return e.End(id, score)
}

// Discard abandons an open trajectory without learning from it.
func (e *Engine) Discard(id uint64) error {
	if err := e.recorder.Discard(id); err != nil {
		return err
	}
	e.dropped.Add(1)
	return nil
}

// #endregion trajectory-api

// #region apply
// ApplyMicro returns in transformed by the micro adapter, or an unmodified copy while disabled.
func (e *Engine) ApplyMicro(in []float32) ([]float32, error) {
	cfg, enabled := e.snapshot()
	if len(in) != cfg.HiddenDim {
		return nil, fmt.Errorf("%w: input length %d, want %d", errs.ErrInvalidInput, len(in), cfg.HiddenDim)
	}
	if !enabled {
		return append([]float32(nil), in...), nil
	}
	return e.micro.Apply(in, cfg.MicroScale)
}

// ApplyBase returns in transformed by one base layer, or an unmodified copy while disabled.
func (e *Engine) ApplyBase(layer int, in []float32) ([]float32, error) {
	cfg, enabled := e.snapshot()
	if layer < 0 || layer >= cfg.NumLayers {
		return nil, fmt.Errorf("%w: layer %d, have %d layers", errs.ErrOutOfRange, layer, cfg.NumLayers)
	}
	if len(in) != cfg.HiddenDim {
		return nil, fmt.Errorf("%w: input length %d, want %d", errs.ErrInvalidInput, len(in), cfg.HiddenDim)
	}
	if !enabled {
		return append([]float32(nil), in...), nil
	}
	return e.base.Apply(layer, in, cfg.BaseScale)
}

// #endregion apply

// #region patterns
// FindSimilar returns up to k stored patterns nearest to the query embedding.
func (e *Engine) FindSimilar(query []float32, k int) ([]pattern.Match, error) {
	return e.patterns.FindSimilar(query, k)
}

// Patterns returns a snapshot of every stored pattern.
func (e *Engine) Patterns() []pattern.Pattern {
	return e.patterns.Patterns()
}

// #endregion patterns

// #region admin
// Config returns the current configuration.
func (e *Engine) Config() config.Config {
	cfg, _ := e.snapshot()
	return cfg
}

// SetEnabled turns learning and adaptation on or off.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	changed := e.enabled != enabled
	e.enabled = enabled
	e.mu.Unlock()
	if changed {
		e.log.Info("engine enabled flag changed", zap.Bool("enabled", enabled))
	}
}

// IsEnabled reports whether the engine is enabled.
func (e *Engine) IsEnabled() bool {
	_, enabled := e.snapshot()
	return enabled
}

// Reconfigure swaps the tunables as a whole. Shape fields (dimensions, ranks, layers, seed) cannot change on a
// live engine and are rejected with ErrInvalidInput.
func (e *Engine) Reconfigure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.reconfigMu.Lock()
	defer e.reconfigMu.Unlock()
	cur := e.Config()
	if !cur.SameShape(cfg) {
		return fmt.Errorf("%w: shape fields cannot change on a live engine", errs.ErrInvalidInput)
	}
	if err := e.patterns.SetLimits(cfg.PatternClusters, cfg.ClusterRadius); err != nil {
		return err
	}
	if dropped := e.buffer.SetCapacity(cfg.TrajectoryCapacity); dropped > 0 {
		e.log.Warn("buffer shrunk, oldest trajectories dropped", zap.Int("dropped", dropped))
	}
	e.sched.SetTriggers(cfg.BackgroundInterval(), cfg.BatchSize)

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.log.Info("engine reconfigured")
	return nil
}

// #endregion admin

// #region stats
// Stats returns a snapshot of engine counters. It only reads atomics and takes short component locks.
func (e *Engine) Stats() Stats {
	_, enabled := e.snapshot()
	pushed, evicted, _ := e.buffer.Counters()

	e.anchorMu.Lock()
	anchorVersion, anchorID, baseline := e.anchor.Version, e.anchor.ID, e.baseBaseline
	e.anchorMu.Unlock()

	s := Stats{
		Enabled:          enabled,
		TrajectoriesOpen: e.recorder.Open(),
		Buffered:         e.buffer.Len(),
		BufferCapacity:   e.buffer.Capacity(),
		Pushed:           pushed,
		Consumed:         e.consumed.Load(),
		Dropped:          e.dropped.Load(),
		Evicted:          evicted,
		PatternsStored:   e.patterns.Len(),
		PatternMerges:    e.patterns.Merges(),
		MicroUpdates:     e.micro.Updates(),
		MicroFlushes:     e.micro.Flushes(),
		MicroBaseline:    e.micro.Baseline(),
		PendingFlushes:   e.base.Pending(),
		FlushesDropped:   e.flushesDropped.Load(),
		CyclesRun:        e.cyclesRun.Load(),
		CyclesFailed:     e.cyclesFailed.Load(),
		AnchorVersion:    anchorVersion,
		AnchorID:         anchorID,
		BaseBaseline:     baseline,
		SchedulerState:   e.sched.State().String(),
		LastCycleAt:      e.sched.LastCycle(),
	}
	if last := e.lastCycle.Load(); last != nil {
		c := *last
		s.LastCycle = &c
	}
	return s
}

// MicroWeights returns the current micro adapter snapshot. Callers must not modify it.
func (e *Engine) MicroWeights() *lora.Factors {
	return e.micro.Weights()
}

// BaseWeights returns a deep copy of every base layer.
func (e *Engine) BaseWeights() []*lora.Factors {
	return e.base.Snapshot()
}

// #endregion stats
