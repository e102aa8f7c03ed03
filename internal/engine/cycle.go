package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
	"github.com/danielpatrickdp/adaptive-lora/internal/eval"
	"github.com/danielpatrickdp/adaptive-lora/internal/ewc"
	"github.com/danielpatrickdp/adaptive-lora/internal/gate"
	"github.com/danielpatrickdp/adaptive-lora/internal/logging"
	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
	"github.com/danielpatrickdp/adaptive-lora/internal/scheduler"
	"github.com/danielpatrickdp/adaptive-lora/internal/state"
	"github.com/danielpatrickdp/adaptive-lora/internal/trajectory"
	"github.com/danielpatrickdp/adaptive-lora/internal/update"
)

const (
	reasonNothingToLearn = "nothing to learn"
	reasonDisabled       = "disabled"
	reasonBusy           = "consolidation cycle already running"
)

// #region flush
// Flush moves the micro adapter's accumulated drift into the base tier's next consolidation input and dampens
// the micro weights. It never runs a consolidation cycle.
func (e *Engine) Flush() FlushResult {
	cfg, enabled := e.snapshot()
	if !enabled {
		return FlushResult{Pending: e.base.Pending(), Reason: reasonDisabled}
	}
	sig := e.micro.Flush(cfg.MicroFlushDecay)
	if sig.Empty() {
		return FlushResult{Pending: e.base.Pending(), Reason: "no micro drift"}
	}
	e.base.Queue(sig)
	e.log.Debug("micro drift flushed", zap.Int("count", sig.Count), zap.Float64("weight", sig.Weight))
	return FlushResult{Count: sig.Count, Weight: sig.Weight, Pending: e.base.Pending()}
}

// #endregion flush

// #region schedule
// Tick runs a consolidation cycle if one is due and none is running, and reports whether one ran.
// Any caller may be the one whose Tick triggers the cycle.
func (e *Engine) Tick() bool {
	if !e.IsEnabled() {
		return false
	}
	return e.sched.Tick(e.buffer.Len(), func(tr scheduler.Trigger) bool {
		return e.runCycle(tr).Ran
	})
}

// ForceLearn runs a cycle immediately when the engine is enabled and at least one trajectory is buffered.
// Otherwise it returns a diagnostic result without touching any weights.
func (e *Engine) ForceLearn() CycleResult {
	if !e.IsEnabled() {
		return CycleResult{Reason: reasonDisabled}
	}
	if e.buffer.Len() == 0 {
		return CycleResult{Reason: reasonNothingToLearn}
	}
	var res CycleResult
	started := false
	e.sched.Force(func(tr scheduler.Trigger) bool {
		started = true
		res = e.runCycle(tr)
		return res.Ran
	})
	if !started {
		return CycleResult{Busy: true, Reason: reasonBusy}
	}
	return res
}

// #endregion schedule

// #region cycle
// runCycle snapshots the buffer, consolidates, validates and commits all-or-nothing. Every snapshotted
// trajectory leaves the buffer, also when the cycle fails. Queued micro drift is kept for the next cycle unless
// the cycle diverged.
func (e *Engine) runCycle(trigger scheduler.Trigger) CycleResult {
	start := time.Now()
	cfg := e.Config()

	batch := e.buffer.Snapshot(0)
	if len(batch) == 0 {
		return CycleResult{Trigger: string(trigger), Reason: reasonNothingToLearn}
	}
	carry := e.base.TakeCarry()
	current := e.base.Snapshot()

	e.anchorMu.Lock()
	anchor, baseline := e.anchor, e.baseBaseline
	e.anchorMu.Unlock()

	result := update.Consolidate(update.Input{
		Layers:       current,
		Trajectories: batch,
		Carry:        carry,
		Anchor:       anchor,
		Baseline:     baseline,
	}, update.ParamsFrom(cfg))

	res := CycleResult{
		CycleID:       uuid.New().String(),
		Trigger:       string(trigger),
		Ran:           true,
		BatchSize:     result.Metrics.BatchSize,
		Eligible:      result.Metrics.Eligible,
		Ineligible:    result.Metrics.Ineligible,
		FlushSamples:  result.Metrics.FlushSamples,
		MeanScore:     result.Metrics.MeanScore,
		StepNorm:      finiteOrZero(result.Metrics.StepNorm),
		GradNorm:      finiteOrZero(result.Metrics.GradNorm),
		EWCLoss:       finiteOrZero(result.Metrics.EWCLoss),
		AnchorVersion: anchor.Version,
	}

	gateDecision := gate.NewGate(gate.GateConfigFrom(cfg)).Evaluate(current, result.NewLayers, result.Metrics)
	res.SoftScore = finiteOrZero(gateDecision.SoftScore)
	var evalResult eval.EvalResult

	switch {
	case gateDecision.Vetoed:
		res.Failed = true
		res.Reason = gateDecision.Reason
		if gateDecision.Diverged() {
			res.Divergence = true
			res.Err = fmt.Errorf("%w: %s", errs.ErrDivergence, gateDecision.Reason)
		}
	default:
		evalResult = eval.NewEvalHarness(eval.EvalConfigFrom(cfg)).Run(result.NewLayers, cfg.BaseScale)
		if !evalResult.Passed {
			res.Failed = true
			res.Reason = "eval rollback: " + evalResult.Reason
		}
	}

	if !res.Failed {
		if err := e.base.Commit(result.NewLayers); err != nil {
			res.Failed = true
			res.Reason = err.Error()
		}
	}

	removed := e.buffer.Remove(batchIDs(batch))

	var next *ewc.Anchor
	if res.Failed {
		e.dropped.Add(uint64(removed))
		e.cyclesFailed.Add(1)
		// A diverged cycle discards its carry; any other failure hands it to the next cycle.
		if res.Divergence {
			e.flushesDropped.Add(uint64(len(carry)))
		} else {
			e.base.Requeue(carry)
		}
	} else {
		next = anchor.Next(result.NewLayers, result.Importance)
		e.anchorMu.Lock()
		e.anchor = next
		if res.Eligible > 0 {
			e.baseBaseline += cfg.BaselineDecay * (res.MeanScore - e.baseBaseline)
		}
		e.anchorMu.Unlock()

		e.consumed.Add(uint64(removed))
		res.Committed = true
		res.AnchorVersion = next.Version
		res.Reason = result.Decision.Reason
	}
	res.Consumed = removed
	res.DurationMs = time.Since(start).Milliseconds()
	e.cyclesRun.Add(1)
	e.lastCycle.Store(&res)

	versionID := ""
	if next != nil && e.persist(next, cfg, res) {
		versionID = next.ID
	}
	e.logCycle(res, versionID, result, gateDecision, evalResult, cfg)
	return res
}

// #endregion cycle

// #region provenance
func (e *Engine) logCycle(res CycleResult, versionID string, result update.Result, g gate.GateDecision, ev eval.EvalResult, cfg config.Config) {
	fields := []zap.Field{
		zap.String("cycle_id", res.CycleID),
		zap.String("trigger", res.Trigger),
		zap.Int("batch", res.BatchSize),
		zap.Int("eligible", res.Eligible),
		zap.Float32("mean_score", res.MeanScore),
		zap.Float32("step_norm", res.StepNorm),
		zap.Float32("ewc_loss", res.EWCLoss),
		zap.Uint64("anchor_version", res.AnchorVersion),
		zap.String("reason", res.Reason),
	}
	if res.Failed {
		e.log.Warn("consolidation cycle failed", fields...)
	} else {
		e.log.Info("consolidation cycle committed", fields...)
	}

	if e.cycleLog == nil {
		return
	}
	detail := logging.CycleDetail{
		Eligible:     res.Eligible,
		Ineligible:   res.Ineligible,
		FlushSamples: res.FlushSamples,
		GradNorm:     res.GradNorm,
		Thresholds: logging.CycleThresholds{
			MaxStepNorm:   cfg.MaxStepNorm,
			MaxWeightNorm: cfg.MaxWeightNorm,
			EWCLambda:     cfg.EWCLambda,
		},
		GateAction:    g.Action,
		GateSoftScore: g.SoftScore,
		GateVetoed:    g.Vetoed,
		GateReason:    g.Reason,
		EvalPassed:    ev.Passed,
		EvalReason:    ev.Reason,
		AnchorVersion: res.AnchorVersion,
	}
	for _, v := range g.VetoSignals {
		detail.VetoTypes = append(detail.VetoTypes, string(v.Type))
	}
	for _, lm := range result.Metrics.LayerMetrics {
		detail.LayerSteps = append(detail.LayerSteps, lm.StepNorm)
		detail.LayerNorms = append(detail.LayerNorms, lm.WeightNorm)
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		// NaN metrics from a diverged cycle cannot be encoded.
		detailJSON = nil
	}

	decision := "commit"
	if res.Failed {
		decision = "reject"
	} else if result.Decision.Action == "no_op" {
		decision = "no_op"
	}
	entry := logging.CycleEntry{
		CycleID:     res.CycleID,
		VersionID:   versionID,
		TriggerType: res.Trigger,
		Decision:    decision,
		Reason:      res.Reason,
		BatchSize:   res.BatchSize,
		Eligible:    res.Eligible,
		MeanScore:   res.MeanScore,
		StepNorm:    res.StepNorm,
		EWCLoss:     res.EWCLoss,
		DurationMs:  res.DurationMs,
		MetricsJSON: string(detailJSON),
	}
	if err := e.cycleLog.LogCycle(entry); err != nil {
		e.log.Warn("cycle log write failed", zap.String("cycle_id", res.CycleID), zap.Error(err))
	}
}

// persist writes the committed anchor as a checkpoint and reports whether it was stored.
// Storage errors are logged, never fatal.
func (e *Engine) persist(a *ewc.Anchor, cfg config.Config, res CycleResult) bool {
	if e.checkpointer == nil {
		return false
	}
	e.anchorMu.Lock()
	parent := e.checkpointID
	e.anchorMu.Unlock()

	metrics, _ := json.Marshal(res)
	cp := state.Checkpoint{
		VersionID:     a.ID,
		ParentID:      parent,
		AnchorVersion: a.Version,
		HiddenDim:     cfg.HiddenDim,
		Rank:          cfg.BaseLoRARank,
		NumLayers:     cfg.NumLayers,
		Weights:       a.Weights,
		Importance:    a.Importance,
		CreatedAt:     a.CreatedAt,
		MetricsJSON:   string(metrics),
	}
	if err := e.checkpointer.CommitCheckpoint(cp); err != nil {
		e.log.Warn("checkpoint write failed", zap.String("version_id", a.ID), zap.Error(err))
		return false
	}
	e.anchorMu.Lock()
	e.checkpointID = a.ID
	e.anchorMu.Unlock()
	return true
}

// finiteOrZero keeps diverged metrics JSON-encodable. The divergence itself is reported by CycleResult.Divergence.
func finiteOrZero(v float32) float32 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return v
}

func batchIDs(batch []*trajectory.Trajectory) []uint64 {
	ids := make([]uint64, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}
	return ids
}

// #endregion provenance

// #region restore
// Restore loads base weights and the EWC anchor from a checkpoint. It fails with ErrCycleRunning while a cycle
// is in flight and with ErrInvalidInput when the checkpoint's shape does not match the engine.
func (e *Engine) Restore(cp state.Checkpoint) error {
	cfg := e.Config()
	if cp.HiddenDim != cfg.HiddenDim || cp.Rank != cfg.BaseLoRARank || cp.NumLayers != cfg.NumLayers {
		return fmt.Errorf("%w: checkpoint shape %dx%d/%d layers, engine %dx%d/%d layers", errs.ErrInvalidInput,
			cp.HiddenDim, cp.Rank, cp.NumLayers, cfg.HiddenDim, cfg.BaseLoRARank, cfg.NumLayers)
	}
	layers := make([]*lora.Factors, cp.NumLayers)
	for l := range layers {
		if l >= len(cp.Weights) {
			return fmt.Errorf("%w: checkpoint missing layer %d", errs.ErrInvalidInput, l)
		}
		f, ok := lora.FromFlat(cp.HiddenDim, cp.Rank, cp.Weights[l])
		if !ok || !f.Finite() {
			return fmt.Errorf("%w: checkpoint layer %d is malformed", errs.ErrInvalidInput, l)
		}
		layers[l] = f
	}
	if len(cp.Importance) != cp.NumLayers {
		return fmt.Errorf("%w: checkpoint importance has %d layers", errs.ErrInvalidInput, len(cp.Importance))
	}

	var restoreErr error
	ran := e.sched.Exclusive(func() {
		if err := e.base.Commit(layers); err != nil {
			restoreErr = err
			return
		}
		e.anchorMu.Lock()
		e.anchor = ewc.Restore(cp.AnchorVersion, cp.VersionID, cp.Weights, cp.Importance, cp.CreatedAt)
		e.checkpointID = cp.VersionID
		e.anchorMu.Unlock()
	})
	if !ran {
		return errs.ErrCycleRunning
	}
	if restoreErr != nil {
		return restoreErr
	}
	e.log.Info("restored checkpoint", zap.String("version_id", cp.VersionID), zap.Uint64("anchor_version", cp.AnchorVersion))
	return nil
}

// #endregion restore
