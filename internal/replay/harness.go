// Package replay drives recorded interactions through an in-memory engine so tuning changes can be compared
// offline against an expected outcome.
package replay

import (
	"time"

	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
)

// #region types
// Step is one recorded routing decision.
type Step struct {
	NodeID    uint32  `json:"node_id"`
	Score     float32 `json:"score"`
	LatencyMs int64   `json:"latency_ms"`
}

// Feedback is a recorded host feedback tuple. It is used when an interaction has no explicit final score.
type Feedback struct {
	Success   bool    `json:"success"`
	LatencyMs int64   `json:"latency_ms"`
	Quality   float32 `json:"quality"`
}

// Interaction represents a single recorded request for replay.
type Interaction struct {
	TurnID     string    `json:"turn_id"`
	Embedding  []float32 `json:"embedding"`
	Steps      []Step    `json:"steps,omitempty"`
	FinalScore *float32  `json:"final_score,omitempty"`
	Feedback   *Feedback `json:"feedback,omitempty"`
}

// ReplayConfig controls when the harness flushes and consolidates.
type ReplayConfig struct {
	// FlushEvery flushes micro drift after every N interactions. Zero disables flushing.
	FlushEvery int
	// CycleEvery forces a consolidation cycle after every N interactions. Zero leaves cycles to Tick.
	CycleEvery int
	// FinalCycle forces one last cycle when trajectories remain buffered at the end.
	FinalCycle bool
}

// DefaultReplayConfig ticks after every interaction and drains the buffer at the end.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{FinalCycle: true}
}

// ReplayResult captures the outcome of replaying one interaction.
type ReplayResult struct {
	TurnID string
	Action string // "micro_update" | "buffered" | "dropped" | "error" | "cycle"
	Reason string

	Outcome engine.Outcome
	Err     error

	// Flush is set when micro drift was flushed after this interaction.
	Flush *engine.FlushResult
	// Cycle is set when a consolidation cycle ran after this interaction.
	Cycle *engine.CycleResult
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTurns    int
	MicroUpdates  int
	Buffered      int
	Dropped       int
	Errors        int
	Cycles        int
	Commits       int
	CycleFailures int
	Divergences   int
	FinalStats    engine.Stats
}

// #endregion types

// #region replay
// Replay feeds interactions through e in order. After each interaction it optionally flushes, then either
// forces a cycle or lets the engine's scheduler decide via Tick.
func Replay(e *engine.Engine, interactions []Interaction, config ReplayConfig) []ReplayResult {
	results := make([]ReplayResult, 0, len(interactions)+1)

	for i, inter := range interactions {
		r := replayOne(e, inter)

		if config.FlushEvery > 0 && (i+1)%config.FlushEvery == 0 {
			fr := e.Flush()
			r.Flush = &fr
		}

		if config.CycleEvery > 0 {
			if (i+1)%config.CycleEvery == 0 {
				if c := e.ForceLearn(); c.Ran {
					r.Cycle = &c
				}
			}
		} else if e.Tick() {
			r.Cycle = e.Stats().LastCycle
		}
		results = append(results, r)
	}

	if config.FinalCycle && e.Stats().Buffered > 0 {
		c := e.ForceLearn()
		if c.Ran {
			results = append(results, ReplayResult{
				TurnID: "final",
				Action: "cycle",
				Reason: c.Reason,
				Cycle:  &c,
			})
		}
	}
	return results
}

func replayOne(e *engine.Engine, inter Interaction) ReplayResult {
	r := ReplayResult{TurnID: inter.TurnID}
	fail := func(err error) ReplayResult {
		r.Action = "error"
		r.Reason = err.Error()
		r.Err = err
		return r
	}

	id, err := e.Begin(inter.Embedding)
	if err != nil {
		return fail(err)
	}
	for _, s := range inter.Steps {
		if err := e.RecordStep(id, s.NodeID, s.Score, time.Duration(s.LatencyMs)*time.Millisecond); err != nil {
			_ = e.Discard(id)
			return fail(err)
		}
	}

	var out engine.Outcome
	switch {
	case inter.FinalScore != nil:
		out, err = e.End(id, *inter.FinalScore)
	case inter.Feedback != nil:
		fb := inter.Feedback
		out, err = e.LearnFromFeedback(id, fb.Success, time.Duration(fb.LatencyMs)*time.Millisecond, fb.Quality)
	default:
		out, err = e.End(id, meanStepScore(inter.Steps))
	}
	if err != nil {
		_ = e.Discard(id)
		return fail(err)
	}

	r.Outcome = out
	r.Reason = out.Reason
	switch {
	case out.MicroUpdated:
		r.Action = "micro_update"
	case out.Buffered:
		r.Action = "buffered"
	default:
		r.Action = "dropped"
	}
	return r
}

// meanStepScore scores an interaction without a final score or feedback by its mean step score.
func meanStepScore(steps []Step) float32 {
	if len(steps) == 0 {
		return 0
	}
	var sum float32
	for _, s := range steps {
		sum += s.Score
	}
	return sum / float32(len(steps))
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, finalStats engine.Stats) ReplaySummary {
	s := ReplaySummary{FinalStats: finalStats}
	for _, r := range results {
		switch r.Action {
		case "micro_update":
			s.MicroUpdates++
		case "buffered":
			s.Buffered++
		case "dropped":
			s.Dropped++
		case "error":
			s.Errors++
		}
		if r.Action != "cycle" {
			s.TotalTurns++
		}
		if c := r.Cycle; c != nil {
			s.Cycles++
			switch {
			case c.Committed:
				s.Commits++
			case c.Failed:
				s.CycleFailures++
			}
			if c.Divergence {
				s.Divergences++
			}
		}
	}
	return s
}

// #endregion replay
