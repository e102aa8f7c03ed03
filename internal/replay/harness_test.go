package replay

import (
	"errors"
	"testing"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// helper: small engine with two base layers.
func newEngine(t *testing.T, mutate func(*config.Config)) *engine.Engine {
	t.Helper()
	cfg := config.Default(4)
	cfg.MicroLoRARank = 1
	cfg.BaseLoRARank = 2
	cfg.MicroLoRALR = 0.01
	cfg.BaseLoRALR = 0.01
	cfg.NumLayers = 2
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func score(v float32) *float32 { return &v }

// helper: interaction that clears the default quality threshold.
func goodInteraction(turnID string, axis int) Interaction {
	emb := []float32{0, 0, 0, 0}
	emb[axis%4] = 1
	return Interaction{TurnID: turnID, Embedding: emb, FinalScore: score(0.9)}
}

// 1. Good interactions update the micro adapter and the final cycle commits.
func TestReplay_MicroUpdatesThenFinalCycle(t *testing.T) {
	e := newEngine(t, nil)
	interactions := []Interaction{goodInteraction("t1", 0), goodInteraction("t2", 1)}

	results := Replay(e, interactions, DefaultReplayConfig())

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results[:2] {
		if r.Action != "micro_update" {
			t.Errorf("%s: expected micro_update, got %s (%s)", r.TurnID, r.Action, r.Reason)
		}
	}
	final := results[2]
	if final.Action != "cycle" || final.Cycle == nil {
		t.Fatalf("expected final cycle result, got %+v", final)
	}
	if !final.Cycle.Committed {
		t.Errorf("expected final cycle to commit, reason %s", final.Cycle.Reason)
	}
	if got := e.Stats().Buffered; got != 0 {
		t.Errorf("expected empty buffer after final cycle, got %d", got)
	}
}

// 2. Low scores are buffered but never reach the micro adapter.
func TestReplay_BelowThresholdIsBuffered(t *testing.T) {
	e := newEngine(t, nil)
	before := e.MicroWeights()
	inter := goodInteraction("t1", 0)
	inter.FinalScore = score(0.2)

	results := Replay(e, []Interaction{inter}, ReplayConfig{})

	if len(results) != 1 || results[0].Action != "buffered" {
		t.Fatalf("expected one buffered result, got %+v", results)
	}
	if !before.Equal(e.MicroWeights()) {
		t.Error("micro weights changed for a below-threshold interaction")
	}
	if e.Stats().Buffered != 1 {
		t.Errorf("expected 1 buffered trajectory, got %d", e.Stats().Buffered)
	}
}

// 3. A malformed interaction is reported and leaves nothing open.
func TestReplay_ErrorsDoNotLeakTrajectories(t *testing.T) {
	e := newEngine(t, nil)
	badEmbedding := Interaction{TurnID: "bad-emb", Embedding: []float32{1}, FinalScore: score(0.9)}
	badStep := Interaction{
		TurnID:     "bad-step",
		Embedding:  []float32{1, 0, 0, 0},
		Steps:      []Step{{NodeID: 1, Score: 2}},
		FinalScore: score(0.9),
	}
	badScore := Interaction{TurnID: "bad-score", Embedding: []float32{1, 0, 0, 0}, FinalScore: score(1.5)}

	results := Replay(e, []Interaction{badEmbedding, badStep, badScore}, ReplayConfig{})

	for _, r := range results {
		if r.Action != "error" {
			t.Errorf("%s: expected error, got %s", r.TurnID, r.Action)
		}
		if !errors.Is(r.Err, errs.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", r.TurnID, r.Err)
		}
	}
	if open := e.Stats().TrajectoriesOpen; open != 0 {
		t.Errorf("expected no open trajectories, got %d", open)
	}
}

// 4. CycleEvery forces a cycle on schedule.
func TestReplay_CycleEvery(t *testing.T) {
	e := newEngine(t, nil)
	var interactions []Interaction
	for i := 0; i < 6; i++ {
		interactions = append(interactions, goodInteraction("t", i))
	}

	results := Replay(e, interactions, ReplayConfig{CycleEvery: 3})

	var cycles []int
	for i, r := range results {
		if r.Cycle != nil {
			cycles = append(cycles, i)
		}
	}
	if len(cycles) != 2 || cycles[0] != 2 || cycles[1] != 5 {
		t.Errorf("expected cycles after turns 2 and 5, got %v", cycles)
	}
	if v := e.Stats().AnchorVersion; v != 2 {
		t.Errorf("expected anchor version 2, got %d", v)
	}
}

// 5. Tick picks up the size trigger without CycleEvery.
func TestReplay_TickSizeTrigger(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.BatchSize = 2 })
	interactions := []Interaction{goodInteraction("t1", 0), goodInteraction("t2", 1), goodInteraction("t3", 2)}

	results := Replay(e, interactions, ReplayConfig{})

	if results[2].Cycle == nil {
		t.Fatal("expected the third interaction to trigger a size cycle")
	}
	if results[2].Cycle.Trigger != "size" {
		t.Errorf("expected size trigger, got %s", results[2].Cycle.Trigger)
	}
	if results[0].Cycle != nil || results[1].Cycle != nil {
		t.Error("expected no cycle before the batch size is exceeded")
	}
}

// 6. Flushes are recorded and feed the next cycle.
func TestReplay_FlushEvery(t *testing.T) {
	e := newEngine(t, nil)
	interactions := []Interaction{goodInteraction("t1", 0), goodInteraction("t2", 1)}

	results := Replay(e, interactions, ReplayConfig{FlushEvery: 2, FinalCycle: true})

	if results[0].Flush != nil {
		t.Error("expected no flush after the first interaction")
	}
	if results[1].Flush == nil || results[1].Flush.Count != 2 {
		t.Fatalf("expected a flush of 2 updates, got %+v", results[1].Flush)
	}
	final := results[len(results)-1]
	if final.Cycle == nil || final.Cycle.FlushSamples != 1 {
		t.Errorf("expected the final cycle to consume one flush sample, got %+v", final.Cycle)
	}
}

// 7. Disabled engines drop every interaction.
func TestReplay_DisabledEngine(t *testing.T) {
	e := newEngine(t, nil)
	e.SetEnabled(false)

	results := Replay(e, []Interaction{goodInteraction("t1", 0)}, DefaultReplayConfig())

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !errors.Is(results[0].Err, errs.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", results[0].Err)
	}
}

// 8. Summarize counts every action and cycle outcome.
func TestSummarize_Counts(t *testing.T) {
	results := []ReplayResult{
		{Action: "micro_update"},
		{Action: "micro_update", Cycle: &engine.CycleResult{Ran: true, Committed: true}},
		{Action: "buffered"},
		{Action: "dropped"},
		{Action: "error"},
		{Action: "buffered", Cycle: &engine.CycleResult{Ran: true, Failed: true, Divergence: true}},
		{Action: "cycle", Cycle: &engine.CycleResult{Ran: true, Committed: true}},
	}

	s := Summarize(results, engine.Stats{AnchorVersion: 2})

	if s.TotalTurns != 6 {
		t.Errorf("TotalTurns: expected 6, got %d", s.TotalTurns)
	}
	if s.MicroUpdates != 2 || s.Buffered != 2 || s.Dropped != 1 || s.Errors != 1 {
		t.Errorf("unexpected action counts: %+v", s)
	}
	if s.Cycles != 3 || s.Commits != 2 || s.CycleFailures != 1 || s.Divergences != 1 {
		t.Errorf("unexpected cycle counts: %+v", s)
	}
	if s.FinalStats.AnchorVersion != 2 {
		t.Errorf("expected final stats to be carried, got %+v", s.FinalStats)
	}
}
