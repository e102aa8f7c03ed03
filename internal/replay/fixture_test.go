package replay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
)

// #region fixture-tests

// TestFixture_SmallSession loads the small_session fixture, runs Replay(), and compares each turn's Action
// against the expected action. If micro, flush or consolidation behavior changes, this catches drift.
func TestFixture_SmallSession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "small_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	cfg, err := f.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer e.Close()

	results := Replay(e, f.Interactions, f.Replay.ToReplayConfig())

	if len(results) != len(f.Expected.Results) {
		t.Fatalf("expected %d results, got %d", len(f.Expected.Results), len(results))
	}
	for i, expected := range f.Expected.Results {
		actual := results[i]
		if actual.TurnID != expected.TurnID {
			t.Errorf("turn %d: expected turn_id=%s, got %s", i, expected.TurnID, actual.TurnID)
		}
		if actual.Action != expected.Action {
			t.Errorf("turn %d (%s): expected action=%s, got action=%s (reason: %s)",
				i, expected.TurnID, expected.Action, actual.Action, actual.Reason)
		}
	}

	s := Summarize(results, e.Stats())
	if s.Commits != f.Expected.Commits {
		t.Errorf("expected %d commits, got %d", f.Expected.Commits, s.Commits)
	}
	if s.FinalStats.AnchorVersion != f.Expected.AnchorVersion {
		t.Errorf("expected anchor version %d, got %d", f.Expected.AnchorVersion, s.FinalStats.AnchorVersion)
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing fixture")
	}
}

func TestFixture_DefaultConfigFromEmbedding(t *testing.T) {
	f := &Fixture{Interactions: []Interaction{{Embedding: make([]float32, 8)}}}
	cfg, err := f.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if cfg.HiddenDim != 8 || cfg.EmbeddingDim != 8 {
		t.Errorf("expected 8-dim defaults, got %d/%d", cfg.HiddenDim, cfg.EmbeddingDim)
	}

	if _, err := (&Fixture{}).EngineConfig(); err == nil {
		t.Error("expected error for an empty fixture")
	}
}

func TestFixture_StrictConfig(t *testing.T) {
	f := &Fixture{Config: []byte(`{"hidden_dim": 4, "bogus": 1}`)}
	if _, err := f.EngineConfig(); err == nil {
		t.Error("expected strict decoding to reject the config")
	}
}

func TestLoadInteractions_JSONL(t *testing.T) {
	inters, err := LoadInteractions(filepath.Join("testdata", "small_session.jsonl"))
	if err != nil {
		t.Fatalf("LoadInteractions: %v", err)
	}
	if len(inters) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(inters))
	}
	if inters[1].TurnID != "line-3" {
		t.Errorf("expected generated turn id line-3, got %s", inters[1].TurnID)
	}
	if inters[2].Feedback == nil || inters[2].Feedback.Success {
		t.Errorf("expected failed feedback on the third interaction, got %+v", inters[2].Feedback)
	}
	if inters[0].FinalScore == nil || *inters[0].FinalScore != 0.85 {
		t.Errorf("expected final score 0.85, got %v", inters[0].FinalScore)
	}
}

func TestReadInteractions_BadLine(t *testing.T) {
	_, err := ReadInteractions(strings.NewReader("{\"turn_id\": \"a\", \"embedding\": [1]}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected a line 2 error, got %v", err)
	}
}

func TestLoadInteractions_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if _, err := LoadInteractions(path); err == nil {
		t.Fatal("expected error for a missing log")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	inters, err := LoadInteractions(path)
	if err != nil || len(inters) != 0 {
		t.Fatalf("expected an empty log to parse cleanly, got %d, %v", len(inters), err)
	}
}

// #endregion fixture-tests
