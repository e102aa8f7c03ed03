package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description  string          `json:"description"`
	Config       json.RawMessage `json:"config"`
	Replay       FixtureReplay   `json:"replay"`
	Interactions []Interaction   `json:"interactions"`
	Expected     FixtureExpected `json:"expected"`
}

// FixtureReplay mirrors ReplayConfig with JSON tags.
type FixtureReplay struct {
	FlushEvery int  `json:"flush_every"`
	CycleEvery int  `json:"cycle_every"`
	FinalCycle bool `json:"final_cycle"`
}

// FixtureExpected holds the reference outcome of a fixture run.
type FixtureExpected struct {
	Results       []FixtureExpectedResult `json:"results"`
	Commits       int                     `json:"commits"`
	AnchorVersion uint64                  `json:"anchor_version"`
}

// FixtureExpectedResult captures the expected action per turn.
type FixtureExpectedResult struct {
	TurnID string `json:"turn_id"`
	Action string `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// EngineConfig decodes the fixture's engine config through the strict boundary decoder. A fixture without a
// config uses the defaults for the first interaction's embedding length.
func (f *Fixture) EngineConfig() (config.Config, error) {
	if len(bytes.TrimSpace(f.Config)) > 0 {
		return config.FromJSON(f.Config)
	}
	if len(f.Interactions) == 0 || len(f.Interactions[0].Embedding) == 0 {
		return config.Config{}, fmt.Errorf("fixture has neither config nor embeddings")
	}
	return config.Default(len(f.Interactions[0].Embedding)), nil
}

// ToReplayConfig converts a FixtureReplay to a domain ReplayConfig.
func (fr FixtureReplay) ToReplayConfig() ReplayConfig {
	return ReplayConfig{
		FlushEvery: fr.FlushEvery,
		CycleEvery: fr.CycleEvery,
		FinalCycle: fr.FinalCycle,
	}
}

// ReadInteractions parses a JSONL interaction log, one Interaction per line. Blank lines are skipped.
func ReadInteractions(r io.Reader) ([]Interaction, error) {
	var out []Interaction
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var inter Interaction
		if err := json.Unmarshal(raw, &inter); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if inter.TurnID == "" {
			inter.TurnID = fmt.Sprintf("line-%d", line)
		}
		out = append(out, inter)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan interactions: %w", err)
	}
	return out, nil
}

// LoadInteractions reads a JSONL interaction log from disk.
func LoadInteractions(path string) ([]Interaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open interactions %s: %w", path, err)
	}
	defer f.Close()
	inters, err := ReadInteractions(f)
	if err != nil {
		return nil, fmt.Errorf("read interactions %s: %w", path, err)
	}
	return inters, nil
}

// #endregion fixture-loader
