package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
	"github.com/danielpatrickdp/adaptive-lora/internal/logging"
	"github.com/danielpatrickdp/adaptive-lora/internal/replay"
	"github.com/danielpatrickdp/adaptive-lora/internal/state"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	logPath := flag.String("log", "", "path to JSONL interaction log (log mode)")
	configPath := flag.String("config", "", "engine config JSON for log mode")
	dbPath := flag.String("db", "", "start from the active checkpoint in this database")
	flushEvery := flag.Int("flush-every", 0, "flush micro drift every N interactions")
	cycleEvery := flag.Int("cycle-every", 0, "force a cycle every N interactions (0 = scheduler decides)")
	finalCycle := flag.Bool("final-cycle", true, "drain the buffer with a final cycle")
	verbose := flag.Bool("v", false, "log engine activity to stderr")
	flag.Parse()

	if (*fixturePath == "" && *logPath == "") || (*fixturePath != "" && *logPath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--db path]")
		fmt.Fprintln(os.Stderr, "       replay --log path/to/interactions.jsonl [--config engine.json] [--db path] [--flush-every N] [--cycle-every N]")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := logging.NewLogger(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(2)
		}
		logger = l
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath, *dbPath, logger)
	} else {
		rc := replay.ReplayConfig{FlushEvery: *flushEvery, CycleEvery: *cycleEvery, FinalCycle: *finalCycle}
		exitCode = runLogMode(*logPath, *configPath, *dbPath, rc, logger)
	}
	_ = logger.Sync()
	os.Exit(exitCode)
}

// #endregion main

// #region engine-setup

// newEngine builds an in-memory engine. With a database path it starts from the active checkpoint; the
// replay never writes back to the database.
func newEngine(cfg config.Config, dbPath string, logger *zap.Logger) (*engine.Engine, error) {
	e, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if dbPath == "" {
		return e, nil
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	cp, err := store.GetActive()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("active checkpoint: %w", err)
	}
	if err := e.Restore(cp); err != nil {
		e.Close()
		return nil, fmt.Errorf("restore %s: %w", cp.VersionID, err)
	}
	return e, nil
}

// #endregion engine-setup

// #region fixture-mode

func runFixtureMode(path, dbPath string, logger *zap.Logger) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	cfg, err := f.EngineConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixture config: %v\n", err)
		return 2
	}
	e, err := newEngine(cfg, dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return 2
	}
	defer e.Close()

	results := replay.Replay(e, f.Interactions, f.Replay.ToReplayConfig())
	summary := replay.Summarize(results, e.Stats())

	expected := make([]string, len(f.Expected.Results))
	for i, r := range f.Expected.Results {
		expected[i] = r.Action
	}
	code := printComparison(results, expected)
	printSummary(summary)

	if f.Expected.Commits != summary.Commits {
		fmt.Printf("commits: expected %d, replayed %d\n", f.Expected.Commits, summary.Commits)
		code = 1
	}
	if f.Expected.AnchorVersion != summary.FinalStats.AnchorVersion {
		fmt.Printf("anchor version: expected %d, replayed %d\n", f.Expected.AnchorVersion, summary.FinalStats.AnchorVersion)
		code = 1
	}
	return code
}

// #endregion fixture-mode

// #region log-mode

func runLogMode(logPath, configPath, dbPath string, rc replay.ReplayConfig, logger *zap.Logger) int {
	inters, err := replay.LoadInteractions(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if len(inters) == 0 {
		fmt.Fprintln(os.Stderr, "no interactions in log")
		return 2
	}

	var cfg config.Config
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			return 2
		}
		if cfg, err = config.FromJSON(data); err != nil {
			fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
			return 2
		}
	} else {
		cfg = config.Default(len(inters[0].Embedding))
	}

	e, err := newEngine(cfg, dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return 2
	}
	defer e.Close()

	results := replay.Replay(e, inters, rc)
	printResults(results)
	summary := replay.Summarize(results, e.Stats())
	printSummary(summary)
	if summary.Divergences > 0 {
		return 1
	}
	return 0
}

// #endregion log-mode

// #region output

// printComparison outputs a comparison table and returns exit code.
func printComparison(results []replay.ReplayResult, expected []string) int {
	fmt.Printf("%-12s| %-15s| %-15s| %s\n", "Turn", "Expected", "Replayed", "Match")
	fmt.Printf("%-12s+%-15s+%-15s+%s\n",
		"------------", "----------------", "----------------", "------")

	total := len(results)
	if len(expected) > total {
		total = len(expected)
	}
	matches := 0
	for i := 0; i < total; i++ {
		turnID, exp, got := "-", "-", "-"
		if i < len(results) {
			turnID = results[i].TurnID
			got = results[i].Action
		}
		if i < len(expected) {
			exp = expected[i]
		}
		match := "DIFF"
		if exp == got {
			match = "OK"
			matches++
		}
		fmt.Printf("%-12s| %-15s| %-15s| %s\n", turnID, exp, got, match)
	}

	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)
	if diverge > 0 {
		return 1
	}
	return 0
}

func printResults(results []replay.ReplayResult) {
	fmt.Printf("%-12s| %-13s| %s\n", "Turn", "Action", "Detail")
	fmt.Printf("%-12s+%-13s+%s\n", "------------", "--------------", "--------------------")
	for _, r := range results {
		detail := r.Reason
		if c := r.Cycle; c != nil {
			detail = fmt.Sprintf("cycle %s committed=%t anchor=%d %s", c.Trigger, c.Committed, c.AnchorVersion, c.Reason)
		}
		fmt.Printf("%-12s| %-13s| %s\n", r.TurnID, r.Action, detail)
	}
}

func printSummary(s replay.ReplaySummary) {
	fmt.Printf("\nTurns: %d  micro: %d  buffered: %d  dropped: %d  errors: %d\n",
		s.TotalTurns, s.MicroUpdates, s.Buffered, s.Dropped, s.Errors)
	fmt.Printf("Cycles: %d  commits: %d  failed: %d  diverged: %d  anchor: %d\n",
		s.Cycles, s.Commits, s.CycleFailures, s.Divergences, s.FinalStats.AnchorVersion)
}

// #endregion output
