package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/danielpatrickdp/adaptive-lora/internal/logging"
	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
	"github.com/danielpatrickdp/adaptive-lora/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to the checkpoint database")
	last := flag.Int("last", 20, "show N most recent checkpoints or cycles")
	version := flag.String("version", "", "show single checkpoint detail")
	cycles := flag.Bool("cycles", false, "list consolidation cycles instead of checkpoints")
	rollback := flag.String("rollback", "", "make the given checkpoint the active one")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/sona_checkpoints.db [--last N] [--version id] [--cycles] [--rollback id] [--json]")
		os.Exit(2)
	}

	store, err := state.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case *rollback != "":
		err = runRollback(store, *rollback)
	case *version != "":
		err = runDetailMode(store, *version, *jsonOut)
	case *cycles:
		err = runCycleMode(store, *last, *jsonOut)
	default:
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	VersionID     string  `json:"version_id"`
	ParentID      string  `json:"parent_id,omitempty"`
	AnchorVersion uint64  `json:"anchor_version"`
	Active        bool    `json:"active"`
	WeightNorm    float64 `json:"weight_norm"`
	Importance    float64 `json:"mean_importance"`
	CreatedAt     string  `json:"created_at"`
}

func runListMode(store *state.Store, last int, jsonOut bool) error {
	cps, err := store.ListCheckpoints(last)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Fprintln(os.Stderr, "no checkpoints found")
		return nil
	}
	activeID := ""
	if active, err := store.GetActive(); err == nil {
		activeID = active.VersionID
	}

	// Store returns newest first, reverse for chronological.
	rows := make([]listRow, len(cps))
	for i, cp := range cps {
		rows[len(cps)-1-i] = listRow{
			VersionID:     cp.VersionID,
			ParentID:      cp.ParentID,
			AnchorVersion: cp.AnchorVersion,
			Active:        cp.VersionID == activeID,
			WeightNorm:    totalNorm(layerNorms(cp)),
			Importance:    meanImportance(cp.Importance),
			CreatedAt:     cp.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-10s  %-10s  %6s  %10s  %10s  %s\n", "Version", "Parent", "Anchor", "W Norm", "Mean F", "Time")
	fmt.Printf("%-10s+-%-10s+-%6s+-%10s+-%10s+-%s\n",
		"----------", "----------", "------", "----------", "----------", "--------------------")
	for _, r := range rows {
		vid := shortID(r.VersionID)
		if r.Active {
			vid += "*"
		}
		parent := "-"
		if r.ParentID != "" {
			parent = shortID(r.ParentID)
		}
		fmt.Printf("%-10s  %-10s  %6d  %10.4f  %10.4g  %s\n",
			vid, parent, r.AnchorVersion, r.WeightNorm, r.Importance, r.CreatedAt)
	}
	fmt.Println("\n* active checkpoint")
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	VersionID     string          `json:"version_id"`
	ParentID      string          `json:"parent_id"`
	AnchorVersion uint64          `json:"anchor_version"`
	CreatedAt     string          `json:"created_at"`
	Shape         string          `json:"shape"`
	LayerNorms    []float64       `json:"layer_norms"`
	Importance    float64         `json:"mean_importance"`
	Cycle         json.RawMessage `json:"cycle,omitempty"`
}

func runDetailMode(store *state.Store, versionID string, jsonOut bool) error {
	cp, err := store.GetCheckpoint(versionID)
	if err != nil {
		return err
	}
	out := detailOutput{
		VersionID:     cp.VersionID,
		ParentID:      cp.ParentID,
		AnchorVersion: cp.AnchorVersion,
		CreatedAt:     cp.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Shape:         fmt.Sprintf("%d layers x %dx%d", cp.NumLayers, cp.HiddenDim, cp.Rank),
		LayerNorms:    layerNorms(cp),
		Importance:    meanImportance(cp.Importance),
	}
	if json.Valid([]byte(cp.MetricsJSON)) {
		out.Cycle = json.RawMessage(cp.MetricsJSON)
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Version:    %s\n", out.VersionID)
	fmt.Printf("Parent:     %s\n", out.ParentID)
	fmt.Printf("Anchor:     %d\n", out.AnchorVersion)
	fmt.Printf("Created:    %s\n", out.CreatedAt)
	fmt.Printf("Shape:      %s\n", out.Shape)
	fmt.Printf("Mean F:     %.4g\n", out.Importance)
	fmt.Printf("\nLayer norms:\n")
	for l, n := range out.LayerNorms {
		fmt.Printf("  layer %-3d %.4f\n", l, n)
	}
	if out.Cycle != nil {
		fmt.Printf("\nCommitting cycle:\n  %s\n", string(out.Cycle))
	}
	return nil
}

// #endregion detail-mode

// #region cycle-mode

type cycleRow struct {
	CycleID   string  `json:"cycle_id"`
	VersionID string  `json:"version_id,omitempty"`
	Trigger   string  `json:"trigger"`
	Decision  string  `json:"decision"`
	Reason    string  `json:"reason,omitempty"`
	Score     float32 `json:"score"`
	Batch     int     `json:"batch_size"`
	Eligible  int     `json:"eligible"`
	StepNorm  float32 `json:"step_norm"`
	EWCLoss   float32 `json:"ewc_loss"`
	SoftScore float32 `json:"gate_soft_score"`
	CreatedAt string  `json:"created_at"`
}

func runCycleMode(store *state.Store, last int, jsonOut bool) error {
	recs, err := store.ListCycles(last)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no cycles found")
		return nil
	}
	rows := make([]cycleRow, len(recs))
	for i, rec := range recs {
		row := cycleRow{
			CycleID:   rec.CycleID,
			VersionID: rec.VersionID,
			Trigger:   rec.Trigger,
			Decision:  rec.Decision,
			Reason:    rec.Reason,
			Score:     verifierScore(rec.Decision, rec.Reason),
			Batch:     rec.BatchSize,
			Eligible:  rec.Eligible,
			StepNorm:  rec.StepNorm,
			EWCLoss:   rec.EWCLoss,
			CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if d := parseCycleDetail(rec.MetricsJSON); d != nil {
			row.SoftScore = d.GateSoftScore
		}
		rows[len(recs)-1-i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-10s  %-6s  %-8s  %6s  %5s  %5s  %9s  %9s  %s\n",
		"Cycle", "Trig", "Decision", "Score", "Batch", "Elig", "Step", "EWC", "Time")
	fmt.Printf("%-10s+-%-6s+-%-8s+-%6s+-%5s+-%5s+-%9s+-%9s+-%s\n",
		"----------", "------", "--------", "------", "-----", "-----", "---------", "---------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-10s  %-6s  %-8s  %6.2f  %5d  %5d  %9.4f  %9.4g  %s\n",
			shortID(r.CycleID), r.Trigger, r.Decision, r.Score, r.Batch, r.Eligible, r.StepNorm, r.EWCLoss, r.CreatedAt)
	}
	return nil
}

// #endregion cycle-mode

// #region rollback

func runRollback(store *state.Store, versionID string) error {
	if err := store.Rollback(versionID); err != nil {
		return err
	}
	fmt.Printf("active checkpoint is now %s\n", versionID)
	return nil
}

// #endregion rollback

// #region metrics

func layerNorms(cp state.Checkpoint) []float64 {
	norms := make([]float64, len(cp.Weights))
	for l, w := range cp.Weights {
		if f, ok := lora.FromFlat(cp.HiddenDim, cp.Rank, w); ok {
			norms[l] = f.Norm()
		}
	}
	return norms
}

func totalNorm(norms []float64) float64 {
	var sum float64
	for _, n := range norms {
		sum += n * n
	}
	return math.Sqrt(sum)
}

func meanImportance(importance [][]float32) float64 {
	var sum float64
	n := 0
	for _, layer := range importance {
		for _, f := range layer {
			sum += float64(f)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// #endregion metrics

// #region verifier

func verifierScore(decision, reason string) float32 {
	switch decision {
	case "commit":
		return 1.0
	case "reject":
		if strings.Contains(reason, "eval rollback") {
			return -1.0
		}
		return 0.0
	case "no_op":
		return 0.5
	default:
		return 0.0
	}
}

// #endregion verifier

// #region output

func parseCycleDetail(metricsJSON string) *logging.CycleDetail {
	if metricsJSON == "" {
		return nil
	}
	var d logging.CycleDetail
	if err := json.Unmarshal([]byte(metricsJSON), &d); err != nil {
		return nil
	}
	return &d
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
