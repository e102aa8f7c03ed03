package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
	"github.com/danielpatrickdp/adaptive-lora/internal/logging"
	"github.com/danielpatrickdp/adaptive-lora/internal/state"
)

func openStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCommittedCycleIsCheckpointed(t *testing.T) {
	store := openStore(t)
	e := newTestEngine(t,
		WithLogger(zaptest.NewLogger(t)),
		WithCheckpointer(store),
		WithCycleLog(logging.NewCycleLog(store.DB())),
	)

	learn(t, e, []float32{1, 0, 0, 0}, 0.9)
	learn(t, e, []float32{0, 1, 0, 0}, 0.2)
	res := e.ForceLearn()
	require.True(t, res.Committed)

	active, err := store.GetActive()
	require.NoError(t, err)
	require.Equal(t, e.Stats().AnchorID, active.VersionID)
	require.Equal(t, uint64(1), active.AnchorVersion)
	require.Empty(t, active.ParentID)
	for l, f := range e.BaseWeights() {
		require.Equal(t, f.Flatten(), active.Weights[l])
	}

	cycles, err := store.ListCycles(10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, res.CycleID, cycles[0].CycleID)
	require.Equal(t, active.VersionID, cycles[0].VersionID)
	require.Equal(t, "commit", cycles[0].Decision)
	require.Equal(t, "force", cycles[0].Trigger)
	require.Equal(t, 2, cycles[0].BatchSize)
	require.Equal(t, 1, cycles[0].Eligible)
	require.Contains(t, cycles[0].MetricsJSON, "gate_soft_score")

	learn(t, e, []float32{0, 0, 1, 0}, 0.9)
	require.True(t, e.ForceLearn().Committed)
	second, err := store.GetActive()
	require.NoError(t, err)
	require.Equal(t, active.VersionID, second.ParentID)
	require.Equal(t, uint64(2), second.AnchorVersion)
}

func TestFailedCycleIsLoggedWithoutCheckpoint(t *testing.T) {
	store := openStore(t)
	e := newTestEngine(t,
		WithCheckpointer(store),
		WithCycleLog(logging.NewCycleLog(store.DB())),
	)
	cfg := e.Config()
	cfg.MaxWeightNorm = 1e-3
	require.NoError(t, e.Reconfigure(cfg))

	learn(t, e, []float32{1, 0, 0, 0}, 0.9)
	require.True(t, e.ForceLearn().Failed)

	_, err := store.GetActive()
	require.ErrorIs(t, err, errs.ErrNotFound)
	cycles, err := store.ListCycles(10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, "reject", cycles[0].Decision)
	require.Empty(t, cycles[0].VersionID)
}

func TestRestoreFromCheckpoint(t *testing.T) {
	store := openStore(t)
	e := newTestEngine(t, WithCheckpointer(store))
	for i := 0; i < 3; i++ {
		emb := []float32{0, 0, 0, 0}
		emb[i] = 1
		learn(t, e, emb, 0.9)
		require.True(t, e.ForceLearn().Committed)
	}
	cp, err := store.GetActive()
	require.NoError(t, err)

	fresh := newTestEngine(t, WithCheckpointer(store))
	require.NoError(t, fresh.Restore(cp))

	want := e.BaseWeights()
	for l, f := range fresh.BaseWeights() {
		require.True(t, want[l].Equal(f), "layer %d", l)
	}
	stats := fresh.Stats()
	require.Equal(t, uint64(3), stats.AnchorVersion)
	require.Equal(t, cp.VersionID, stats.AnchorID)

	probe := []float32{1, 2, 3, 4}
	a, err := e.ApplyBase(1, probe)
	require.NoError(t, err)
	b, err := fresh.ApplyBase(1, probe)
	require.NoError(t, err)
	require.Equal(t, a, b)

	// The next committed cycle chains onto the restored checkpoint.
	learn(t, fresh, []float32{1, 1, 0, 0}, 0.9)
	require.True(t, fresh.ForceLearn().Committed)
	next, err := store.GetActive()
	require.NoError(t, err)
	require.Equal(t, cp.VersionID, next.ParentID)
	require.Equal(t, uint64(4), next.AnchorVersion)
}

func TestRestoreRejectsMismatchedShape(t *testing.T) {
	e := newTestEngine(t)
	layers := e.BaseWeights()
	cp := state.Checkpoint{
		VersionID:     "v1",
		AnchorVersion: 1,
		HiddenDim:     4,
		Rank:          2,
		NumLayers:     2,
		Weights:       [][]float32{layers[0].Flatten(), layers[1].Flatten()},
		Importance:    [][]float32{make([]float32, 16), make([]float32, 16)},
	}

	bad := cp
	bad.Rank = 3
	require.ErrorIs(t, e.Restore(bad), errs.ErrInvalidInput)

	bad = cp
	bad.Weights = [][]float32{layers[0].Flatten()}
	require.ErrorIs(t, e.Restore(bad), errs.ErrInvalidInput)

	bad = cp
	bad.Importance = nil
	require.ErrorIs(t, e.Restore(bad), errs.ErrInvalidInput)

	require.NoError(t, e.Restore(cp))
	require.Equal(t, uint64(1), e.Stats().AnchorVersion)
}
