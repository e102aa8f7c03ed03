package trajectory

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region recorder
// Recorder tracks open trajectories. Ids are issued from one monotonic counter and the id returned by Begin is
// the id RecordStep and End accept. An id at or below the counter that is no longer open has been closed.
type Recorder struct {
	dim int

	mu     sync.Mutex
	lastID uint64
	open   map[uint64]*Trajectory
	now    func() time.Time
}

// NewRecorder creates a recorder for embeddings of length dim.
func NewRecorder(dim int) *Recorder {
	return &Recorder{
		dim:  dim,
		open: make(map[uint64]*Trajectory),
		now:  time.Now,
	}
}

// #endregion recorder

// #region begin
// Begin opens a trajectory for a query embedding and returns its id.
func (r *Recorder) Begin(embedding []float32) (uint64, error) {
	if len(embedding) != r.dim {
		return 0, fmt.Errorf("%w: embedding length %d, want %d", errs.ErrInvalidInput, len(embedding), r.dim)
	}
	for i, v := range embedding {
		if !finite(v) {
			return 0, fmt.Errorf("%w: embedding[%d] is not finite", errs.ErrInvalidInput, i)
		}
	}
	emb := make([]float32, len(embedding))
	copy(emb, embedding)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	id := r.lastID
	r.open[id] = &Trajectory{
		ID:             id,
		QueryEmbedding: emb,
		StartedAt:      r.now(),
	}
	return id, nil
}

// #endregion begin

// #region record-step
// RecordStep appends a step to an open trajectory.
func (r *Recorder) RecordStep(id uint64, nodeID uint32, score float32, latency time.Duration) error {
	if !unitScore(score) {
		return fmt.Errorf("%w: step score %v outside [0,1]", errs.ErrInvalidInput, score)
	}
	if latency < 0 {
		return fmt.Errorf("%w: negative latency %s", errs.ErrInvalidInput, latency)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	t.Steps = append(t.Steps, Step{NodeID: nodeID, Score: score, Latency: latency})
	return nil
}

// #endregion record-step

// #region end
// End seals a trajectory with its final score and hands ownership to the caller.
// A second End on the same id returns ErrInvalidState and changes nothing.
func (r *Recorder) End(id uint64, finalScore float32) (*Trajectory, error) {
	if !unitScore(finalScore) {
		return nil, fmt.Errorf("%w: final score %v outside [0,1]", errs.ErrInvalidInput, finalScore)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	delete(r.open, id)
	t.FinalScore = finalScore
	t.Closed = true
	t.EndedAt = r.now()
	return t, nil
}

// Discard abandons an open trajectory. The id is treated as closed afterwards.
func (r *Recorder) Discard(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookupLocked(id); err != nil {
		return err
	}
	delete(r.open, id)
	return nil
}

// Open returns the number of open trajectories.
func (r *Recorder) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// #endregion end

// #region helpers
func (r *Recorder) lookupLocked(id uint64) (*Trajectory, error) {
	if t, ok := r.open[id]; ok {
		return t, nil
	}
	if id == 0 || id > r.lastID {
		return nil, fmt.Errorf("%w: trajectory %d", errs.ErrNotFound, id)
	}
	return nil, fmt.Errorf("%w: trajectory %d already closed", errs.ErrInvalidState, id)
}

func unitScore(v float32) bool {
	return finite(v) && v >= 0 && v <= 1
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// #endregion helpers
