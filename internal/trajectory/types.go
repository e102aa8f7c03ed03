// Package trajectory records in-flight interaction episodes and holds finalized ones until consolidation.
package trajectory

import "time"

// #region step
// Step is one decision inside a trajectory: the node visited, its score and how long it took.
type Step struct {
	NodeID  uint32        `json:"node_id"`
	Score   float32       `json:"score"`
	Latency time.Duration `json:"latency"`
}

// #endregion step

// #region trajectory
// Trajectory is one recorded interaction from query to outcome.
// It is open until End seals FinalScore; afterwards it is never mutated.
type Trajectory struct {
	ID             uint64    `json:"id"`
	QueryEmbedding []float32 `json:"query_embedding"`
	Steps          []Step    `json:"steps"`
	FinalScore     float32   `json:"final_score"`
	Closed         bool      `json:"closed"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// MeanStepScore returns the average step score, or 0 without steps.
func (t *Trajectory) MeanStepScore() float32 {
	if len(t.Steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.Steps {
		sum += float64(s.Score)
	}
	return float32(sum / float64(len(t.Steps)))
}

// Clone returns a deep copy.
func (t *Trajectory) Clone() *Trajectory {
	c := *t
	c.QueryEmbedding = append([]float32(nil), t.QueryEmbedding...)
	c.Steps = append([]Step(nil), t.Steps...)
	return &c
}

// #endregion trajectory
