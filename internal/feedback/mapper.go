// Package feedback maps host feedback tuples into the [0,1] final score a trajectory is closed with.
package feedback

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region mapper
// Mapper converts Feedback into a final score.
type Mapper struct {
	config MapperConfig
}

// NewMapper creates a Mapper.
func NewMapper(config MapperConfig) *Mapper {
	return &Mapper{config: config}
}

// Score maps feedback to [0,1]. The signed reward (quality on success, -quality on failure) is shifted into
// the unit interval, then a latency penalty proportional to latency/budget (capped at 1) is subtracted.
func (m *Mapper) Score(fb Feedback) (float32, error) {
	if math.IsNaN(float64(fb.Quality)) || fb.Quality < 0 || fb.Quality > 1 {
		return 0, fmt.Errorf("%w: quality %v outside [0,1]", errs.ErrInvalidInput, fb.Quality)
	}
	if fb.Latency < 0 {
		return 0, fmt.Errorf("%w: negative latency %s", errs.ErrInvalidInput, fb.Latency)
	}

	reward := fb.Quality
	if !fb.Success {
		reward = -fb.Quality
	}
	score := (reward + 1) / 2
	score -= m.latencyPenalty(fb)
	return clamp(score), nil
}

// #endregion mapper

// #region helpers
func (m *Mapper) latencyPenalty(fb Feedback) float32 {
	if m.config.LatencyBudget <= 0 || m.config.LatencyWeight <= 0 {
		return 0
	}
	frac := float32(fb.Latency) / float32(m.config.LatencyBudget)
	if frac > 1 {
		frac = 1
	}
	return m.config.LatencyWeight * frac
}

// clamp restricts v to [0, 1].
func clamp(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
