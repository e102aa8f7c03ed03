package feedback

import "time"

// #region feedback
// Feedback is one (success, latency, quality) tuple reported by the host after an interaction.
type Feedback struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Quality float32       `json:"quality"`
}

// #endregion feedback

// #region config
// MapperConfig holds tuning knobs for the feedback → final score mapping.
type MapperConfig struct {
	LatencyBudget time.Duration // latency at which the full penalty applies
	LatencyWeight float32       // max score subtracted for slow responses
}

// DefaultMapperConfig returns sensible defaults.
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{
		LatencyBudget: time.Second,
		LatencyWeight: 0.1,
	}
}

// #endregion config
