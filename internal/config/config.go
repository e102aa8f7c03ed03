package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region fields
// requiredFields must be present in every boundary config document.
var requiredFields = []string{
	"hidden_dim",
	"embedding_dim",
	"micro_lora_rank",
	"base_lora_rank",
	"micro_lora_lr",
	"base_lora_lr",
	"ewc_lambda",
	"pattern_clusters",
	"trajectory_capacity",
	"quality_threshold",
}

// optionalFields may be omitted and are defaulted.
var optionalFields = []string{
	"num_layers",
	"cluster_radius",
	"batch_size",
	"background_interval_ms",
	"micro_scale",
	"base_scale",
	"micro_flush_decay",
	"baseline_decay",
	"ewc_gamma",
	"importance_clip",
	"max_step_norm",
	"max_weight_norm",
	"seed",
}

// #endregion fields

// #region validate
// Validate checks every field. It never mutates the config.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.HiddenDim > 0, "hidden_dim must be positive, got %d", c.HiddenDim)
	check(c.EmbeddingDim > 0, "embedding_dim must be positive, got %d", c.EmbeddingDim)
	check(c.MicroLoRARank > 0, "micro_lora_rank must be positive, got %d", c.MicroLoRARank)
	check(c.BaseLoRARank > 0, "base_lora_rank must be positive, got %d", c.BaseLoRARank)
	check(c.MicroLoRARank < c.BaseLoRARank, "micro_lora_rank %d must be below base_lora_rank %d", c.MicroLoRARank, c.BaseLoRARank)
	check(nonNegative(c.MicroLoRALR), "micro_lora_lr must be a non-negative number, got %v", c.MicroLoRALR)
	check(nonNegative(c.BaseLoRALR), "base_lora_lr must be a non-negative number, got %v", c.BaseLoRALR)
	check(nonNegative(c.EWCLambda), "ewc_lambda must be a non-negative number, got %v", c.EWCLambda)
	check(c.PatternClusters > 0, "pattern_clusters must be positive, got %d", c.PatternClusters)
	check(c.TrajectoryCapacity > 0, "trajectory_capacity must be positive, got %d", c.TrajectoryCapacity)
	check(unit(c.QualityThreshold), "quality_threshold must be in [0,1], got %v", c.QualityThreshold)

	check(c.NumLayers > 0, "num_layers must be positive, got %d", c.NumLayers)
	check(nonNegative(c.ClusterRadius), "cluster_radius must be a non-negative number, got %v", c.ClusterRadius)
	check(c.BatchSize > 0, "batch_size must be positive, got %d", c.BatchSize)
	check(c.BackgroundIntervalMs > 0, "background_interval_ms must be positive, got %d", c.BackgroundIntervalMs)
	check(nonNegative(c.MicroScale), "micro_scale must be a non-negative number, got %v", c.MicroScale)
	check(nonNegative(c.BaseScale), "base_scale must be a non-negative number, got %v", c.BaseScale)
	check(unit(c.MicroFlushDecay), "micro_flush_decay must be in [0,1], got %v", c.MicroFlushDecay)
	check(c.BaselineDecay > 0 && c.BaselineDecay <= 1, "baseline_decay must be in (0,1], got %v", c.BaselineDecay)
	check(c.EWCGamma >= 0 && c.EWCGamma < 1, "ewc_gamma must be in [0,1), got %v", c.EWCGamma)
	check(c.ImportanceClip > 0 && finite(c.ImportanceClip), "importance_clip must be positive, got %v", c.ImportanceClip)
	check(c.MaxStepNorm > 0 && finite(c.MaxStepNorm), "max_step_norm must be positive, got %v", c.MaxStepNorm)
	check(c.MaxWeightNorm > 0 && finite(c.MaxWeightNorm), "max_weight_norm must be positive, got %v", c.MaxWeightNorm)

	if len(problems) == 0 {
		return nil
	}
	if len(problems) == 1 {
		return fmt.Errorf("%w: %s", errs.ErrInvalidInput, problems[0])
	}
	return fmt.Errorf("%w: %d problems: %s", errs.ErrInvalidInput, len(problems), problems[0])
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func nonNegative(v float32) bool {
	return finite(v) && v >= 0
}

func unit(v float32) bool {
	return finite(v) && v >= 0 && v <= 1
}

// #endregion validate

// #region boundary
// FromJSON decodes a boundary config document. Unknown fields, missing required fields and null values are
// errors; absent optional fields keep their defaults, present ones are taken as given. The result is validated.
func FromJSON(data []byte) (Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %v", errs.ErrInvalidInput, err)
	}

	known := make(map[string]bool, len(requiredFields)+len(optionalFields))
	for _, f := range requiredFields {
		known[f] = true
	}
	for _, f := range optionalFields {
		known[f] = true
	}
	var unknown []string
	for k := range raw {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Config{}, fmt.Errorf("%w: unknown config fields %v", errs.ErrInvalidInput, unknown)
	}
	var nulls []string
	for k, v := range raw {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			nulls = append(nulls, k)
		}
	}
	if len(nulls) > 0 {
		sort.Strings(nulls)
		return Config{}, fmt.Errorf("%w: null config fields %v", errs.ErrInvalidInput, nulls)
	}
	var missing []string
	for _, f := range requiredFields {
		if _, ok := raw[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: missing config fields %v", errs.ErrInvalidInput, missing)
	}

	cfg := Default(0)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %v", errs.ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromMap converts a dynamic JSON-shaped value (as delivered by the gRPC bridge) into a Config.
func FromMap(m map[string]any) (Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Config{}, fmt.Errorf("%w: encode config: %v", errs.ErrInvalidInput, err)
	}
	return FromJSON(data)
}

// ToMap is the inverse of FromMap.
func (c Config) ToMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// #endregion boundary

// #region file
// Load reads the YAML file at path on top of DefaultFileConfig, rejects unknown keys and empty engine values,
// and validates the engine section. Keys the file names are taken as given, zero included.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	fc := DefaultFileConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var present struct {
		Engine map[string]any `yaml:"engine"`
	}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	var empty []string
	for k, v := range present.Engine {
		if v == nil {
			empty = append(empty, k)
		}
	}
	if len(empty) > 0 {
		sort.Strings(empty)
		return nil, fmt.Errorf("invalid engine config: %w: empty values for %v", errs.ErrInvalidInput, empty)
	}
	// embedding_dim follows hidden_dim unless named.
	if _, ok := present.Engine["embedding_dim"]; !ok {
		fc.Engine.EmbeddingDim = fc.Engine.HiddenDim
	}

	if err := fc.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return fc, nil
}

// Save writes fc to path as YAML.
func Save(path string, fc *FileConfig) error {
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// #endregion file
