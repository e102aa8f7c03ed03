// Package config holds the engine configuration record, its strict boundary decoders, and the YAML file layout
// used by the server command.
package config

import "time"

// #region config
// Config is the immutable parameter set of one engine. The first ten fields are the boundary contract and are
// required by FromJSON; the rest are tunables with defaults.
type Config struct {
	HiddenDim          int     `json:"hidden_dim" yaml:"hidden_dim"`
	EmbeddingDim       int     `json:"embedding_dim" yaml:"embedding_dim"`
	MicroLoRARank      int     `json:"micro_lora_rank" yaml:"micro_lora_rank"`
	BaseLoRARank       int     `json:"base_lora_rank" yaml:"base_lora_rank"`
	MicroLoRALR        float32 `json:"micro_lora_lr" yaml:"micro_lora_lr"`
	BaseLoRALR         float32 `json:"base_lora_lr" yaml:"base_lora_lr"`
	EWCLambda          float32 `json:"ewc_lambda" yaml:"ewc_lambda"`
	PatternClusters    int     `json:"pattern_clusters" yaml:"pattern_clusters"`
	TrajectoryCapacity int     `json:"trajectory_capacity" yaml:"trajectory_capacity"`
	QualityThreshold   float32 `json:"quality_threshold" yaml:"quality_threshold"`

	NumLayers            int     `json:"num_layers" yaml:"num_layers"`
	ClusterRadius        float32 `json:"cluster_radius" yaml:"cluster_radius"`
	BatchSize            int     `json:"batch_size" yaml:"batch_size"`
	BackgroundIntervalMs int64   `json:"background_interval_ms" yaml:"background_interval_ms"`
	MicroScale           float32 `json:"micro_scale" yaml:"micro_scale"`
	BaseScale            float32 `json:"base_scale" yaml:"base_scale"`
	MicroFlushDecay      float32 `json:"micro_flush_decay" yaml:"micro_flush_decay"`
	BaselineDecay        float32 `json:"baseline_decay" yaml:"baseline_decay"`
	EWCGamma             float32 `json:"ewc_gamma" yaml:"ewc_gamma"`
	ImportanceClip       float32 `json:"importance_clip" yaml:"importance_clip"`
	MaxStepNorm          float32 `json:"max_step_norm" yaml:"max_step_norm"`
	MaxWeightNorm        float32 `json:"max_weight_norm" yaml:"max_weight_norm"`
	Seed                 int64   `json:"seed" yaml:"seed"`
}

// BackgroundInterval returns the scheduler's time trigger as a duration.
func (c Config) BackgroundInterval() time.Duration {
	return time.Duration(c.BackgroundIntervalMs) * time.Millisecond
}

// SameShape reports whether two configs allocate identically sized adapters.
// Shape fields cannot change on a live engine.
func (c Config) SameShape(o Config) bool {
	return c.HiddenDim == o.HiddenDim &&
		c.EmbeddingDim == o.EmbeddingDim &&
		c.MicroLoRARank == o.MicroLoRARank &&
		c.BaseLoRARank == o.BaseLoRARank &&
		c.NumLayers == o.NumLayers &&
		c.Seed == o.Seed
}

// #endregion config

// #region file-config
// FileConfig is the on-disk YAML layout read by the server command.
type FileConfig struct {
	Debug   bool          `yaml:"debug"`
	Engine  Config        `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// TickIntervalMs is how often the server calls Tick on its own.
	TickIntervalMs int64 `yaml:"tick_interval_ms"`
}

// StorageConfig holds the checkpoint database location.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// #endregion file-config
