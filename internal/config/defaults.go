package config

// #region defaults
const (
	DefaultHiddenDim      = 256
	defaultGRPCAddr       = "localhost:50061"
	defaultHTTPAddr       = "localhost:8081"
	defaultTickIntervalMs = 1000
	defaultDatabasePath   = "sona_checkpoints.db"
)

// Default returns the engine configuration for a given hidden dimension. Embedding and hidden dimension are equal.
// Decoders start from these values and overwrite only the keys a document names.
func Default(hiddenDim int) Config {
	return Config{
		HiddenDim:          hiddenDim,
		EmbeddingDim:       hiddenDim,
		MicroLoRARank:      2,
		BaseLoRARank:       16,
		MicroLoRALR:        0.001,
		BaseLoRALR:         0.0001,
		EWCLambda:          1000,
		PatternClusters:    128,
		TrajectoryCapacity: 10000,
		QualityThreshold:   0.6,

		NumLayers:            4,
		ClusterRadius:        0.5,
		BatchSize:            100,
		BackgroundIntervalMs: 60 * 60 * 1000,
		MicroScale:           1.0,
		BaseScale:            1.0,
		MicroFlushDecay:      0.5,
		BaselineDecay:        0.1,
		EWCGamma:             0.9,
		ImportanceClip:       100,
		MaxStepNorm:          1.0,
		MaxWeightNorm:        100,
		Seed:                 42,
	}
}

// DefaultFileConfig returns the file layout used when no config file exists. Load decodes on top of it.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Engine: Default(DefaultHiddenDim),
		Server: ServerConfig{
			GRPCAddr:       defaultGRPCAddr,
			HTTPAddr:       defaultHTTPAddr,
			TickIntervalMs: defaultTickIntervalMs,
		},
		Storage: StorageConfig{DatabasePath: defaultDatabasePath},
	}
}

// #endregion defaults
