package config

import "time"

// DefaultConfig returns the configuration used when nothing is overridden:
// an in-memory checkpoint store and conservative executor limits.
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultEngineConfig returns the default executor tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIterations:     25,
		NodeTimeout:       0,
		StepRate:          0,
		StepBurst:         1,
		MaxConcurrentRuns: 0,
		MetricsNamespace:  "stategraph",
	}
}

// DefaultCheckpointConfig returns the default checkpoint backend settings.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend: BackendMemory,
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			Prefix:   "stategraph",
			TTL:      0,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "stategraph",
			Name:            "stategraph",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "stategraph",
			Collection: "checkpoints",
		},
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stderr"},
		EnableCaller: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stategraph",
		SampleRate:   1.0,
		Insecure:     true,
	}
}
