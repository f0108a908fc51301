package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the complete runtime configuration.
type Config struct {
	// Engine tunes the graph executor.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Checkpoint selects and configures the checkpoint backend.
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// EngineConfig tunes the executor.
type EngineConfig struct {
	// Per-node iteration limit within one run.
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// Step function timeout; zero disables it.
	NodeTimeout time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	// Node executions per second across all threads; zero means unlimited.
	StepRate float64 `yaml:"step_rate" env:"STEP_RATE"`
	// Burst size for the step limiter.
	StepBurst int `yaml:"step_burst" env:"STEP_BURST"`
	// Cap on concurrently driven threads in batch runs; zero means unlimited.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
	// Prometheus namespace for runtime metrics.
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"`
}

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendMongo    = "mongo"
)

// CheckpointConfig selects the persistence backend.
type CheckpointConfig struct {
	// Backend: memory, redis, sqlite, postgres, mysql or mongo.
	Backend string `yaml:"backend" env:"BACKEND"`

	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Mongo    MongoConfig    `yaml:"mongo" env:"MONGO"`
}

// RedisConfig configures the Redis checkpoint store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	// Key prefix for checkpoint blobs and thread indexes.
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// Checkpoint retention; zero keeps checkpoints forever.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// DatabaseConfig configures the relational checkpoint stores.
type DatabaseConfig struct {
	// Path is the database file for the sqlite backend.
	Path            string        `yaml:"path" env:"PATH"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// PostgresDSN renders the connection string for the postgres backend.
func (c DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// MySQLDSN renders the connection string for the mysql backend.
func (c DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// MongoConfig configures the MongoDB checkpoint store.
type MongoConfig struct {
	URI        string `yaml:"uri" env:"URI"`
	Database   string `yaml:"database" env:"DATABASE"`
	Collection string `yaml:"collection" env:"COLLECTION"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// Build constructs a zap logger from the config.
func (c LogConfig) Build() (*zap.Logger, error) {
	var level zapcore.Level
	switch c.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", c.Level)
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if c.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := c.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      c.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if c.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if c.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zapConfig.Build(opts...)
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
}

// Validate checks cross-field constraints the type system cannot express.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.NodeTimeout < 0 {
		return fmt.Errorf("engine.node_timeout cannot be negative")
	}
	if c.Engine.StepRate < 0 {
		return fmt.Errorf("engine.step_rate cannot be negative")
	}
	switch c.Checkpoint.Backend {
	case BackendMemory, BackendRedis, BackendSQLite, BackendPostgres, BackendMySQL, BackendMongo:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == BackendSQLite && c.Checkpoint.Database.Path == "" {
		return fmt.Errorf("checkpoint.database.path is required for the sqlite backend")
	}
	if c.Checkpoint.Backend == BackendMongo && c.Checkpoint.Mongo.URI == "" {
		return fmt.Errorf("checkpoint.mongo.uri is required for the mongo backend")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1]")
	}
	return nil
}
