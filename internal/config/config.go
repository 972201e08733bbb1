// Package config loads the nested configuration object the ingestion
// substrate is wired from: pipeline worker/batch/queue settings, pool
// tuning, session TTLs, and analytics retention. Values come from an
// optional YAML file overlaid with INGESTD_-prefixed environment variables,
// the same load-then-overlay shape the daemon's NATS bootstrap uses.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// WorkersConfig sizes the per-task-type worker pools (§4.3).
type WorkersConfig struct {
	Parsers             int `mapstructure:"parsers" yaml:"parsers"`
	EntityWorkers       int `mapstructure:"entityWorkers" yaml:"entityWorkers"`
	RelationshipWorkers int `mapstructure:"relationshipWorkers" yaml:"relationshipWorkers"`
	EmbeddingWorkers    int `mapstructure:"embeddingWorkers" yaml:"embeddingWorkers"`
}

// BatchingConfig tunes the BatchProcessor (§4.4).
type BatchingConfig struct {
	EntityBatchSize       int `mapstructure:"entityBatchSize" yaml:"entityBatchSize"`
	RelationshipBatchSize int `mapstructure:"relationshipBatchSize" yaml:"relationshipBatchSize"`
	EmbeddingBatchSize    int `mapstructure:"embeddingBatchSize" yaml:"embeddingBatchSize"`
	TimeoutMs             int `mapstructure:"timeoutMs" yaml:"timeoutMs"`
	MaxConcurrentBatches  int `mapstructure:"maxConcurrentBatches" yaml:"maxConcurrentBatches"`
	IdempotencyKeyTTL     time.Duration `mapstructure:"idempotencyKeyTTL" yaml:"idempotencyKeyTTL"`
}

// AlertThresholds is the monitoring.alertThresholds sub-object (§6).
type AlertThresholds struct {
	QueueDepth int     `mapstructure:"queueDepth" yaml:"queueDepth"`
	Latency    float64 `mapstructure:"latency" yaml:"latency"`
	ErrorRate  float64 `mapstructure:"errorRate" yaml:"errorRate"`
}

// MonitoringConfig controls the IngestionPipeline's metrics/alert cadence.
type MonitoringConfig struct {
	MetricsInterval    time.Duration   `mapstructure:"metricsInterval" yaml:"metricsInterval"`
	HealthCheckInterval time.Duration  `mapstructure:"healthCheckInterval" yaml:"healthCheckInterval"`
	AlertThresholds    AlertThresholds `mapstructure:"alertThresholds" yaml:"alertThresholds"`
}

// QueuesConfig configures the QueueManager (§4.2).
type QueuesConfig struct {
	MaxSize              int           `mapstructure:"maxSize" yaml:"maxSize"`
	PartitionCount       int           `mapstructure:"partitionCount" yaml:"partitionCount"`
	BatchSize            int           `mapstructure:"batchSize" yaml:"batchSize"`
	BatchTimeout         time.Duration `mapstructure:"batchTimeout" yaml:"batchTimeout"`
	RetryAttempts        int           `mapstructure:"retryAttempts" yaml:"retryAttempts"`
	RetryDelay           time.Duration `mapstructure:"retryDelay" yaml:"retryDelay"`
	BackpressureThreshold int          `mapstructure:"backpressureThreshold" yaml:"backpressureThreshold"`
	EnableBackpressure   bool          `mapstructure:"enableBackpressure" yaml:"enableBackpressure"`
}

// PipelineConfig is the top-level pipeline.* config tree.
type PipelineConfig struct {
	Workers    WorkersConfig    `mapstructure:"workers" yaml:"workers"`
	Batching   BatchingConfig   `mapstructure:"batching" yaml:"batching"`
	Queues     QueuesConfig     `mapstructure:"queues" yaml:"queues"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

// PoolConfig configures the ConnectionPool (§4.1).
type PoolConfig struct {
	MinConnections        int           `mapstructure:"minConnections" yaml:"minConnections"`
	MaxConnections         int           `mapstructure:"maxConnections" yaml:"maxConnections"`
	AcquireTimeout         time.Duration `mapstructure:"acquireTimeout" yaml:"acquireTimeout"`
	IdleTimeout            time.Duration `mapstructure:"idleTimeout" yaml:"idleTimeout"`
	ReapInterval           time.Duration `mapstructure:"reapInterval" yaml:"reapInterval"`
	HealthCheckInterval    time.Duration `mapstructure:"healthCheckInterval" yaml:"healthCheckInterval"`
	EnableLoadBalancing    bool          `mapstructure:"enableLoadBalancing" yaml:"enableLoadBalancing"`
	PreferWriteConnections bool          `mapstructure:"preferWriteConnections" yaml:"preferWriteConnections"`
}

// PubSubChannelsConfig names the session/global NATS subjects.
type PubSubChannelsConfig struct {
	Global  string `mapstructure:"global" yaml:"global"`
	Session string `mapstructure:"session" yaml:"session"`
}

// SessionConfig configures SessionStore/SessionManager (§4.6).
type SessionConfig struct {
	DefaultTTL             time.Duration        `mapstructure:"defaultTTL" yaml:"defaultTTL"`
	CheckpointInterval     int                  `mapstructure:"checkpointInterval" yaml:"checkpointInterval"`
	MaxEventsPerSession    int                  `mapstructure:"maxEventsPerSession" yaml:"maxEventsPerSession"`
	GraceTTL               time.Duration        `mapstructure:"graceTTL" yaml:"graceTTL"`
	EnableFailureSnapshots bool                 `mapstructure:"enableFailureSnapshots" yaml:"enableFailureSnapshots"`
	PubSubChannels         PubSubChannelsConfig `mapstructure:"pubSubChannels" yaml:"pubSubChannels"`
}

// AnalyticsConfig configures SessionAnalytics (§4.7).
type AnalyticsConfig struct {
	RetentionDays          int           `mapstructure:"retentionDays" yaml:"retentionDays"`
	SampleRate             float64       `mapstructure:"sampleRate" yaml:"sampleRate"`
	MetricsInterval        time.Duration `mapstructure:"metricsInterval" yaml:"metricsInterval"`
	EnableRealTimeAnalytics bool         `mapstructure:"enableRealTimeAnalytics" yaml:"enableRealTimeAnalytics"`
}

// SyncConfig configures the SynchronizationCoordinator (§4.8).
type SyncConfig struct {
	MaxConcurrency int `mapstructure:"maxConcurrency" yaml:"maxConcurrency"`
}

// Config is the full nested configuration object consumed by the substrate.
type Config struct {
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Analytics AnalyticsConfig `mapstructure:"analytics" yaml:"analytics"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`

	RedisURL  string `mapstructure:"redisUrl" yaml:"redisUrl"`
	NATSURL   string `mapstructure:"natsUrl" yaml:"natsUrl"`
}

// Default returns the baseline configuration used when no file or env
// override is present. It is decoded from the embedded defaults.yaml
// asset via gopkg.in/yaml.v3 rather than hand-built, so the on-disk
// shape of an override file and the built-in baseline are kept in the
// same format and can be diffed directly.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults.yaml is invalid: %v", err))
	}
	return cfg
}

// Load reads an optional YAML file at path (empty path skips the file),
// then overlays INGESTD_-prefixed environment variables in a
// file-then-env overlay order.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INGESTD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// envKey describes one INGESTD_* override and how to apply it, an
// explicit registry rather than reflection-driven binding.
type envKey struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envKeys = []envKey{
	{"INGESTD_REDIS_URL", func(c *Config, v string) error { c.RedisURL = v; return nil }},
	{"INGESTD_NATS_URL", func(c *Config, v string) error { c.NATSURL = v; return nil }},
	{"INGESTD_POOL_MAX_CONNECTIONS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INGESTD_POOL_MAX_CONNECTIONS: %w", err)
		}
		c.Pool.MaxConnections = n
		return nil
	}},
	{"INGESTD_POOL_MIN_CONNECTIONS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INGESTD_POOL_MIN_CONNECTIONS: %w", err)
		}
		c.Pool.MinConnections = n
		return nil
	}},
	{"INGESTD_SESSION_DEFAULT_TTL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("INGESTD_SESSION_DEFAULT_TTL: %w", err)
		}
		c.Session.DefaultTTL = d
		return nil
	}},
	{"INGESTD_QUEUE_PARTITION_COUNT", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INGESTD_QUEUE_PARTITION_COUNT: %w", err)
		}
		c.Pipeline.Queues.PartitionCount = n
		return nil
	}},
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

func applyEnvOverrides(cfg *Config) error {
	for _, k := range envKeys {
		if v, ok := lookupEnv(k.name); ok {
			if err := k.apply(cfg, v); err != nil {
				return err
			}
		}
	}
	return nil
}
