// Package config loads the configuration surface enumerated in §6
// (ingest.*, db.circuit.*, outbox.*) plus the ambient keys SPEC_FULL.md
// adds (log.*, db.dsn, kafka.*, diskqueue.path) through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Ingest  IngestConfig
	Circuit CircuitConfig
	Outbox  OutboxConfig
	Log     LogConfig
	DB      DBConfig
	Kafka   KafkaConfig
	DiskQueuePath string
}

type IngestConfig struct {
	BatchMaxSize      int
	FlushIntervalMs   int
	BufferCapacity    int
}

type CircuitConfig struct {
	FailureRatio      float64
	MinRequestVolume  int
	OpenDurationMs    int
	HalfOpenMaxProbes int
}

type OutboxConfig struct {
	MinBatch               int
	MaxBatch               int
	TargetLatencyMs        int64
	SystemFailureBackoffMs int
	MaxBackoffMs           int
	KafkaSendTimeoutMs     int
}

type LogConfig struct {
	Level  string
	Format string
}

type DBConfig struct {
	DSN            string
	MigrationsDir  string
}

type KafkaConfig struct {
	Brokers          []string
	ConsumerGroup    string
	SourceTopic      string
	DownstreamTopic  string
}

// Load reads configuration from an optional file at path plus
// INGEST_-prefixed environment overrides, applying the spec's stated
// defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Ingest: IngestConfig{
			BatchMaxSize:    v.GetInt("ingest.batch.max-size"),
			FlushIntervalMs: v.GetInt("ingest.batch.flush-interval-ms"),
			BufferCapacity:  v.GetInt("ingest.buffer.capacity"),
		},
		Circuit: CircuitConfig{
			FailureRatio:      v.GetFloat64("db.circuit.failure-ratio"),
			MinRequestVolume:  v.GetInt("db.circuit.min-request-volume"),
			OpenDurationMs:    v.GetInt("db.circuit.open-duration-ms"),
			HalfOpenMaxProbes: v.GetInt("db.circuit.half-open-max-probes"),
		},
		Outbox: OutboxConfig{
			MinBatch:               v.GetInt("outbox.min-batch"),
			MaxBatch:               v.GetInt("outbox.max-batch"),
			TargetLatencyMs:        v.GetInt64("outbox.target-latency-ms"),
			SystemFailureBackoffMs: v.GetInt("outbox.system-failure-backoff-ms"),
			MaxBackoffMs:           v.GetInt("outbox.max-backoff-ms"),
			KafkaSendTimeoutMs:     v.GetInt("outbox.kafka-send-timeout-ms"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		DB: DBConfig{
			DSN:           v.GetString("db.dsn"),
			MigrationsDir: v.GetString("db.migrations.dir"),
		},
		Kafka: KafkaConfig{
			Brokers:         v.GetStringSlice("kafka.brokers"),
			ConsumerGroup:   v.GetString("kafka.consumer-group"),
			SourceTopic:     v.GetString("kafka.source-topic"),
			DownstreamTopic: v.GetString("kafka.downstream-topic"),
		},
		DiskQueuePath: v.GetString("diskqueue.path"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest.batch.max-size", 500)
	v.SetDefault("ingest.batch.flush-interval-ms", 100)
	v.SetDefault("ingest.buffer.capacity", 10_000)

	v.SetDefault("db.circuit.failure-ratio", 0.5)
	v.SetDefault("db.circuit.min-request-volume", 10)
	v.SetDefault("db.circuit.open-duration-ms", 30_000)
	v.SetDefault("db.circuit.half-open-max-probes", 3)

	v.SetDefault("outbox.min-batch", 10)
	v.SetDefault("outbox.max-batch", 2000)
	v.SetDefault("outbox.target-latency-ms", 200)
	v.SetDefault("outbox.system-failure-backoff-ms", 1000)
	v.SetDefault("outbox.max-backoff-ms", 30_000)
	v.SetDefault("outbox.kafka-send-timeout-ms", 5000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("db.migrations.dir", "internal/storage/migrations")
	v.SetDefault("kafka.consumer-group", "pms-trade-ingest")
	v.SetDefault("kafka.source-topic", "trades.raw")
	v.SetDefault("kafka.downstream-topic", "trades.confirmed")
	v.SetDefault("diskqueue.path", "/var/lib/pms-ingest/dlq-fallback.log")
}

func (c *CircuitConfig) OpenDuration() time.Duration {
	return time.Duration(c.OpenDurationMs) * time.Millisecond
}
