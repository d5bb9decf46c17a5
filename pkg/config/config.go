// Package config holds server configuration. A YAML file provides the
// base; ENTDB_* environment variables override individual keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	Port      string          `yaml:"port"`
	LogLevel  string          `yaml:"log_level"`
	WAL       WALConfig       `yaml:"wal"`
	Apply     ApplyConfig     `yaml:"apply"`
	Store     StoreConfig     `yaml:"store"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Registry  RegistryConfig  `yaml:"registry"`
	Objects   ObjectsConfig   `yaml:"objects"`
	Inflight  InflightConfig  `yaml:"inflight"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// DeadlineDefaultMs bounds wait_for_applied when the caller sets none.
	DeadlineDefaultMs int `yaml:"deadline_default_ms"`
}

// WALConfig selects and tunes the WAL backend.
type WALConfig struct {
	Backend string `yaml:"backend"` // memory, kafka, kinesis
	// Kafka.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// Kinesis.
	StreamName string `yaml:"stream_name"`
	Region     string `yaml:"region"`
	// Common.
	Partitions     int32 `yaml:"partitions"`
	MaxRecordBytes int   `yaml:"max_record_bytes"`
	BatchBytes     int   `yaml:"batch_bytes"`
	BatchLingerMs  int   `yaml:"batch_linger_ms"`
}

// ApplyConfig tunes the applier.
type ApplyConfig struct {
	MaxRetryBackoffMs int    `yaml:"max_retry_backoff_ms"`
	DeadletterDir     string `yaml:"deadletter_dir"`
}

// StoreConfig locates tenant stores.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ArchiveConfig tunes WAL archiving.
type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SegmentBytes   int    `yaml:"segment_bytes"`
	SegmentSeconds int    `yaml:"segment_seconds"`
	ObjectPrefix   string `yaml:"object_prefix"`
}

// SnapshotConfig tunes store snapshotting.
type SnapshotConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
	RetentionDays int  `yaml:"retention_days"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

// RegistryConfig locates the schema definition.
type RegistryConfig struct {
	SchemaModule string `yaml:"schema_module"`
}

// ObjectsConfig selects object storage.
type ObjectsConfig struct {
	Backend string `yaml:"backend"` // fs, s3, gcs
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	// Endpoint points S3 at MinIO or LocalStack.
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// InflightConfig tunes the coordinator's idempotency cache.
type InflightConfig struct {
	// RedisAddr switches the cache from in-process to Redis when set.
	RedisAddr string `yaml:"redis_addr"`
	TTLMs     int    `yaml:"ttl_ms"`
}

// TelemetryConfig tunes OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "INFO",
		WAL: WALConfig{
			Backend:        "memory",
			Topic:          "entdb-wal",
			Partitions:     8,
			MaxRecordBytes: 1 << 20,
			BatchBytes:     64 << 10,
			BatchLingerMs:  5,
		},
		Apply: ApplyConfig{
			MaxRetryBackoffMs: 5000,
			DeadletterDir:     "data/deadletter",
		},
		Store:   StoreConfig{DataDir: "data/tenants"},
		Archive: ArchiveConfig{SegmentBytes: 256 << 20, SegmentSeconds: 600},
		Snapshot: SnapshotConfig{
			IntervalHours: 6,
			RetentionDays: 30,
			MaxConcurrent: 2,
		},
		Registry:          RegistryConfig{SchemaModule: "schema.yaml"},
		Objects:           ObjectsConfig{Backend: "fs", Dir: "data/objects"},
		Inflight:          InflightConfig{TTLMs: 600000},
		Telemetry:         TelemetryConfig{OTLPEndpoint: "localhost:4317", SampleRate: 1.0},
		DeadlineDefaultMs: 30000,
	}
}

// Load reads path (when non-empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "ENTDB_PORT")
	setString(&c.LogLevel, "ENTDB_LOG_LEVEL")
	setString(&c.WAL.Backend, "ENTDB_WAL_BACKEND")
	setString(&c.WAL.Topic, "ENTDB_WAL_TOPIC")
	setString(&c.WAL.StreamName, "ENTDB_WAL_STREAM")
	setString(&c.WAL.Region, "ENTDB_WAL_REGION")
	setInt(&c.WAL.MaxRecordBytes, "ENTDB_WAL_MAX_RECORD_BYTES")
	setString(&c.Store.DataDir, "ENTDB_DATA_DIR")
	setString(&c.Apply.DeadletterDir, "ENTDB_DEADLETTER_DIR")
	setString(&c.Registry.SchemaModule, "ENTDB_SCHEMA_MODULE")
	setString(&c.Objects.Backend, "ENTDB_OBJECTS_BACKEND")
	setString(&c.Objects.Bucket, "ENTDB_OBJECTS_BUCKET")
	setString(&c.Objects.Region, "ENTDB_OBJECTS_REGION")
	setString(&c.Objects.Endpoint, "ENTDB_OBJECTS_ENDPOINT")
	setString(&c.Inflight.RedisAddr, "ENTDB_REDIS_ADDR")
	setBool(&c.Telemetry.Enabled, "ENTDB_TELEMETRY_ENABLED")
	setString(&c.Telemetry.OTLPEndpoint, "ENTDB_OTLP_ENDPOINT")
	setInt(&c.DeadlineDefaultMs, "ENTDB_DEADLINE_DEFAULT_MS")
	if brokers := os.Getenv("ENTDB_WAL_BROKERS"); brokers != "" {
		c.WAL.Brokers = splitCSV(brokers)
	}
}

func (c *Config) validate() error {
	switch c.WAL.Backend {
	case "memory":
	case "kafka":
		if len(c.WAL.Brokers) == 0 {
			return fmt.Errorf("wal.backend kafka requires wal.brokers")
		}
	case "kinesis":
		if c.WAL.StreamName == "" {
			return fmt.Errorf("wal.backend kinesis requires wal.stream_name")
		}
	default:
		return fmt.Errorf("unsupported wal.backend: %s", c.WAL.Backend)
	}
	if c.WAL.Partitions <= 0 {
		return fmt.Errorf("wal.partitions must be positive")
	}
	if c.WAL.MaxRecordBytes <= 0 {
		return fmt.Errorf("wal.max_record_bytes must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
