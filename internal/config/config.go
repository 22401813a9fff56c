// Package config holds the batch processing policy and the YAML file
// configuration of the reconcile command.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/default.yaml"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Batch is the process-wide batch processing policy. It is fixed for the
// lifetime of a coordinator.
type Batch struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"` // ceiling on in-flight jobs
	// BatchSize is accepted for compatibility; admission does not chunk by it.
	BatchSize                int           `yaml:"batch_size"`
	RetryAttempts            int           `yaml:"retry_attempts"` // retries after the first attempt
	RetryDelay               time.Duration `yaml:"retry_delay"`    // multiplied by the attempt number
	Timeout                  time.Duration `yaml:"timeout"`        // per attempt
	EnableResourceThrottling bool          `yaml:"enable_resource_throttling"`
	MemoryThresholdMB        int           `yaml:"memory_threshold_mb"`
	ThrottleCooldown         time.Duration `yaml:"throttle_cooldown"`
}

// DefaultBatch returns the default batch policy.
func DefaultBatch() Batch {
	return Batch{
		MaxConcurrentJobs:        5,
		BatchSize:                20,
		RetryAttempts:            3,
		RetryDelay:               5 * time.Second,
		Timeout:                  5 * time.Minute,
		EnableResourceThrottling: true,
		MemoryThresholdMB:        1024,
		ThrottleCooldown:         2 * time.Second,
	}
}

// Validate rejects policies the coordinator cannot run with.
func (b Batch) Validate() error {
	switch {
	case b.MaxConcurrentJobs <= 0:
		return errors.Wrapf(ErrInvalidConfig, "max_concurrent_jobs must be positive, got %d", b.MaxConcurrentJobs)
	case b.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be positive, got %d", b.BatchSize)
	case b.RetryAttempts < 0:
		return errors.Wrapf(ErrInvalidConfig, "retry_attempts must not be negative, got %d", b.RetryAttempts)
	case b.RetryDelay < 0:
		return errors.Wrapf(ErrInvalidConfig, "retry_delay must not be negative, got %s", b.RetryDelay)
	case b.Timeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "timeout must be positive, got %s", b.Timeout)
	case b.EnableResourceThrottling && b.MemoryThresholdMB <= 0:
		return errors.Wrapf(ErrInvalidConfig, "memory_threshold_mb must be positive, got %d", b.MemoryThresholdMB)
	case b.ThrottleCooldown < 0:
		return errors.Wrapf(ErrInvalidConfig, "throttle_cooldown must not be negative, got %s", b.ThrottleCooldown)
	}
	return nil
}

// File is the complete configuration file layout.
type File struct {
	Batch Batch `yaml:"batch"`

	Cache struct {
		Size int           `yaml:"size"`
		TTL  time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Storage struct {
		Backend        string `yaml:"backend"` // "file" or "redis"
		Path           string `yaml:"path"`
		CacheSize      int    `yaml:"cache_size"`
		FlushThreshold int    `yaml:"flush_threshold"`
		Redis          struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Reconciliation types.ReconciliationConfig `yaml:"reconciliation"`

	Memory struct {
		Source string `yaml:"source"` // "heap" or "rss"
	} `yaml:"memory"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Default returns a File populated with every default.
func Default() *File {
	f := &File{Batch: DefaultBatch()}
	f.Cache.Size = 1000
	f.Cache.TTL = 15 * time.Minute
	f.Storage.Backend = "file"
	f.Storage.Path = "data/reconciliation-jobs.json"
	f.Storage.CacheSize = 500
	f.Storage.FlushThreshold = 50
	f.Storage.Redis.Addr = "localhost:6379"
	f.Storage.Redis.Prefix = "reconcile:"
	f.Reconciliation = types.DefaultReconciliationConfig()
	f.Memory.Source = "heap"
	f.Metrics.Port = 9090
	f.GRPC.Port = 50051
	f.Log.Level = "info"
	return f
}

// Validate checks the whole file.
func (f *File) Validate() error {
	if err := f.Batch.Validate(); err != nil {
		return err
	}
	if f.Cache.Size <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "cache.size must be positive, got %d", f.Cache.Size)
	}
	switch f.Storage.Backend {
	case "file":
		if f.Storage.Path == "" {
			return errors.Wrap(ErrInvalidConfig, "storage.path is required for the file backend")
		}
	case "redis":
		if f.Storage.Redis.Addr == "" {
			return errors.Wrap(ErrInvalidConfig, "storage.redis.addr is required for the redis backend")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown storage.backend %q", f.Storage.Backend)
	}
	switch f.Memory.Source {
	case "heap", "rss":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown memory.source %q", f.Memory.Source)
	}
	return nil
}

// Load reads path on top of the defaults. A missing file at DefaultPath is
// not an error; the defaults are returned instead.
func Load(path string) (*File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
