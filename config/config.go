// Package config loads the process-wide configuration spec.md §6 names
// from the environment, through viper. Every field has the default
// spec.md or SPEC_FULL.md states; callers that need to override a
// default for tests construct a Config literal directly instead of
// going through Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage holds STORAGE_DRIVER and the fields its value makes relevant.
type Storage struct {
	Driver        string // "local" or "s3"
	Root          string
	S3Bucket      string
	S3Endpoint    string
	S3Region      string
	S3AccessKeyID string
	S3SecretKey   string
	S3ForcePath   bool
}

// Reconciliation holds the RECONCILE_* fields (spec.md §4.5/§6).
type Reconciliation struct {
	QueueName     string
	Concurrency   int
	AuditInterval time.Duration
	AuditBatch    int
}

// Rollup holds the ROLLUP_* fields (spec.md §4.4/§6).
type Rollup struct {
	QueueName       string
	CacheTTL        time.Duration
	CacheMaxEntries int
	DepthThreshold  int
	ChildThreshold  int64
	MaxCascadeDepth int
}

// StagingFlush holds the timestore flush-policy fields (spec.md §4.7/§6).
type StagingFlush struct {
	MaxRows  int64
	MaxBytes int64
	MaxAge   time.Duration
}

// Events holds EVENTS_MODE/EVENTS_CHANNEL and, for the redis mode, the
// broker address the spec leaves unnamed but any redis.Options needs.
type Events struct {
	Mode          string // "inline" or "redis"
	Channel       string
	RedisAddr     string
	RedisPassword string
}

// Queue holds the C9 backend selection. Not named directly in spec.md
// §6's configuration table; added because C9 has three interchangeable
// backings (inline, in-process, redis) and something has to pick one.
type Queue struct {
	Backend         string // "inline", "memory", or "redis"
	WorkersPerQueue int
	RedisAddr       string
	RedisPassword   string
}

// Database holds DATABASE_URL/PG_SCHEMA/PGPOOL_MAX.
type Database struct {
	URL     string
	Schema  string
	PoolMax int
}

// Config is the fully resolved process configuration.
type Config struct {
	Storage        Storage
	Reconciliation Reconciliation
	Rollup         Rollup
	StagingFlush   StagingFlush
	Events         Events
	Queue          Queue
	Database       Database
}

// Load reads the environment through viper and returns a validated
// Config. Unset variables fall back to the defaults below.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := Config{
		Storage: Storage{
			Driver:        v.GetString("storage_driver"),
			Root:          v.GetString("storage_root"),
			S3Bucket:      v.GetString("s3_bucket"),
			S3Endpoint:    v.GetString("s3_endpoint"),
			S3Region:      v.GetString("s3_region"),
			S3AccessKeyID: v.GetString("s3_access_key_id"),
			S3SecretKey:   v.GetString("s3_secret_access_key"),
			S3ForcePath:   v.GetBool("s3_force_path_style"),
		},
		Reconciliation: Reconciliation{
			QueueName:     v.GetString("reconcile_queue_name"),
			Concurrency:   v.GetInt("reconcile_queue_concurrency"),
			AuditInterval: time.Duration(v.GetInt64("reconcile_audit_interval_ms")) * time.Millisecond,
			AuditBatch:    v.GetInt("reconcile_audit_batch_size"),
		},
		Rollup: Rollup{
			QueueName:       v.GetString("rollup_queue_name"),
			CacheTTL:        time.Duration(v.GetInt64("rollup_cache_ttl_seconds")) * time.Second,
			CacheMaxEntries: v.GetInt("rollup_cache_max_entries"),
			DepthThreshold:  v.GetInt("rollup_recalc_depth_threshold"),
			ChildThreshold:  v.GetInt64("rollup_recalc_child_threshold"),
			MaxCascadeDepth: v.GetInt("rollup_max_cascade_depth"),
		},
		StagingFlush: StagingFlush{
			MaxRows:  v.GetInt64("staging_flush_max_rows"),
			MaxBytes: v.GetInt64("staging_flush_max_bytes"),
			MaxAge:   time.Duration(v.GetInt64("staging_flush_max_age_ms")) * time.Millisecond,
		},
		Events: Events{
			Mode:          v.GetString("events_mode"),
			Channel:       v.GetString("events_channel"),
			RedisAddr:     v.GetString("redis_addr"),
			RedisPassword: v.GetString("redis_password"),
		},
		Queue: Queue{
			Backend:         v.GetString("queue_backend"),
			WorkersPerQueue: v.GetInt("queue_workers_per_queue"),
			RedisAddr:       v.GetString("redis_addr"),
			RedisPassword:   v.GetString("redis_password"),
		},
		Database: Database{
			URL:     v.GetString("database_url"),
			Schema:  v.GetString("pg_schema"),
			PoolMax: v.GetInt("pgpool_max"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage_driver", "local")
	v.SetDefault("storage_root", "./data")
	v.SetDefault("s3_force_path_style", true)

	v.SetDefault("reconcile_queue_name", "reconciliation")
	v.SetDefault("reconcile_queue_concurrency", 4)
	v.SetDefault("reconcile_audit_interval_ms", int64(5*time.Minute/time.Millisecond))
	v.SetDefault("reconcile_audit_batch_size", 100)

	v.SetDefault("rollup_queue_name", "rollups")
	v.SetDefault("rollup_cache_ttl_seconds", 300)
	v.SetDefault("rollup_cache_max_entries", 1024)
	v.SetDefault("rollup_recalc_depth_threshold", 0)
	v.SetDefault("rollup_recalc_child_threshold", 0)
	v.SetDefault("rollup_max_cascade_depth", 64)

	v.SetDefault("staging_flush_max_rows", 1)
	v.SetDefault("staging_flush_max_bytes", 64<<20)
	v.SetDefault("staging_flush_max_age_ms", int64(5*time.Minute/time.Millisecond))

	v.SetDefault("events_mode", "inline")
	v.SetDefault("events_channel", "dataplatform.events")

	v.SetDefault("queue_backend", "memory")
	v.SetDefault("queue_workers_per_queue", 4)

	v.SetDefault("pg_schema", "public")
	v.SetDefault("pgpool_max", 10)
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "local":
		if c.Storage.Root == "" {
			return fmt.Errorf("config: STORAGE_ROOT is required when STORAGE_DRIVER=local")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("config: S3_BUCKET is required when STORAGE_DRIVER=s3")
		}
	default:
		return fmt.Errorf("config: STORAGE_DRIVER must be 'local' or 's3', got %q", c.Storage.Driver)
	}

	switch c.Events.Mode {
	case "inline":
	case "redis":
		if c.Events.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required when EVENTS_MODE=redis")
		}
	default:
		return fmt.Errorf("config: EVENTS_MODE must be 'inline' or 'redis', got %q", c.Events.Mode)
	}

	switch c.Queue.Backend {
	case "inline", "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required when QUEUE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: QUEUE_BACKEND must be 'inline', 'memory' or 'redis', got %q", c.Queue.Backend)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}
