// Package config loads and validates the engine's JSON configuration.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/c360/syncengine/classify"
	"github.com/c360/syncengine/errors"
)

// Storage backend constants.
const (
	StorageMemory = "memory" // In-memory only, lost on restart. For tests.
	StorageBadger = "badger" // Embedded BadgerDB (recommended for devices)
	StorageNATSKV = "natskv" // NATS JetStream KV (shared server-side state)
)

// Duration wraps time.Duration so JSON configs can say "500ms" or "2m"
// instead of nanosecond counts. Bare numbers still parse as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return errors.WrapPermanent(errors.ErrInvalidConfig,
				"config", "UnmarshalJSON", "invalid duration "+value)
		}
		*d = Duration(parsed)
		return nil
	default:
		return errors.WrapPermanent(errors.ErrInvalidConfig,
			"config", "UnmarshalJSON", "duration must be a string or number")
	}
}

// StorageConfig selects and configures the durable backend.
type StorageConfig struct {
	Backend string `json:"backend"`

	// Path is the BadgerDB directory. Required for the badger backend.
	Path       string `json:"path,omitempty"`
	SyncWrites bool   `json:"sync_writes,omitempty"`

	// NATSURL and BucketPrefix configure the natskv backend.
	NATSURL      string `json:"nats_url,omitempty"`
	BucketPrefix string `json:"bucket_prefix,omitempty"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxEntries int `json:"max_entries,omitempty"`
	HotSize    int `json:"hot_size,omitempty"`
}

// TagConfig is the per-tag queue and drain policy.
type TagConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	BaseDelay   Duration `json:"base_delay,omitempty"`
	MaxDelay    Duration `json:"max_delay,omitempty"`
	Cadence     Duration `json:"cadence,omitempty"`
	MinInterval Duration `json:"min_interval,omitempty"`
	SkipFailed  bool     `json:"skip_failed,omitempty"`
}

// SchedulerConfig tunes drain execution.
type SchedulerConfig struct {
	NetworkTimeout Duration `json:"network_timeout,omitempty"`
	Workers        int      `json:"workers,omitempty"`
}

// LifecycleConfig selects generation promotion behavior.
type LifecycleConfig struct {
	UpdatePolicy string `json:"update_policy,omitempty"` // aggressive | conservative
	TakeoverMode string `json:"takeover_mode,omitempty"` // eager | lazy
}

// RemoteConfig locates the remote sync endpoint queued mutations are
// delivered to.
type RemoteConfig struct {
	SyncURL string   `json:"sync_url,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. A zero port disables it.
type MetricsConfig struct {
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// Config is the complete engine configuration.
type Config struct {
	NodeID    string               `json:"node_id"`
	Storage   StorageConfig        `json:"storage"`
	Cache     CacheConfig          `json:"cache,omitempty"`
	Matchers  []classify.Matcher   `json:"matchers"`
	Tags      map[string]TagConfig `json:"tags,omitempty"`
	Scheduler SchedulerConfig      `json:"scheduler,omitempty"`
	Lifecycle LifecycleConfig      `json:"lifecycle,omitempty"`
	Remote    RemoteConfig         `json:"remote,omitempty"`
	Metrics   MetricsConfig        `json:"metrics,omitempty"`

	// Precache lists URLs fetched and cached when a new generation installs.
	Precache []string `json:"precache,omitempty"`

	// AutoReplayDeadLetter re-enqueues dead-letter items when connectivity
	// is restored instead of waiting for an explicit replay call.
	AutoReplayDeadLetter bool `json:"auto_replay_dead_letter,omitempty"`
}

// Default returns a minimal working configuration: in-memory storage and a
// network-only fallback for everything unmatched.
func Default() *Config {
	return &Config{
		NodeID:  "syncengine-1",
		Storage: StorageConfig{Backend: StorageMemory},
		Scheduler: SchedulerConfig{
			NetworkTimeout: Duration(30 * time.Second),
			Workers:        4,
		},
		Lifecycle: LifecycleConfig{
			UpdatePolicy: "conservative",
			TakeoverMode: "lazy",
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads and validates a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapPermanent(err, "config", "Load", "read "+path)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapPermanent(err, "config", "Load", "parse "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.WrapPermanent(errors.ErrInvalidConfig,
			"config", "Validate", "node_id is required")
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageNATSKV:
	case StorageBadger:
		if c.Storage.Path == "" {
			return errors.WrapPermanent(errors.ErrInvalidConfig,
				"config", "Validate", "badger backend requires storage.path")
		}
	default:
		return errors.WrapPermanent(errors.ErrInvalidConfig,
			"config", "Validate", "unknown storage backend "+c.Storage.Backend)
	}

	// classify.New performs full matcher validation
	if _, err := classify.New(c.Matchers); err != nil {
		return err
	}

	for tag, tc := range c.Tags {
		if tc.MaxAttempts < 0 {
			return errors.WrapPermanent(errors.ErrInvalidConfig,
				"config", "Validate", "tag "+tag+": max_attempts cannot be negative")
		}
		if tc.BaseDelay < 0 || tc.MaxDelay < 0 || tc.Cadence < 0 || tc.MinInterval < 0 {
			return errors.WrapPermanent(errors.ErrInvalidConfig,
				"config", "Validate", "tag "+tag+": delays cannot be negative")
		}
		if tc.MaxDelay > 0 && tc.BaseDelay > tc.MaxDelay {
			return errors.WrapPermanent(errors.ErrInvalidConfig,
				"config", "Validate", "tag "+tag+": base_delay exceeds max_delay")
		}
	}

	switch c.Lifecycle.UpdatePolicy {
	case "", "aggressive", "conservative":
	default:
		return errors.WrapPermanent(errors.ErrInvalidConfig,
			"config", "Validate", "unknown update policy "+c.Lifecycle.UpdatePolicy)
	}
	switch c.Lifecycle.TakeoverMode {
	case "", "eager", "lazy":
	default:
		return errors.WrapPermanent(errors.ErrInvalidConfig,
			"config", "Validate", "unknown takeover mode "+c.Lifecycle.TakeoverMode)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.WrapPermanent(errors.ErrInvalidConfig,
			"config", "Validate", "metrics port out of range")
	}
	return nil
}
