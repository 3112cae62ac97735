// Package config holds the process-wide, read-mostly tunables for the fusion
// engine, the persistence layer and the gateway. It is a shared mutable
// service-locator, guarded by a RWMutex for hot-reload and never lazily
// mutated from a request or ingest path — the only writer is Holder.Apply,
// invoked by the orchestrator when it receives a config:update bus message.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Fusion holds the fusion engine's tunables.
type Fusion struct {
	WindowMs           int64   `yaml:"window_ms"`
	AllowedLatenessMs  int64   `yaml:"allowed_lateness_ms"`
	MinMoveMeters      float64 `yaml:"min_move_meters"`
	PublishMinInterval int64   `yaml:"publish_min_interval_ms"`
	MaxAgeMs           int64   `yaml:"max_age_ms"` // 0 = disabled, fall back to lateness rule
	AcceptAll          bool    `yaml:"accept_all"`
}

// Persistence holds hot view / history / DLQ tunables.
type Persistence struct {
	HotViewTTL          time.Duration `yaml:"hot_view_ttl"`
	RetentionMs         int64         `yaml:"retention_ms"`
	DLQMaxRetries       int           `yaml:"dlq_max_retries"`
	BatchSize           int           `yaml:"batch_size"`
	BatchTimeout        time.Duration `yaml:"batch_timeout"`
	MinPositionDistance float64       `yaml:"min_position_distance"`
	MaxPositionAge      time.Duration `yaml:"max_position_age"`
}

// Broadcast holds the gateway's tunables.
type Broadcast struct {
	IntervalMs       int64         `yaml:"interval_ms"`
	StaleCutoff      time.Duration `yaml:"stale_cutoff"`
	MinClientMove    float64       `yaml:"min_client_move"`
	ClientKeepalive  int64         `yaml:"client_keepalive_ms"`
	GeohashPrecision int           `yaml:"geohash_precision"`
}

// Concurrency holds scheduling tunables.
type Concurrency struct {
	MaxParallelFusion int `yaml:"max_parallel_fusion"`
}

// Settings is the full tunable set. Zero value is never used directly;
// Default() seeds sane production defaults.
type Settings struct {
	Fusion      Fusion      `yaml:"fusion"`
	Persistence Persistence `yaml:"persistence"`
	Broadcast   Broadcast   `yaml:"broadcast"`
	Concurrency Concurrency `yaml:"concurrency"`
}

// Default returns the baseline production defaults.
func Default() Settings {
	return Settings{
		Fusion: Fusion{
			WindowMs:           60000,
			AllowedLatenessMs:  30000,
			MinMoveMeters:      5,
			PublishMinInterval: 5000,
			MaxAgeMs:           0,
			AcceptAll:          false,
		},
		Persistence: Persistence{
			HotViewTTL:          30 * time.Minute,
			RetentionMs:         32_400_000,
			DLQMaxRetries:       5,
			BatchSize:           50,
			BatchTimeout:        2 * time.Second,
			MinPositionDistance: 0,
			MaxPositionAge:      0,
		},
		Broadcast: Broadcast{
			IntervalMs:       5000,
			StaleCutoff:      24 * time.Hour,
			MinClientMove:    25,
			ClientKeepalive:  60000,
			GeohashPrecision: 4,
		},
		Concurrency: Concurrency{
			MaxParallelFusion: 10,
		},
	}
}

// Holder is the process-wide guarded settings holder.
type Holder struct {
	mu  sync.RWMutex
	cur Settings
}

// NewHolder seeds a Holder with the given initial settings.
func NewHolder(initial Settings) *Holder {
	return &Holder{cur: initial}
}

// Get returns a copy of the current settings, safe for concurrent readers.
func (h *Holder) Get() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// Apply replaces the current settings wholesale. Callers (the orchestrator,
// on config:update) are responsible for merging partial updates before
// calling Apply. Readers see the new settings on their next Get; fusion
// windows are kept, and the engine applies the new values to entries
// already in them as well as to later messages.
func (h *Holder) Apply(s Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur = s
}

// LoadFileOverlay reads a YAML file at path and decodes it onto base,
// leaving any field the file doesn't mention at base's value — flags and
// environment variables set the baseline, the optional --config file only
// overrides what it names.
func LoadFileOverlay(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return out, nil
}
