package config

// Config is the full engine configuration.
//
// Files may be YAML or JSON; YAML is coerced to JSON and both are decoded
// strictly (unknown fields are rejected so typos fail fast on reload).
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Campaigns CampaignsConfig `json:"campaigns"`
	Sync      SyncConfig      `json:"sync"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite store backing every durable table.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the drain loop and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 32
//   - drain_interval: "5s"
//   - rate_per_sec: 10
//   - max_attempts: 3
//   - retry_base: "30s"
//   - retry_max_delay: "15m"
//   - staleness_window: "2m"
//   - delivery_timeout: "24h"
type DispatchConfig struct {
	BatchSize   int             `json:"batch_size,omitempty"`
	DrainEvery  string          `json:"drain_interval,omitempty"`
	RatePerSec  int             `json:"rate_per_sec,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RetryBase   string          `json:"retry_base,omitempty"`
	RetryMax    string          `json:"retry_max_delay,omitempty"`
	Staleness   string          `json:"staleness_window,omitempty"`
	DeliveryTTL string          `json:"delivery_timeout,omitempty"`
	Retention   RetentionConfig `json:"retention"`
}

// RetentionConfig controls age-based pruning of terminal queue items and
// inactive campaigns.
type RetentionConfig struct {
	MaxAge     string `json:"max_age,omitempty"`     // default "720h" (30 days)
	SweepEvery string `json:"sweep_interval,omitempty"` // default "1h"
}

type CampaignsConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ for recurrence math
}

// SyncConfig controls reconciliation with the external message store.
type SyncConfig struct {
	Enabled      bool   `json:"enabled"`
	Debounce     string `json:"debounce,omitempty"`      // default "250ms"
	FullInterval string `json:"full_interval,omitempty"` // default "6h"; "0s" disables periodic full sync
}
