// Package docscfg loads the tunables named throughout the docs core: the
// signature skew window, reconciliation thresholds, session timeouts, the
// storage flush interval, and the bad-entry penalty limit.
//
// Precedence, lowest to highest: built-in defaults, an optional HuJSON
// config file, then environment variables prefixed DOCS_.
package docscfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds every tunable the core and its ambient packages read.
type Config struct {
	// SkewWindow bounds how far a signed entry's timestamp may sit in the
	// future of the local clock before it's rejected.
	SkewWindow time.Duration `json:"skew_window"`

	// ThresholdEntries is the reconciliation small-range cutoff.
	ThresholdEntries int `json:"threshold_entries"`
	// SplitFanout is k, the number of children a mismatched range splits
	// into.
	SplitFanout int `json:"split_fanout"`
	// MaxBadEntries aborts a sync session once a peer has sent this many
	// entries that fail validation.
	MaxBadEntries int `json:"max_bad_entries"`

	// SessionTimeout bounds one sync session end to end.
	SessionTimeout time.Duration `json:"session_timeout"`
	// RoundTimeout bounds one protocol round within a session.
	RoundTimeout time.Duration `json:"round_timeout"`

	// FlushInterval is how often the storage index coalesces and commits
	// pending writes.
	FlushInterval time.Duration `json:"flush_interval"`

	// UsefulPeersCacheSize is the bounded LRU capacity per namespace for
	// recently-useful sync peers.
	UsefulPeersCacheSize int `json:"useful_peers_cache_size"`

	// DBPath is the storage index's backing file.
	DBPath string `json:"db_path"`
}

// Default returns the documented built-in defaults.
func Default() Config {
	return Config{
		SkewWindow:           10 * time.Minute,
		ThresholdEntries:     16,
		SplitFanout:          2,
		MaxBadEntries:        64,
		SessionTimeout:       30 * time.Second,
		RoundTimeout:         10 * time.Second,
		FlushInterval:        500 * time.Millisecond,
		UsefulPeersCacheSize: 32,
		DBPath:               "docs.db",
	}
}

// EnvPrefix is the prefix used for environment-variable overrides, in the
// same spirit as valuesstore.go's NewValuesStoreOpts envPrefix convention.
const EnvPrefix = "DOCS_"

// Load reads path (if non-empty and present) as a HuJSON document layered
// over Default(), then applies DOCS_-prefixed environment overrides. A
// missing path is not an error; an unparseable one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("docscfg: read %s: %w", path, err)
			}
		} else {
			standardized, err := hujson.Standardize(data)
			if err != nil {
				return Config{}, fmt.Errorf("docscfg: invalid JSONC in %s: %w", path, err)
			}
			var fileCfg Config
			if err := json.Unmarshal(standardized, &fileCfg); err != nil {
				return Config{}, fmt.Errorf("docscfg: invalid JSON in %s: %w", path, err)
			}
			cfg = mergeNonZero(cfg, fileCfg)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.ThresholdEntries <= 0 || cfg.SplitFanout < 2 || cfg.MaxBadEntries <= 0 {
		return Config{}, fmt.Errorf("docscfg: threshold_entries, split_fanout (>=2), and max_bad_entries must be positive")
	}
	return cfg, nil
}

func mergeNonZero(base, overlay Config) Config {
	if overlay.SkewWindow != 0 {
		base.SkewWindow = overlay.SkewWindow
	}
	if overlay.ThresholdEntries != 0 {
		base.ThresholdEntries = overlay.ThresholdEntries
	}
	if overlay.SplitFanout != 0 {
		base.SplitFanout = overlay.SplitFanout
	}
	if overlay.MaxBadEntries != 0 {
		base.MaxBadEntries = overlay.MaxBadEntries
	}
	if overlay.SessionTimeout != 0 {
		base.SessionTimeout = overlay.SessionTimeout
	}
	if overlay.RoundTimeout != 0 {
		base.RoundTimeout = overlay.RoundTimeout
	}
	if overlay.FlushInterval != 0 {
		base.FlushInterval = overlay.FlushInterval
	}
	if overlay.UsefulPeersCacheSize != 0 {
		base.UsefulPeersCacheSize = overlay.UsefulPeersCacheSize
	}
	if overlay.DBPath != "" {
		base.DBPath = overlay.DBPath
	}
	return base
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "SKEW_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SkewWindow = d
		}
	}
	if v := os.Getenv(EnvPrefix + "THRESHOLD_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ThresholdEntries = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SPLIT_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SplitFanout = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MAX_BAD_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBadEntries = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "ROUND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RoundTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FlushInterval = d
		}
	}
	if v := os.Getenv(EnvPrefix + "USEFUL_PEERS_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UsefulPeersCacheSize = n
		}
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
}
