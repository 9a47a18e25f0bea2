package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Relay    RelayConfig    `json:"relay"`
	Provider ProviderConfig `json:"provider"`
	Cache    CacheConfig    `json:"cache"`
}

// RelayConfig describes the relay server endpoint and its optional
// snapshot store.
type RelayConfig struct {
	ListenAddr  string `json:"listenAddr"`
	PostgresDSN string `json:"postgresDsn"`
	// SnapshotDebounceMs bounds how often a room snapshot is written.
	SnapshotDebounceMs int `json:"snapshotDebounceMs"`
	// Pyroscope enables continuous profiling when set to a server URL.
	Pyroscope string `json:"pyroscope"`
}

// ProviderConfig tunes the client sync transport.
type ProviderConfig struct {
	BackoffBaseMs    int `json:"backoffBaseMs"`
	BackoffCapMs     int `json:"backoffCapMs"`
	MaxAttempts      int `json:"maxAttempts"`
	DebounceWindowMs int `json:"cursorDebounceMs"`
	// ConnectDelayMs delays the very first dial after construction,
	// giving the host editor time to finish mounting. Zero connects
	// immediately.
	ConnectDelayMs int `json:"connectDelayMs"`
}

// CacheConfig locates the local snapshot store.
type CacheConfig struct {
	Path string `json:"path"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Relay    RelaySpec
	Provider ProviderSpec
	Cache    CacheConfig
}

// RelaySpec is the resolved relay configuration.
type RelaySpec struct {
	ListenAddr       string
	PostgresDSN      string
	SnapshotDebounce time.Duration
	Pyroscope        string
}

// ProviderSpec is the resolved provider tuning.
type ProviderSpec struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int
	DebounceWindow time.Duration
	ConnectDelay   time.Duration
}

// Load reads a JSON config file and resolves defaults. An empty path
// returns the defaults.
func Load(path string) (Loaded, error) {
	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, fmt.Errorf("parse config: %w", err)
		}
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	relay := RelaySpec{
		ListenAddr:       cfg.Relay.ListenAddr,
		PostgresDSN:      cfg.Relay.PostgresDSN,
		SnapshotDebounce: time.Duration(cfg.Relay.SnapshotDebounceMs) * time.Millisecond,
		Pyroscope:        cfg.Relay.Pyroscope,
	}
	if relay.ListenAddr == "" {
		relay.ListenAddr = "127.0.0.1:8484"
	}
	if relay.SnapshotDebounce <= 0 {
		relay.SnapshotDebounce = 5 * time.Second
	}

	provider := ProviderSpec{
		BackoffBase:    time.Duration(cfg.Provider.BackoffBaseMs) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.Provider.BackoffCapMs) * time.Millisecond,
		MaxAttempts:    cfg.Provider.MaxAttempts,
		DebounceWindow: time.Duration(cfg.Provider.DebounceWindowMs) * time.Millisecond,
		ConnectDelay:   time.Duration(cfg.Provider.ConnectDelayMs) * time.Millisecond,
	}
	if provider.BackoffBase <= 0 {
		provider.BackoffBase = 2 * time.Second
	}
	if provider.BackoffCap <= 0 {
		provider.BackoffCap = 30 * time.Second
	}
	if provider.BackoffCap < provider.BackoffBase {
		return Loaded{}, fmt.Errorf("backoff cap %s below base %s", provider.BackoffCap, provider.BackoffBase)
	}
	if provider.MaxAttempts <= 0 {
		provider.MaxAttempts = 8
	}
	if provider.DebounceWindow <= 0 {
		provider.DebounceWindow = 50 * time.Millisecond
	}

	cache := cfg.Cache
	if cache.Path == "" {
		cache.Path = "collabsync.db"
	}

	return Loaded{Relay: relay, Provider: provider, Cache: cache}, nil
}
