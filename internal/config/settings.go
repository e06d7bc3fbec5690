package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"rirparser/internal/support"
)

type Config struct {
	Registries   []Registry `json:"registries"`
	RefreshTimer Timer      `json:"refresh_timer"`

	Fetch struct {
		TimeoutSeconds uint32   `json:"timeout_seconds"`
		ProxyURL       string   `json:"proxy_url"`
		MaxBytes       int64    `json:"max_bytes"`
		Concurrency    int      `json:"concurrency"`
		BlockedHosts   []string `json:"blocked_hosts"`
	} `json:"fetch"`

	Pipeline struct {
		ChunkSize  int `json:"chunk_size"`
		Buffer     int `json:"buffer"`
		YieldEvery int `json:"yield_every"`
	} `json:"pipeline"`

	Storage struct {
		Enabled    bool   `json:"enabled"`
		Driver     string `json:"driver"`
		SQLitePath string `json:"sqlite_path"`
	} `json:"storage"`

	Redis struct {
		Publish    bool `json:"publish"`
		SyncConfig bool `json:"sync_config"`
	} `json:"redis"`

	GeoLite struct {
		CountryDBPath string `json:"country_db_path"`
		APIKey        string `json:"api_key"`
		Verify        bool   `json:"verify"`
		AutoUpdate    bool   `json:"auto_update"`
		UpdateTimer   Timer  `json:"update_timer"`
	} `json:"geolite"`

	LastRefreshedAt string `json:"last_refreshed_at,omitempty"`
}

// Registry names one delegation statistics feed.
type Registry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const defaultSettingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		cfg = Config{}
	}
	configValue.Store(cfg)
}

// SettingsFilePath returns the settings location, overridable with RIRPARSER_SETTINGS.
func SettingsFilePath() string {
	return support.GetEnv("RIRPARSER_SETTINGS", defaultSettingsFilePath)
}

// DefaultConfig returns the embedded default configuration.
func DefaultConfig() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Error unmarshalling embedded default settings", "error", err)
	}
	return cfg
}

func ReadSettings() error {
	path := SettingsFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		log.Warn("Settings file not found, creating with default configuration", "path", path)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			return err
		}
		data = defaultConfig
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return err
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

func SetConfig(newConfig Config) {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
		return
	}

	log.Debug("Configuration updated and written to file successfully")
}

// MarkRefreshed records the completion time of the last successful refresh.
func MarkRefreshed(ts time.Time) error {
	cfg := GetConfig()
	cfg.LastRefreshedAt = ts.UTC().Format(time.RFC3339)
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "refresh"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()
	updateHostBlocklist(newConfig.Fetch.BlockedHosts)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := writeSettingsFile(data); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

func writeSettingsFile(data []byte) error {
	path := SettingsFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

// FetchTimeout returns the per-request timeout for feed downloads.
func (c Config) FetchTimeout() time.Duration {
	if c.Fetch.TimeoutSeconds == 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
