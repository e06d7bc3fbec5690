package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withSettingsFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.json")
	t.Setenv("RIRPARSER_SETTINGS", path)

	origCfg := GetConfig()
	t.Cleanup(func() {
		configValue.Store(origCfg)
		updateHostBlocklist(origCfg.Fetch.BlockedHosts)
	})
	return path
}

func TestDefaultConfigListsRegistries(t *testing.T) {
	cfg := DefaultConfig()

	want := []string{"afrinic", "apnic", "arin", "lacnic", "ripencc"}
	if len(cfg.Registries) != len(want) {
		t.Fatalf("default registries = %d, want %d", len(cfg.Registries), len(want))
	}
	for i, name := range want {
		if cfg.Registries[i].Name != name {
			t.Fatalf("registry %d = %q, want %q", i, cfg.Registries[i].Name, name)
		}
		if cfg.Registries[i].URL == "" {
			t.Fatalf("registry %q has no url", name)
		}
	}
	if cfg.Pipeline.ChunkSize <= 0 || cfg.Pipeline.Buffer <= 0 {
		t.Fatalf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
}

func TestReadSettingsCreatesDefaultFile(t *testing.T) {
	path := withSettingsFile(t)

	if err := ReadSettings(); err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	if string(data) != string(defaultConfig) {
		t.Fatal("settings file does not contain the default configuration")
	}
}

func TestReadSettingsLoadsFile(t *testing.T) {
	path := withSettingsFile(t)

	cfg := DefaultConfig()
	cfg.Registries = []Registry{{Name: "afrinic", URL: "https://example.test/afrinic"}}
	cfg.Fetch.BlockedHosts = []string{"Mirror.Example.org"}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	if err := ReadSettings(); err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}

	got := GetConfig()
	if len(got.Registries) != 1 || got.Registries[0].URL != "https://example.test/afrinic" {
		t.Fatalf("registries = %+v", got.Registries)
	}
	if !IsHostBlocked("https://mirror.example.org/stats") {
		t.Fatal("blocked host from settings file was not applied")
	}
}

func TestReadSettingsRejectsInvalidJSON(t *testing.T) {
	path := withSettingsFile(t)

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if err := ReadSettings(); err == nil {
		t.Fatal("ReadSettings accepted invalid JSON")
	}
}

func TestMarkRefreshedPersists(t *testing.T) {
	path := withSettingsFile(t)
	configValue.Store(DefaultConfig())

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := MarkRefreshed(ts); err != nil {
		t.Fatalf("MarkRefreshed returned error: %v", err)
	}

	if got := GetConfig().LastRefreshedAt; got != "2024-03-01T12:00:00Z" {
		t.Fatalf("LastRefreshedAt = %q", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("stored settings invalid: %v", err)
	}
	if stored.LastRefreshedAt != "2024-03-01T12:00:00Z" {
		t.Fatalf("stored LastRefreshedAt = %q", stored.LastRefreshedAt)
	}
}

func TestFetchTimeout(t *testing.T) {
	var cfg Config
	if got := cfg.FetchTimeout(); got != 2*time.Minute {
		t.Fatalf("FetchTimeout default = %s, want 2m", got)
	}
	cfg.Fetch.TimeoutSeconds = 30
	if got := cfg.FetchTimeout(); got != 30*time.Second {
		t.Fatalf("FetchTimeout = %s, want 30s", got)
	}
}

func TestWatchSettingsReloadsOnWrite(t *testing.T) {
	path := withSettingsFile(t)
	if err := ReadSettings(); err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- WatchSettings(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.RefreshTimer = Timer{Hours: 3}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for GetConfig().RefreshTimer.Hours != 3 {
		select {
		case <-deadline:
			t.Fatal("settings were not reloaded after write")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("WatchSettings returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WatchSettings did not stop after cancel")
	}
}
