package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"rirparser/internal/config"
	"rirparser/internal/geolite"
)

func withGeoLiteConfig(t *testing.T, mutate func(*config.Config)) {
	t.Helper()
	t.Setenv("RIRPARSER_SETTINGS", filepath.Join(t.TempDir(), "settings.json"))
	orig := config.GetConfig()
	t.Cleanup(func() { config.SetConfig(orig) })

	cfg := config.DefaultConfig()
	mutate(&cfg)
	config.SetConfig(cfg)
}

func TestGeoLiteUpdateInterval(t *testing.T) {
	withGeoLiteConfig(t, func(cfg *config.Config) {
		cfg.GeoLite.UpdateTimer = config.Timer{}
	})
	if got := geoLiteUpdateInterval(); got != geoLiteUpdateFallbackEvery {
		t.Fatalf("interval = %v, want fallback %v", got, geoLiteUpdateFallbackEvery)
	}

	cfg := config.GetConfig()
	cfg.GeoLite.UpdateTimer = config.Timer{Hours: 12}
	config.SetConfig(cfg)
	if got := geoLiteUpdateInterval(); got != 12*time.Hour {
		t.Fatalf("interval = %v, want 12h", got)
	}
}

func TestRunGeoLiteUpdateRespectsAutoUpdate(t *testing.T) {
	withGeoLiteConfig(t, func(cfg *config.Config) {
		cfg.GeoLite.AutoUpdate = false
		cfg.GeoLite.APIKey = ""
	})

	if err := RunGeoLiteUpdate(context.Background(), "test", false); err != nil {
		t.Fatalf("disabled update returned %v", err)
	}
	if err := RunGeoLiteUpdate(context.Background(), "test", true); !errors.Is(err, geolite.ErrNoAPIKey) {
		t.Fatalf("forced update error = %v, want ErrNoAPIKey", err)
	}
}

func TestGeoLiteUpdateLoopFollowsInterval(t *testing.T) {
	withGeoLiteConfig(t, func(cfg *config.Config) {
		cfg.GeoLite.AutoUpdate = false
	})

	var calls atomic.Int32
	interval := func() time.Duration {
		calls.Add(1)
		return time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		runGeoLiteUpdateLoop(ctx, interval, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update loop did not stop after the context ended")
	}
	if calls.Load() < 2 {
		t.Fatalf("interval was read %d times, want it re-read while running", calls.Load())
	}
}
