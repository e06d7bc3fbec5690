package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"rirparser/internal/config"
	"rirparser/internal/lookup"
)

const testFeed = `2|afrinic|20240101|5|19830101|20240101|+0000
afrinic|*|ipv4|*|3|summary
afrinic|ZA|ipv4|41.0.0.0|65536|20070101|allocated
afrinic|ZA|ipv6|2001:db8::|32|20120101|allocated
afrinic|ZA|ipv4|41.1.0.0|65536|20070101|allocated
afrinic|EG|ipv4|41.32.0.0|256|20070101|assigned
`

func setupApp(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("RIRPARSER_SETTINGS", filepath.Join(dir, "settings.json"))
	t.Setenv("REDIS_URL", "")
	orig := config.GetConfig()
	level := log.GetLevel()
	t.Cleanup(func() {
		config.SetConfig(orig)
		lookup.Swap(nil)
		log.SetLevel(level)
	})

	feedPath := filepath.Join(dir, "delegated-afrinic-latest")
	if err := os.WriteFile(feedPath, []byte(testFeed), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	return feedPath
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := Execute(context.Background(), args, &out); err != nil {
		t.Fatalf("Execute(%v) returned error: %v", args, err)
	}
	return out.String()
}

func TestConfigureLogging(t *testing.T) {
	level := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(level) })

	t.Run("env level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "warn")
		configureLogging(false)
		if got := log.GetLevel(); got != log.WarnLevel {
			t.Fatalf("level = %v, want warn", got)
		}
	})

	t.Run("debug flag wins", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "error")
		configureLogging(true)
		if got := log.GetLevel(); got != log.DebugLevel {
			t.Fatalf("level = %v, want debug", got)
		}
	})

	t.Run("invalid env falls back to info", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")
		configureLogging(false)
		if got := log.GetLevel(); got != log.InfoLevel {
			t.Fatalf("level = %v, want info", got)
		}
	})
}

func TestParseCommandListsBlocks(t *testing.T) {
	feedPath := setupApp(t)

	got := execute(t, "parse", feedPath)
	want := "2001:db8::/32\tZA\tipv6\n41.0.0.0/16\tZA\tipv4\n41.1.0.0/16\tZA\tipv4\n41.32.0.0/24\tEG\tipv4\n"
	if got != want {
		t.Fatalf("parse output = %q, want %q", got, want)
	}
	if _, err := os.Stat(os.Getenv("RIRPARSER_SETTINGS")); err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
}

func TestParseCommandFilters(t *testing.T) {
	feedPath := setupApp(t)

	got := execute(t, "parse", feedPath, "--format", "bind", "--country", "eg")
	if got != "acl \"EG\" {\n  41.32.0.0/24;\n};\n" {
		t.Fatalf("filtered bind output = %q", got)
	}

	got = execute(t, "parse", feedPath, "--kind", "ipv6")
	if got != "2001:db8::/32\tZA\tipv6\n" {
		t.Fatalf("ipv6 output = %q", got)
	}
}

func TestParseCommandRejectsUnknownFormat(t *testing.T) {
	feedPath := setupApp(t)

	var out bytes.Buffer
	if err := Execute(context.Background(), []string{"parse", feedPath, "--format", "csv"}, &out); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestParseCommandMissingFile(t *testing.T) {
	setupApp(t)

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"parse", filepath.Join(t.TempDir(), "absent")}, &out)
	if err == nil {
		t.Fatal("expected an error for a missing feed")
	}
}

func TestReportCommandFromSource(t *testing.T) {
	feedPath := setupApp(t)

	got := execute(t, "report", feedPath)
	for _, want := range []string{"South Africa", "Egypt", "131,072", "131,328"} {
		if !strings.Contains(got, want) {
			t.Fatalf("report output missing %q:\n%s", want, got)
		}
	}
}

func TestReportCommandWithoutStorage(t *testing.T) {
	setupApp(t)

	var out bytes.Buffer
	if err := Execute(context.Background(), []string{"report"}, &out); err == nil {
		t.Fatal("expected an error without a source or storage")
	}
}

func TestLookupCommandWithSource(t *testing.T) {
	feedPath := setupApp(t)

	got := execute(t, "lookup", "--source", feedPath, "41.1.200.1", "41.32.0.77", "8.8.8.8", "2001:db8::1")
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 4 {
		t.Fatalf("lookup printed %d lines:\n%s", len(lines), got)
	}
	checks := []string{"South Africa", "Egypt", "not delegated", "South Africa"}
	for i, want := range checks {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d = %q, want it to contain %q", i, lines[i], want)
		}
	}
}

func TestLookupCommandInvalidAddress(t *testing.T) {
	feedPath := setupApp(t)

	var out bytes.Buffer
	if err := Execute(context.Background(), []string{"lookup", "--source", feedPath, "not-an-ip"}, &out); err == nil {
		t.Fatal("expected an error for an invalid address")
	}
}

func TestLookupCommandWithoutRanges(t *testing.T) {
	setupApp(t)

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"lookup", "41.0.0.1"}, &out)
	if !errors.Is(err, errNoRanges) {
		t.Fatalf("Execute error = %v, want errNoRanges", err)
	}
}

func TestCountriesCommand(t *testing.T) {
	setupApp(t)

	got := execute(t, "countries")
	if !strings.Contains(got, "ZA  South Africa") {
		t.Fatalf("countries output missing South Africa:\n%s", got)
	}
}

func TestVersionCommand(t *testing.T) {
	setupApp(t)

	if got := execute(t, "version"); !strings.HasPrefix(got, "rirparser dev") {
		t.Fatalf("version output = %q", got)
	}
}

func TestStatusCommandWithoutBackends(t *testing.T) {
	setupApp(t)

	got := execute(t, "status")
	for _, want := range []string{"Last refresh: never", "Refresh interval: 24h0m0s", "GeoLite database loaded: false"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "REGISTRY") {
		t.Fatalf("snapshot table printed without storage:\n%s", got)
	}
}

func TestRefreshCommandWithStorage(t *testing.T) {
	setupApp(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testFeed))
	}))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Registries = []config.Registry{{Name: "afrinic", URL: srv.URL + "/delegated-afrinic-latest"}}
	cfg.Storage.Enabled = true
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "rirparser.db")
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	if err := os.WriteFile(os.Getenv("RIRPARSER_SETTINGS"), data, 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	got := execute(t, "refresh")
	if !strings.Contains(got, "afrinic") || !strings.Contains(got, "1 loaded, 0 unchanged, 0 failed, 4 blocks in lookup table") {
		t.Fatalf("refresh output:\n%s", got)
	}

	got = execute(t, "refresh")
	if !strings.Contains(got, "unchanged") {
		t.Fatalf("second refresh did not skip the unchanged feed:\n%s", got)
	}

	got = execute(t, "report")
	for _, want := range []string{"South Africa", "131,328", "Last refreshed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("stored report missing %q:\n%s", want, got)
		}
	}

	got = execute(t, "lookup", "41.32.0.1")
	if !strings.Contains(got, "EG") {
		t.Fatalf("lookup from storage = %q", got)
	}

	got = execute(t, "status")
	if !strings.Contains(got, "REGISTRY") || !strings.Contains(got, "afrinic") {
		t.Fatalf("status output missing snapshots:\n%s", got)
	}
}
