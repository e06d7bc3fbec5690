package geolite

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/oschwald/geoip2-golang"

	"rirparser/internal/config"
	"rirparser/internal/rir"
)

type fakeReader struct {
	codes  map[string]string
	closed bool
}

func (f *fakeReader) Country(ip net.IP) (*geoip2.Country, error) {
	var record geoip2.Country
	record.RegisteredCountry.IsoCode = f.codes[ip.String()]
	return &record, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func useReader(t *testing.T, r CountryReader) {
	t.Helper()
	SetReader(r)
	t.Cleanup(func() { SetReader(nil) })
}

func TestVerifyWithoutDatabase(t *testing.T) {
	SetReader(nil)
	if _, err := Verify([]rir.Record{{CIDR: "41.0.0.0/16", Kind: rir.KindIPv4, Country: "ZA"}}); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("Verify error = %v, want ErrNoDatabase", err)
	}
}

func TestVerifyCountsMismatches(t *testing.T) {
	useReader(t, &fakeReader{codes: map[string]string{
		"41.0.0.0":    "za",
		"41.32.0.0":   "SD",
		"2001:db8::":  "ZA",
		"196.201.0.0": "",
	}})

	result, err := Verify([]rir.Record{
		{CIDR: "41.0.0.0/16", Kind: rir.KindIPv4, Country: "ZA"},
		{CIDR: "41.32.0.0/16", Kind: rir.KindIPv4, Country: "EG"},
		{CIDR: "2001:db8::/32", Kind: rir.KindIPv6, Country: "ZA"},
		{CIDR: "196.201.0.0/20", Kind: rir.KindIPv4, Country: "KE"},
		{CIDR: "10.0.0.0/8", Kind: rir.KindIPv4, Country: "ZZ"},
	})
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if result.Checked != 4 || result.Mismatched != 1 || result.Unknown != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Samples) != 1 || result.Samples[0] != (Mismatch{CIDR: "41.32.0.0/16", Registry: "EG", GeoLite: "SD"}) {
		t.Fatalf("Samples = %+v", result.Samples)
	}
	if rate := result.MismatchRate(); rate < 0.33 || rate > 0.34 {
		t.Fatalf("MismatchRate = %f", rate)
	}
}

func TestSetReaderClosesPrevious(t *testing.T) {
	first := &fakeReader{}
	useReader(t, first)
	SetReader(&fakeReader{})
	if !first.closed {
		t.Fatal("previous reader was not closed")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "missing.mmdb")); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("Load error = %v, want ErrNoDatabase", err)
	}
	if err := Load(""); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("Load error = %v, want ErrNoDatabase", err)
	}
}

func TestUpdateDatabaseRequiresAPIKey(t *testing.T) {
	t.Setenv("RIRPARSER_SETTINGS", filepath.Join(t.TempDir(), "settings.json"))
	orig := config.GetConfig()
	t.Cleanup(func() { config.SetConfig(orig) })

	cfg := config.DefaultConfig()
	cfg.GeoLite.APIKey = ""
	config.SetConfig(cfg)

	if err := UpdateDatabase(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("UpdateDatabase error = %v, want ErrNoAPIKey", err)
	}
}

func TestDownloadEditionExtractsArchive(t *testing.T) {
	var archive bytes.Buffer
	gz := gzip.NewWriter(&archive)
	tw := tar.NewWriter(gz)
	payload := []byte("mmdb-bytes")
	if err := tw.WriteHeader(&tar.Header{Name: "GeoLite2-Country_20240101/GeoLite2-Country.mmdb", Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("license_key") != "secret" || r.URL.Query().Get("edition_id") != CountryEdition {
			http.Error(w, "bad query", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(archive.Bytes())
	}))
	defer srv.Close()

	origURL := maxMindDownloadURL
	maxMindDownloadURL = srv.URL
	t.Cleanup(func() { maxMindDownloadURL = origURL })

	dest := filepath.Join(t.TempDir(), "geo", CountryFilename)
	if err := downloadEdition(context.Background(), "secret", CountryEdition, dest); err != nil {
		t.Fatalf("downloadEdition returned error: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("extracted %q, want %q", data, payload)
	}

	if err := downloadEdition(context.Background(), "wrong", CountryEdition, dest); err == nil {
		t.Fatal("expected an error for a rejected license key")
	}
}
