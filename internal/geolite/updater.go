package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"rirparser/internal/config"
)

const userAgent = "rirparser-geolite-updater/1.0"

var (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"

	updateGroup singleflight.Group
	httpClient  = &http.Client{Timeout: 2 * time.Minute}
)

// ErrNoAPIKey indicates that the GeoLite license key has not been configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

// UpdateDatabase downloads the GeoLite2 country edition to the configured
// path and loads it. Concurrent callers share one download.
func UpdateDatabase(ctx context.Context) error {
	_, err, _ := updateGroup.Do("update", func() (interface{}, error) {
		apiKey := strings.TrimSpace(config.GetConfig().GeoLite.APIKey)
		if apiKey == "" {
			return nil, ErrNoAPIKey
		}

		destPath := countryDBPath()

		if err := downloadEdition(ctx, apiKey, CountryEdition, destPath); err != nil {
			return nil, err
		}
		if err := Load(destPath); err != nil {
			return nil, fmt.Errorf("reload geolite: %w", err)
		}

		log.Info("GeoLite country database updated", "path", destPath)

		if err := PublishDatabase(ctx); err != nil {
			log.Warn("Failed to publish GeoLite database to redis", "error", err)
		}
		return nil, nil
	})
	return err
}

func downloadEdition(ctx context.Context, apiKey, edition, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildDownloadURL(apiKey, edition), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", edition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", edition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", edition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", edition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != edition+".mmdb" {
			continue
		}

		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", edition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", edition)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

func buildDownloadURL(apiKey, edition string) string {
	q := url.Values{}
	q.Set("edition_id", edition)
	q.Set("license_key", apiKey)
	q.Set("suffix", "tar.gz")
	return maxMindDownloadURL + "?" + q.Encode()
}
