package geolite

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	CountryEdition  = "GeoLite2-Country"
	CountryFilename = "GeoLite2-Country.mmdb"
)

// ErrNoDatabase is returned when no GeoLite country database is available.
var ErrNoDatabase = errors.New("geolite: country database not available")

// CountryReader is the subset of *geoip2.Reader used for cross-checks.
type CountryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

var (
	readerMu sync.RWMutex
	reader   CountryReader
)

// Load opens the mmdb at path and makes it the active database.
func Load(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrNoDatabase
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoDatabase, path)
		}
		return fmt.Errorf("geolite: read %s: %w", path, err)
	}

	db, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", path, err)
	}

	SetReader(db)
	log.Debug("GeoLite country database loaded", "path", path)
	return nil
}

// SetReader replaces the active database, closing the previous one.
func SetReader(r CountryReader) {
	readerMu.Lock()
	old := reader
	reader = r
	readerMu.Unlock()

	if old != nil && old != r {
		_ = old.Close()
	}
}

// Available reports whether a database is loaded.
func Available() bool {
	readerMu.RLock()
	defer readerMu.RUnlock()
	return reader != nil
}

// CountryCode returns the ISO code GeoLite assigns to ip, preferring the
// registered country over the physical location.
func CountryCode(ip net.IP) (string, error) {
	readerMu.RLock()
	defer readerMu.RUnlock()

	if reader == nil {
		return "", ErrNoDatabase
	}

	record, err := reader.Country(ip)
	if err != nil {
		return "", err
	}
	if code := record.RegisteredCountry.IsoCode; code != "" {
		return strings.ToUpper(code), nil
	}
	return strings.ToUpper(record.Country.IsoCode), nil
}
