// Package geolite cross-checks registry country assignments against a MaxMind
// GeoLite2 country database.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"rirparser/internal/rir"
)

const maxSamples = 20

// Mismatch is a block whose GeoLite country differs from the registry's.
type Mismatch struct {
	CIDR     string
	Registry string
	GeoLite  string
}

type VerifyResult struct {
	Checked    int
	Mismatched int
	// Unknown counts blocks GeoLite has no country for.
	Unknown int
	Samples []Mismatch
}

// MismatchRate is the share of checked blocks whose country disagrees.
func (r VerifyResult) MismatchRate() float64 {
	known := r.Checked - r.Unknown
	if known <= 0 {
		return 0
	}
	return float64(r.Mismatched) / float64(known)
}

// Verify looks up the first address of every block. Records with the
// registry placeholder country "ZZ" or "EU" are skipped.
func Verify(records []rir.Record) (VerifyResult, error) {
	var result VerifyResult
	if !Available() {
		return result, ErrNoDatabase
	}

	for _, r := range records {
		if r.Country == "ZZ" || r.Country == "EU" {
			continue
		}

		prefix, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			return result, fmt.Errorf("geolite: parse %q: %w", r.CIDR, err)
		}

		code, err := CountryCode(net.IP(prefix.Addr().AsSlice()))
		if err != nil {
			if errors.Is(err, ErrNoDatabase) {
				return result, err
			}
			return result, fmt.Errorf("geolite: lookup %s: %w", r.CIDR, err)
		}

		result.Checked++
		switch {
		case code == "":
			result.Unknown++
		case code != r.Country:
			result.Mismatched++
			if len(result.Samples) < maxSamples {
				result.Samples = append(result.Samples, Mismatch{CIDR: r.CIDR, Registry: r.Country, GeoLite: code})
			}
		}
	}
	return result, nil
}
