package config

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// hostBlocklistSet holds normalized hostnames that feeds must never be fetched from.
var hostBlocklistSet atomic.Value

func init() {
	hostBlocklistSet.Store(make(map[string]struct{}))
}

// NormalizeHosts trims, lowercases, and deduplicates host entries.
func NormalizeHosts(entries []string) []string {
	unique := make(map[string]struct{}, len(entries))
	normalized := make([]string, 0, len(entries))

	for _, raw := range entries {
		host := normalizeHostname(raw)
		if host == "" {
			continue
		}
		if _, exists := unique[host]; exists {
			continue
		}
		unique[host] = struct{}{}
		normalized = append(normalized, host)
	}

	return normalized
}

func updateHostBlocklist(entries []string) {
	normalized := NormalizeHosts(entries)
	set := make(map[string]struct{}, len(normalized))
	for _, host := range normalized {
		set[host] = struct{}{}
	}
	hostBlocklistSet.Store(set)
}

// IsHostBlocked reports whether the URL's host, or one of its parent domains,
// is on the configured blocklist. Local paths are never blocked.
func IsHostBlocked(rawURL string) bool {
	if !strings.Contains(rawURL, "://") {
		return false
	}

	blocked := hostBlocklistSet.Load().(map[string]struct{})
	if len(blocked) == 0 {
		return false
	}

	host := normalizeHostname(rawURL)
	if host == "" {
		return false
	}
	if _, ok := blocked[host]; ok {
		return true
	}
	for entry := range blocked {
		if strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func normalizeHostname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	// bare hostnames need a scheme for url.Parse
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.Trim(host, ".")
}
