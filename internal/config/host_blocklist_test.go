package config

import (
	"reflect"
	"testing"
)

func TestNormalizeHosts(t *testing.T) {
	got := NormalizeHosts([]string{" Example.com ", "https://example.com/path", "", "ftp.ripe.net.", "http://FTP.RIPE.NET:21"})
	want := []string{"example.com", "ftp.ripe.net"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeHosts = %v, want %v", got, want)
	}
}

func TestIsHostBlocked(t *testing.T) {
	orig := GetConfig().Fetch.BlockedHosts
	t.Cleanup(func() { updateHostBlocklist(orig) })

	updateHostBlocklist([]string{"example.org"})

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.org/delegated", true},
		{"https://mirror.example.org/delegated", true},
		{"https://notexample.org/delegated", false},
		{"https://ftp.arin.net/pub/stats/arin/delegated-arin-extended-latest", false},
		{"data/example.org", false},
		{"-", false},
	}
	for _, tc := range cases {
		if got := IsHostBlocked(tc.url); got != tc.want {
			t.Fatalf("IsHostBlocked(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
