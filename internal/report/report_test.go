package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"rirparser/internal/rir"
)

var records = []rir.Record{
	{CIDR: "2001:db8::/32", Kind: rir.KindIPv6, Country: "ZA"},
	{CIDR: "41.0.0.0/16", Kind: rir.KindIPv4, Country: "ZA"},
	{CIDR: "41.1.0.0/16", Kind: rir.KindIPv4, Country: "ZA"},
	{CIDR: "41.32.0.0/24", Kind: rir.KindIPv4, Country: "EG"},
}

func render(t *testing.T, format Format) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(format, &buf)
	if err != nil {
		t.Fatalf("NewWriter(%s) returned error: %v", format, err)
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write returned error: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	return buf.String()
}

func TestCountryName(t *testing.T) {
	if got := CountryName("za"); got != "South Africa" {
		t.Fatalf("CountryName(za) = %q", got)
	}
	if got := CountryName("QQ"); got != "QQ" {
		t.Fatalf("CountryName(QQ) = %q, want the code back", got)
	}
}

func TestCountriesSortedByName(t *testing.T) {
	list := Countries()
	if len(list) < 249 {
		t.Fatalf("Countries returned %d entries", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("Countries not sorted at %d: %q > %q", i, list[i-1].Name, list[i].Name)
		}
	}
}

func TestListWriter(t *testing.T) {
	want := "2001:db8::/32\tZA\tipv6\n41.0.0.0/16\tZA\tipv4\n41.1.0.0/16\tZA\tipv4\n41.32.0.0/24\tEG\tipv4\n"
	if got := render(t, FormatList); got != want {
		t.Fatalf("list output = %q, want %q", got, want)
	}
}

func TestJSONWriter(t *testing.T) {
	lines := strings.Split(strings.TrimSpace(render(t, FormatJSON)), "\n")
	if len(lines) != 4 {
		t.Fatalf("json output has %d lines", len(lines))
	}
	if lines[0] != `{"range":"2001:db8::/32","kind":"ipv6","country":"ZA"}` {
		t.Fatalf("first json line = %s", lines[0])
	}
}

func TestBindWriter(t *testing.T) {
	want := "acl \"EG\" {\n  41.32.0.0/24;\n};\nacl \"ZA\" {\n  2001:db8::/32;\n  41.0.0.0/16;\n  41.1.0.0/16;\n};\n"
	if got := render(t, FormatBind); got != want {
		t.Fatalf("bind output = %q, want %q", got, want)
	}
}

func TestOpenVPNWriter(t *testing.T) {
	got := render(t, FormatOpenVPN)
	if strings.Contains(got, "2001:db8") {
		t.Fatal("openvpn output contains an IPv6 block")
	}
	if !strings.Contains(got, "push \"route 41.0.0.0 255.255.0.0 net_gateway\"\n") {
		t.Fatalf("missing /16 route in %q", got)
	}
	if !strings.Contains(got, "push \"route 41.32.0.0 255.255.255.0 net_gateway\"\n") {
		t.Fatalf("missing /24 route in %q", got)
	}
}

func TestNewWriterRejectsUnknownFormat(t *testing.T) {
	if _, err := NewWriter("yaml", &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestSummary(t *testing.T) {
	s := NewSummary()
	for _, r := range records {
		if err := s.Add(r); err != nil {
			t.Fatalf("Add returned error: %v", err)
		}
	}
	s.AddCounts("EG", rir.KindIPv4, 1, 256)

	rows := s.Rows()
	if len(rows) != 2 || rows[0].Code != "EG" || rows[1].Code != "ZA" {
		t.Fatalf("Rows = %+v", rows)
	}
	if rows[0].IPv4Blocks != 2 || rows[0].IPv4Addresses != 512 {
		t.Fatalf("EG row = %+v", rows[0])
	}
	if rows[1].IPv4Addresses != 131072 || rows[1].IPv6Blocks != 1 {
		t.Fatalf("ZA row = %+v", rows[1])
	}

	total := s.Total()
	if total.IPv4Blocks != 4 || total.IPv4Addresses != 131584 || total.IPv6Blocks != 1 {
		t.Fatalf("Total = %+v", total)
	}

	s.RefreshedAt = time.Now().Add(-3 * time.Hour)
	var buf bytes.Buffer
	if err := s.Write(&buf); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"South Africa", "Egypt", "131,584", "131,072", "Last refreshed 3 hours ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary output missing %q:\n%s", want, out)
		}
	}
}

func TestSummaryRejectsInvalidBlock(t *testing.T) {
	if err := NewSummary().Add(rir.Record{CIDR: "41.0.0.0", Kind: rir.KindIPv4, Country: "ZA"}); err == nil {
		t.Fatal("expected an error for a block without prefix length")
	}
}
