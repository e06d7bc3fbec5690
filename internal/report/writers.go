package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"strings"

	"rirparser/internal/rir"
)

type Format string

const (
	FormatList    Format = "list"
	FormatBind    Format = "bind"
	FormatOpenVPN Format = "openvpn"
	FormatJSON    Format = "json"
)

// Formats lists the accepted output formats.
var Formats = []Format{FormatList, FormatBind, FormatOpenVPN, FormatJSON}

// RecordWriter renders records. Flush must be called once all records are written.
type RecordWriter interface {
	Write(record rir.Record) error
	Flush() error
}

func NewWriter(format Format, w io.Writer) (RecordWriter, error) {
	bw := bufio.NewWriter(w)
	switch format {
	case FormatList, "":
		return &listWriter{w: bw}, nil
	case FormatJSON:
		return &jsonWriter{w: bw, enc: json.NewEncoder(bw)}, nil
	case FormatBind:
		return &bindWriter{w: bw, acls: make(map[string][]string)}, nil
	case FormatOpenVPN:
		return &openVPNWriter{w: bw}, nil
	default:
		return nil, fmt.Errorf("report: unknown format %q", format)
	}
}

type listWriter struct {
	w *bufio.Writer
}

func (l *listWriter) Write(record rir.Record) error {
	_, err := fmt.Fprintf(l.w, "%s\t%s\t%s\n", record.CIDR, record.Country, record.Kind)
	return err
}

func (l *listWriter) Flush() error {
	return l.w.Flush()
}

type jsonWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func (j *jsonWriter) Write(record rir.Record) error {
	return j.enc.Encode(record)
}

func (j *jsonWriter) Flush() error {
	return j.w.Flush()
}

// bindWriter groups blocks into one BIND acl per country.
type bindWriter struct {
	w    *bufio.Writer
	acls map[string][]string
}

func (b *bindWriter) Write(record rir.Record) error {
	b.acls[record.Country] = append(b.acls[record.Country], record.CIDR)
	return nil
}

func (b *bindWriter) Flush() error {
	countries := make([]string, 0, len(b.acls))
	for c := range b.acls {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	for _, country := range countries {
		if _, err := fmt.Fprintf(b.w, "acl %q {\n", country); err != nil {
			return err
		}
		for _, cidr := range b.acls[country] {
			if _, err := fmt.Fprintf(b.w, "  %s;\n", cidr); err != nil {
				return err
			}
		}
		if _, err := b.w.WriteString("};\n"); err != nil {
			return err
		}
	}
	return b.w.Flush()
}

// openVPNWriter emits push route directives that keep IPv4 blocks off the tunnel.
type openVPNWriter struct {
	w      *bufio.Writer
	header bool
}

func (o *openVPNWriter) Write(record rir.Record) error {
	if record.Kind != rir.KindIPv4 {
		return nil
	}
	if !o.header {
		o.header = true
		if _, err := o.w.WriteString("# Redirect all traffic through VPN\npush \"redirect-gateway def1\"\n\n"); err != nil {
			return err
		}
	}

	addr, bits, err := splitPrefix(record.CIDR)
	if err != nil {
		return err
	}
	mask := net.IP(net.CIDRMask(bits, 32)).String()
	_, err = fmt.Fprintf(o.w, "push \"route %s %s net_gateway\"\n", addr, mask)
	return err
}

func (o *openVPNWriter) Flush() error {
	return o.w.Flush()
}

func splitPrefix(cidr string) (string, int, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return "", 0, fmt.Errorf("report: parse %q: %w", cidr, err)
	}
	return prefix.Addr().String(), prefix.Bits(), nil
}
