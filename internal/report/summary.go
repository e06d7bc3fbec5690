package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"rirparser/internal/rir"
)

// CountryRow holds the totals for one country.
type CountryRow struct {
	Code          string
	Name          string
	IPv4Blocks    int64
	IPv4Addresses int64
	IPv6Blocks    int64
}

// Summary accumulates per-country block counts.
type Summary struct {
	rows map[string]*CountryRow
	// RefreshedAt, when set, is printed as a relative time under the table.
	RefreshedAt time.Time
}

func NewSummary() *Summary {
	return &Summary{rows: make(map[string]*CountryRow)}
}

func (s *Summary) row(code string) *CountryRow {
	r, ok := s.rows[code]
	if !ok {
		r = &CountryRow{Code: code, Name: CountryName(code)}
		s.rows[code] = r
	}
	return r
}

// Add counts one normalized record.
func (s *Summary) Add(record rir.Record) error {
	r := s.row(record.Country)
	switch record.Kind {
	case rir.KindIPv4:
		_, bits, err := splitPrefix(record.CIDR)
		if err != nil {
			return err
		}
		r.IPv4Blocks++
		r.IPv4Addresses += int64(1) << (32 - bits)
	case rir.KindIPv6:
		r.IPv6Blocks++
	}
	return nil
}

// AddCounts merges pre-aggregated totals, such as those read from storage.
func (s *Summary) AddCounts(country string, kind rir.Kind, blocks, addresses int64) {
	r := s.row(country)
	switch kind {
	case rir.KindIPv4:
		r.IPv4Blocks += blocks
		r.IPv4Addresses += addresses
	case rir.KindIPv6:
		r.IPv6Blocks += blocks
	}
}

// Rows returns the countries sorted by name.
func (s *Summary) Rows() []CountryRow {
	rows := make([]CountryRow, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name == rows[j].Name {
			return rows[i].Code < rows[j].Code
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}

// Total sums every row.
func (s *Summary) Total() CountryRow {
	total := CountryRow{Code: "", Name: "Total"}
	for _, r := range s.rows {
		total.IPv4Blocks += r.IPv4Blocks
		total.IPv4Addresses += r.IPv4Addresses
		total.IPv6Blocks += r.IPv6Blocks
	}
	return total
}

// Write prints the summary as an aligned table.
func (s *Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "CODE\tCOUNTRY\tIPV4 BLOCKS\tIPV4 ADDRESSES\tIPV6 BLOCKS\t")
	for _, r := range s.Rows() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			r.Code, r.Name,
			humanize.Comma(r.IPv4Blocks),
			humanize.Comma(r.IPv4Addresses),
			humanize.Comma(r.IPv6Blocks),
		)
	}
	total := s.Total()
	fmt.Fprintf(tw, "\t%s\t%s\t%s\t%s\t\n",
		total.Name,
		humanize.Comma(total.IPv4Blocks),
		humanize.Comma(total.IPv4Addresses),
		humanize.Comma(total.IPv6Blocks),
	)
	if err := tw.Flush(); err != nil {
		return err
	}

	if !s.RefreshedAt.IsZero() {
		if _, err := fmt.Fprintf(w, "\nLast refreshed %s\n", humanize.Time(s.RefreshedAt)); err != nil {
			return err
		}
	}
	return nil
}
