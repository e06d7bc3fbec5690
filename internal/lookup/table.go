// Package lookup answers "which country was this address delegated to" from
// normalized feed records.
package lookup

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"rirparser/internal/rir"
)

// Table is an immutable longest-prefix-match table.
type Table struct {
	routes *bart.Table[string]
	size   int
}

// Build indexes records by prefix. Later records win for identical prefixes.
func Build(records []rir.Record) (*Table, error) {
	b := NewBuilder()
	for _, r := range records {
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	return b.Table(), nil
}

// Builder accumulates records for a Table.
type Builder struct {
	routes *bart.Table[string]
	size   int
}

func NewBuilder() *Builder {
	return &Builder{routes: new(bart.Table[string])}
}

func (b *Builder) Add(r rir.Record) error {
	prefix, err := netip.ParsePrefix(r.CIDR)
	if err != nil {
		return fmt.Errorf("lookup: parse %q: %w", r.CIDR, err)
	}
	b.routes.Insert(prefix.Masked(), r.Country)
	b.size++
	return nil
}

func (b *Builder) Table() *Table {
	return &Table{routes: b.routes, size: b.size}
}

// Lookup returns the country of the most specific block containing addr.
func (t *Table) Lookup(addr netip.Addr) (string, bool) {
	if t == nil || t.routes == nil {
		return "", false
	}
	return t.routes.Lookup(addr.Unmap())
}

// Len is the number of records added.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

var current atomic.Pointer[Table]

// Swap publishes a new table for Lookup.
func Swap(t *Table) {
	current.Store(t)
}

// Current returns the published table, nil before the first Swap.
func Current() *Table {
	return current.Load()
}

// Lookup parses ip and resolves it against the published table.
func Lookup(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	return Current().Lookup(addr)
}
