package domain

import (
	"fmt"
	"net/netip"

	"rirparser/internal/rir"
)

// AddressRange is one normalized block from a registry feed.
type AddressRange struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Registry string `gorm:"size:32;not null;index:idx_address_range_registry_country,priority:1"`
	Country  string `gorm:"size:8;not null;index:idx_address_range_registry_country,priority:2;index"`
	Kind     string `gorm:"size:8;not null;index"`
	CIDR     string `gorm:"size:64;not null"`

	// StartIP is only set for IPv4 blocks.
	StartIP   uint32 `gorm:"not null;default:0;index"`
	PrefixLen uint8  `gorm:"not null"`

	RunID string `gorm:"size:36;not null;index"`
}

// NewAddressRange converts a pipeline record into its stored form.
func NewAddressRange(registry, runID string, record rir.Record) (AddressRange, error) {
	prefix, err := netip.ParsePrefix(record.CIDR)
	if err != nil {
		return AddressRange{}, fmt.Errorf("domain: parse block %q: %w", record.CIDR, err)
	}

	ar := AddressRange{
		Registry:  registry,
		Country:   record.Country,
		Kind:      string(record.Kind),
		CIDR:      record.CIDR,
		PrefixLen: uint8(prefix.Bits()),
		RunID:     runID,
	}
	if prefix.Addr().Is4() {
		b := prefix.Addr().As4()
		ar.StartIP = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
	return ar, nil
}

// Record converts the stored block back into a pipeline record.
func (a AddressRange) Record() rir.Record {
	return rir.Record{CIDR: a.CIDR, Kind: rir.Kind(a.Kind), Country: a.Country}
}

// Size returns the number of addresses an IPv4 block covers, or 0 for IPv6.
func (a AddressRange) Size() uint64 {
	if a.Kind != string(rir.KindIPv4) || a.PrefixLen > 32 {
		return 0
	}
	return 1 << (32 - uint(a.PrefixLen))
}
