// Package rir parses Regional Internet Registry delegation statistics and
// normalizes IPv4 allocations into canonical CIDR blocks.
//
// The statistics format is described at https://www.nro.net/statistics.
// Each relevant line looks like
//
//	afrinic|ZA|ipv4|41.0.0.0|65536|20070101|allocated
//
// IPv6 lines are already prefix-expressed and pass through unchanged. IPv4
// lines carry a start address and an address count that need not fall on a
// bit-aligned boundary, so they are staged until the whole feed has been
// read, merged with adjacent same-country allocations and then decomposed
// into /8, /16, /24 and /32 blocks.
package rir

// Kind is the address family of a Record.
type Kind string

const (
	KindIPv4 Kind = "ipv4"
	KindIPv6 Kind = "ipv6"
)

// Record is a single address range delegated to a country.
type Record struct {
	CIDR    string `json:"range"`
	Kind    Kind   `json:"kind"`
	Country string `json:"country"`
}

// Interval is a half-open IPv4 range [Start, End) delegated to one country.
// End is kept as uint64 so the top of the address space (2^32) is representable.
type Interval struct {
	Start   uint32
	End     uint64
	Country string
}

// Size returns the number of addresses covered by the interval.
func (iv Interval) Size() uint64 {
	end := clampEnd(iv.End)
	if end <= uint64(iv.Start) {
		return 0
	}
	return end - uint64(iv.Start)
}

const addressSpace = uint64(1) << 32

func clampEnd(end uint64) uint64 {
	if end > addressSpace {
		return addressSpace
	}
	return end
}
