package rir

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Codec converts between dotted IPv4 text and its 32-bit integer value.
type Codec interface {
	ParseIPv4(s string) (uint32, error)
	FormatIPv4(v uint32) string
}

// DefaultCodec is backed by net/netip.
var DefaultCodec Codec = netipCodec{}

type netipCodec struct{}

func (netipCodec) ParseIPv4(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("%q is not an IPv4 address", s)
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

func (netipCodec) FormatIPv4(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b).String()
}
