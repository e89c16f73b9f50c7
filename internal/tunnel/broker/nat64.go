package broker

import (
	"fmt"
	"net/netip"
)

// SynthesizeNAT64 将 IPv4 地址嵌入 /96 前缀的低 32 位 (RFC 6052)
func SynthesizeNAT64(prefix netip.Prefix, v4 netip.Addr) (netip.Addr, error) {
	v4 = v4.Unmap()
	if !v4.Is4() {
		return netip.Addr{}, fmt.Errorf("nat64: %s is not an IPv4 address", v4)
	}
	if !prefix.Addr().Is6() || prefix.Bits() != 96 {
		return netip.Addr{}, fmt.Errorf("nat64: prefix %s must be an IPv6 /96", prefix)
	}
	a16 := prefix.Masked().Addr().As16()
	a4 := v4.As4()
	copy(a16[12:], a4[:])
	return netip.AddrFrom16(a16), nil
}
