/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"fmt"
	"math/bits"
	"net"
	"net/netip"
)

// ToIPv4 converts v into an IPv4 address. Accepted are netip.Addr, net.IP,
// [4]byte and string. A generic address holding IPv6 is a family mismatch,
// not something to be converted.
func ToIPv4(v any) (netip.Addr, error) {
	switch a := v.(type) {
	case [4]byte:
		return netip.AddrFrom4(a), nil
	case netip.Addr:
		if !a.IsValid() {
			return netip.Addr{}, ErrInvalidAddress
		}
		if !a.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", ErrAddressFamily, a)
		}
		return a, nil
	case net.IP:
		if ip4 := a.To4(); ip4 != nil {
			return netip.AddrFrom4([4]byte(ip4)), nil
		}
		if len(a) == net.IPv6len {
			return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", ErrAddressFamily, a)
		}
		return netip.Addr{}, ErrInvalidAddress
	case string:
		addr, err := netip.ParseAddr(a)
		if err != nil || !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: invalid IPv4 string %q", ErrInvalidAddress, a)
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAddress, v)
}

// ToIPv6 converts v into an IPv6 address. Accepted are netip.Addr, net.IP,
// [16]byte and string.
func ToIPv6(v any) (netip.Addr, error) {
	switch a := v.(type) {
	case [16]byte:
		return netip.AddrFrom16(a), nil
	case netip.Addr:
		if !a.IsValid() {
			return netip.Addr{}, ErrInvalidAddress
		}
		if !a.Is6() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not IPv6", ErrAddressFamily, a)
		}
		return a, nil
	case net.IP:
		if len(a) != net.IPv6len && len(a) != net.IPv4len {
			return netip.Addr{}, ErrInvalidAddress
		}
		if a.To4() != nil {
			return netip.Addr{}, fmt.Errorf("%w: %s is not IPv6", ErrAddressFamily, a)
		}
		return netip.AddrFrom16([16]byte(a)), nil
	case string:
		addr, err := netip.ParseAddr(a)
		if err != nil || !addr.Is6() {
			return netip.Addr{}, fmt.Errorf("%w: invalid IPv6 string %q", ErrInvalidAddress, a)
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAddress, v)
}

// IPv4PrefixLen converts v into an IPv4 prefix length. v is either an integer
// or a netmask given as netip.Addr, net.IP, net.IPMask or string.
func IPv4PrefixLen(v any) (int, error) {
	return prefixLen(v, 32)
}

// IPv6PrefixLen converts v into an IPv6 prefix length.
func IPv6PrefixLen(v any) (int, error) {
	return prefixLen(v, 128)
}

func prefixLen(v any, width int) (int, error) {
	var n int64
	switch p := v.(type) {
	case int:
		n = int64(p)
	case int8:
		n = int64(p)
	case int16:
		n = int64(p)
	case int32:
		n = int64(p)
	case int64:
		n = p
	case uint:
		n = int64(p)
	case uint8:
		n = int64(p)
	case uint16:
		n = int64(p)
	case uint32:
		n = int64(p)
	case uint64:
		if p > uint64(width) {
			return 0, fmt.Errorf("%w: %d", ErrInvalidPrefix, p)
		}
		n = int64(p)
	case netip.Addr:
		return maskPrefixLen(p, width)
	case net.IP:
		addr, ok := netip.AddrFromSlice(p)
		if !ok {
			return 0, ErrInvalidNetmask
		}
		if width == 32 {
			addr = addr.Unmap()
		}
		return maskPrefixLen(addr, width)
	case net.IPMask:
		if len(p)*8 != width {
			return 0, fmt.Errorf("%w: %d bit mask for %d bit family", ErrAddressFamily, len(p)*8, width)
		}
		return contiguousOnes(p)
	case string:
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid netmask string %q", ErrInvalidNetmask, p)
		}
		return maskPrefixLen(addr, width)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidNetmask, v)
	}
	if n < 0 || n > int64(width) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPrefix, n)
	}
	return int(n), nil
}

func maskPrefixLen(mask netip.Addr, width int) (int, error) {
	if !mask.IsValid() {
		return 0, ErrInvalidNetmask
	}
	if mask.BitLen() != width {
		return 0, fmt.Errorf("%w: %s used as a %d bit mask", ErrAddressFamily, mask, width)
	}
	return contiguousOnes(mask.AsSlice())
}

// PrefixLenOf returns the prefix length of a netmask of either family.
func PrefixLenOf(mask netip.Addr) (int, error) {
	if !mask.IsValid() {
		return 0, ErrInvalidNetmask
	}
	return contiguousOnes(mask.AsSlice())
}

// A netmask is valid only when all of its set bits lead.
func contiguousOnes(mask []byte) (int, error) {
	leading, total := 0, 0
	run := true
	for _, b := range mask {
		total += bits.OnesCount8(b)
		if run {
			l := bits.LeadingZeros8(^b)
			leading += l
			run = l == 8
		}
	}
	if leading != total {
		return 0, fmt.Errorf("%w: %v", ErrInvalidNetmask, net.IP(mask))
	}
	return leading, nil
}

// IPv4Netmask returns the IPv4 netmask with prefix leading ones.
func IPv4Netmask(prefix int) (netip.Addr, error) {
	if prefix < 0 || prefix > 32 {
		return netip.Addr{}, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
	}
	return netip.AddrFrom4([4]byte(net.CIDRMask(prefix, 32))), nil
}

// IPv6Netmask returns the IPv6 netmask with prefix leading ones.
func IPv6Netmask(prefix int) (netip.Addr, error) {
	if prefix < 0 || prefix > 128 {
		return netip.Addr{}, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
	}
	return netip.AddrFrom16([16]byte(net.CIDRMask(prefix, 128))), nil
}

// Netmask returns the netmask of prefix in the family of addr.
func Netmask(addr netip.Addr, prefix int) (netip.Addr, error) {
	if addr.Is4() {
		return IPv4Netmask(prefix)
	}
	return IPv6Netmask(prefix)
}
