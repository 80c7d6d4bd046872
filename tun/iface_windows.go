/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

// Interface lookups shared by the wintun adapter and tap handles.

func interfaceIndex(luid winipcfg.LUID) (int, error) {
	row, err := luid.Interface()
	if err != nil {
		return 0, err
	}
	return int(row.InterfaceIndex), nil
}

func interfaceAlias(luid winipcfg.LUID) (string, error) {
	row, err := luid.Interface()
	if err != nil {
		return "", err
	}
	return row.Alias(), nil
}

func interfaceMTU(luid winipcfg.LUID) (int, error) {
	ipif, err := luid.IPInterface(windows.AF_INET)
	if err != nil {
		return 0, err
	}
	return int(ipif.NLMTU), nil
}

// setInterfaceMTU sets the IPv4 MTU. The IPv6 one is kept apart on Windows.
func setInterfaceMTU(luid winipcfg.LUID, mtu int) error {
	ipif, err := luid.IPInterface(windows.AF_INET)
	if err != nil {
		return err
	}
	ipif.NLMTU = uint32(mtu)
	return ipif.Set()
}

func addrFromSocketAddress(sockAddr windows.SocketAddress) netip.Addr {
	ip := sockAddr.IP()
	ip4 := ip.To4()
	var addr netip.Addr
	if ip4 != nil {
		addr = netip.AddrFrom4([4]byte(ip4))
	} else {
		addr = netip.AddrFrom16([16]byte(ip))
	}
	return addr
}

// unicastPrefixes returns the unicast addresses of the interface with their
// on link prefix lengths.
func unicastPrefixes(luid winipcfg.LUID) ([]netip.Prefix, error) {
	ipAdapters, err := winipcfg.GetAdaptersAddresses(windows.AF_UNSPEC, winipcfg.GAAFlagSkipAnycast|winipcfg.GAAFlagSkipMulticast|winipcfg.GAAFlagSkipDNSServer|winipcfg.GAAFlagSkipFriendlyName|winipcfg.GAAFlagSkipDNSInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to get IP adapters: %w", err)
	}
	var prefixes []netip.Prefix
	for _, ipAdapter := range ipAdapters {
		if ipAdapter.LUID != luid {
			continue
		}
		for unicast := ipAdapter.FirstUnicastAddress; unicast != nil; unicast = unicast.Next {
			addr := addrFromSocketAddress(unicast.Address)
			prefixes = append(prefixes, netip.PrefixFrom(addr, int(unicast.OnLinkPrefixLength)))
		}
	}
	return prefixes, nil
}

func unicastAddresses(luid winipcfg.LUID) ([]netip.Addr, error) {
	prefixes, err := unicastPrefixes(luid)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, len(prefixes))
	for i, p := range prefixes {
		addrs[i] = p.Addr()
	}
	return addrs, nil
}

// gateways returns the next hops of routes through the interface.
func gateways(luid winipcfg.LUID) ([]netip.Addr, error) {
	rows, err := winipcfg.GetIPForwardTable2(windows.AF_UNSPEC)
	if err != nil {
		return nil, fmt.Errorf("failed to get routes: %w", err)
	}
	var hops []netip.Addr
	for i := range rows {
		if rows[i].InterfaceLUID != luid {
			continue
		}
		hop := rows[i].NextHop.Addr()
		if hop.IsValid() && !hop.IsUnspecified() {
			hops = append(hops, hop)
		}
	}
	return hops, nil
}

func netmaskOf(luid winipcfg.LUID, addr netip.Addr) (netip.Addr, error) {
	prefixes, err := unicastPrefixes(luid)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, p := range prefixes {
		if p.Addr() == addr {
			return Netmask(addr, p.Bits())
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s is not assigned", ErrInvalidAddress, addr)
}
