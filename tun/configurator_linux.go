/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"github.com/vishvananda/netlink"
)

// procIPv6Conf is where the kernel exposes per interface IPv6 settings.
var procIPv6Conf = "/proc/sys/net/ipv6/conf"

// netlinkConfigurator configures links over rtnetlink.
type netlinkConfigurator struct{}

// SetMetric fails, Linux keeps metrics on routes rather than links.
func (netlinkConfigurator) SetMetric(int, int) error {
	return ErrUnsupported
}

func (netlinkConfigurator) SetMTU(index int, family Family, mtu int) error {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return err
	}
	if family == FamilyV6 {
		path := filepath.Join(procIPv6Conf, link.Attrs().Name, "mtu")
		return os.WriteFile(path, []byte(strconv.Itoa(mtu)), 0644)
	}
	return netlink.LinkSetMTU(link, mtu)
}

func (netlinkConfigurator) SetTxQueueLen(index int, qlen int) error {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return err
	}
	return netlink.LinkSetTxQLen(link, qlen)
}

func ipNet(addr netip.Addr, prefix int) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(prefix, addr.BitLen()),
	}
}

// SetAddress replaces every IPv4 address on the link. A gateway becomes the
// point to point peer.
func (netlinkConfigurator) SetAddress(index int, addr netip.Addr, prefix int, gateway netip.Addr) error {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return err
	}
	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return err
	}
	for i := range existing {
		err = netlink.AddrDel(link, &existing[i])
		if err != nil {
			return fmt.Errorf("failed to remove address %s: %w", existing[i].IPNet, err)
		}
	}

	a := &netlink.Addr{IPNet: ipNet(addr, prefix)}
	if gateway.IsValid() {
		a.Peer = ipNet(gateway, gateway.BitLen())
	}
	return netlink.AddrAdd(link, a)
}

func (netlinkConfigurator) AddAddress(index int, addr netip.Addr, prefix int) error {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet(addr, prefix)})
}
