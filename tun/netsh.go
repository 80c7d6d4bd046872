/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"net/netip"
	"strconv"
)

// NetshConfigurator configures Windows interfaces by running netsh.
type NetshConfigurator struct {
	Runner CommandRunner
}

func (c NetshConfigurator) run(args []string) error {
	_, err := c.Runner.Run("netsh", args...)
	return err
}

func familyArg(f Family) string {
	if f == FamilyV6 {
		return "ipv6"
	}
	return "ipv4"
}

func netshRenameArgs(oldName, newName string) []string {
	return []string{"interface", "set", "interface", "name=" + oldName, "newname=" + newName}
}

func netshMetricArgs(index, metric int) []string {
	return []string{"interface", "ip", "set", "interface", strconv.Itoa(index), "metric=" + strconv.Itoa(metric)}
}

func netshAddressArgs(index int, addr, mask, gateway netip.Addr) []string {
	family := FamilyV4
	if addr.Is6() {
		family = FamilyV6
	}
	args := []string{
		"interface", familyArg(family), "set", "address", strconv.Itoa(index),
		"source=static",
		"address=" + addr.String(),
		"mask=" + mask.String(),
	}
	if gateway.IsValid() {
		args = append(args, "gateway="+gateway.String())
	}
	return args
}

func netshAddAddressArgs(index int, addr netip.Addr, prefix int) []string {
	return []string{
		"interface", "ipv6", "add", "address", strconv.Itoa(index),
		netip.PrefixFrom(addr, prefix).String(),
	}
}

func netshMTUArgs(index int, family Family, mtu int) []string {
	return []string{
		"interface", familyArg(family), "set", "subinterface", strconv.Itoa(index),
		"mtu=" + strconv.Itoa(mtu), "store=persistent",
	}
}

// Rename renames an interface.
func (c NetshConfigurator) Rename(oldName, newName string) error {
	return c.run(netshRenameArgs(oldName, newName))
}

func (c NetshConfigurator) SetMetric(index int, metric int) error {
	return c.run(netshMetricArgs(index, metric))
}

// SetMTU stores the MTU persistently.
func (c NetshConfigurator) SetMTU(index int, family Family, mtu int) error {
	return c.run(netshMTUArgs(index, family, mtu))
}

func (c NetshConfigurator) SetTxQueueLen(int, int) error {
	return ErrUnsupported
}

func (c NetshConfigurator) SetAddress(index int, addr netip.Addr, prefix int, gateway netip.Addr) error {
	mask, err := Netmask(addr, prefix)
	if err != nil {
		return err
	}
	return c.run(netshAddressArgs(index, addr, mask, gateway))
}

func (c NetshConfigurator) AddAddress(index int, addr netip.Addr, prefix int) error {
	return c.run(netshAddAddressArgs(index, addr, prefix))
}
