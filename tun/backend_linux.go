/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Linux has one MTU per link.
const separateFamilyMTU = false

const cloneDevicePath = "/dev/net/tun"

type linuxBackend struct{}

// DefaultBackend returns the backend of the running platform.
func DefaultBackend() Backend {
	return linuxBackend{}
}

// OpenSession fails, Linux has no ring session driver. L3 devices fall back
// to a tun file descriptor.
func (linuxBackend) OpenSession(Config) (Adapter, Session, error) {
	return nil, nil, ErrUnsupported
}

func tunFlags(cfg Config) uint16 {
	var flags uint16 = unix.IFF_TUN
	if cfg.Layer() == LayerL2 {
		flags = unix.IFF_TAP
	}
	if !cfg.PacketInformation() {
		flags |= unix.IFF_NO_PI
	}
	if cfg.MultiQueue() {
		flags |= unix.IFF_MULTI_QUEUE
	}
	if cfg.Offload() {
		flags |= unix.IFF_VNET_HDR
	}
	return flags
}

// OpenRaw attaches to the named interface or has the kernel create one.
// The kernel names the device itself, so it is never fresh.
func (linuxBackend) OpenRaw(cfg Config) (RawHandle, bool, error) {
	name, named := cfg.Name()
	if !named {
		name = "tun%d"
		if cfg.Layer() == LayerL2 {
			name = "tap%d"
		}
	}

	fd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", cloneDevicePath, err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, false, fmt.Errorf("%w: interface name %q: %w", ErrInvalidConfig, name, err)
	}
	ifr.SetUint16(tunFlags(cfg))
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(fd)
		return nil, false, os.NewSyscallError("TUNSETIFF", err)
	}
	if cfg.Offload() {
		err = unix.IoctlSetInt(fd, unix.TUNSETOFFLOAD, unix.TUN_F_CSUM|unix.TUN_F_TSO4|unix.TUN_F_TSO6)
		if err != nil {
			unix.Close(fd)
			return nil, false, os.NewSyscallError("TUNSETOFFLOAD", err)
		}
	}

	h, err := newFdHandle(fd, ifr.Name())
	if err != nil {
		unix.Close(fd)
		return nil, false, err
	}
	return h, false, nil
}

func (linuxBackend) Configurator() Configurator {
	return netlinkConfigurator{}
}
