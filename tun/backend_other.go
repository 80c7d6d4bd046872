//go:build !linux && !windows

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import "net/netip"

const separateFamilyMTU = false

type unsupportedBackend struct{}

// DefaultBackend returns a backend whose devices all fail with ErrUnsupported.
func DefaultBackend() Backend {
	return unsupportedBackend{}
}

func (unsupportedBackend) OpenSession(Config) (Adapter, Session, error) {
	return nil, nil, ErrUnsupported
}

func (unsupportedBackend) OpenRaw(Config) (RawHandle, bool, error) {
	return nil, false, ErrUnsupported
}

func (unsupportedBackend) Configurator() Configurator {
	return unsupportedConfigurator{}
}

type unsupportedConfigurator struct{}

func (unsupportedConfigurator) SetMetric(int, int) error { return ErrUnsupported }
func (unsupportedConfigurator) SetMTU(int, Family, int) error { return ErrUnsupported }
func (unsupportedConfigurator) SetTxQueueLen(int, int) error { return ErrUnsupported }
func (unsupportedConfigurator) AddAddress(int, netip.Addr, int) error { return ErrUnsupported }
func (unsupportedConfigurator) SetAddress(int, netip.Addr, int, netip.Addr) error {
	return ErrUnsupported
}
