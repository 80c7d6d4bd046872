/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

// Windows keeps an MTU per IP family.
const separateFamilyMTU = true

type windowsBackend struct {
	runner CommandRunner
	netsh  NetshConfigurator
}

// DefaultBackend returns the backend of the running platform. L3 devices run
// on wintun sessions, L2 devices on tap-windows6 handles.
func DefaultBackend() Backend {
	runner := ExecRunner{}
	return windowsBackend{runner: runner, netsh: NetshConfigurator{Runner: runner}}
}

func (b windowsBackend) OpenSession(cfg Config) (Adapter, Session, error) {
	return openWintun(cfg, b.netsh)
}

func (b windowsBackend) OpenRaw(cfg Config) (RawHandle, bool, error) {
	return openTap(cfg, b.runner, b.netsh)
}

func (b windowsBackend) Configurator() Configurator {
	return b.netsh
}
