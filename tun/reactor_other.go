//go:build !linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

// DefaultReactor is only available on Linux. Elsewhere pass a Reactor to
// NewAsyncDevice or Builder.BuildAsyncWith.
func DefaultReactor() (Reactor, error) {
	return nil, ErrUnsupported
}
