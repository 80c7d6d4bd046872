/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors, raised before any native resource is touched.
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrAddressFamily  = errors.New("address family mismatch")
	ErrInvalidPrefix  = errors.New("invalid IP prefix length")
	ErrInvalidNetmask = errors.New("invalid netmask")
)

var (
	// ErrUnsupported is returned when an operation is not available for the
	// device's layer or platform.
	ErrUnsupported = errors.New("operation not supported")

	// ErrWouldBlock is the transient error of the try variants.
	ErrWouldBlock = errors.New("operation would block")

	// ErrConnectionAborted is returned by reads that were in flight, or
	// started, after Shutdown.
	ErrConnectionAborted = errors.New("connection aborted")

	// ErrRingFull is returned by a Session when no send packet can be
	// allocated because the ring is saturated.
	ErrRingFull = errors.New("send ring full")

	// ErrInvalidConfig is returned when a device has no value for a queried
	// property or the configuration can not be satisfied.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// CommandError is returned when an OS configuration command exits unsuccessfully.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("cmd=%q, out=%q", strings.Join(e.Args, " "), e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
