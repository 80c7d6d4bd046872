/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Layer is the OSI layer a device operates at.
type Layer int

const (
	// LayerL3 is a network layer (TUN) device. It is the default.
	LayerL3 Layer = iota
	// LayerL2 is a link layer (TAP) device.
	LayerL2
)

func (l Layer) String() string {
	switch l {
	case LayerL2:
		return "L2"
	case LayerL3:
		return "L3"
	}
	return fmt.Sprintf("Layer(%d)", int(l))
}

// ParseLayer accepts "l2"/"tap" and "l3"/"tun", case insensitive. The empty
// string is the default layer.
func ParseLayer(s string) (Layer, error) {
	switch strings.ToLower(s) {
	case "", "l3", "tun":
		return LayerL3, nil
	case "l2", "tap":
		return LayerL2, nil
	}
	return 0, fmt.Errorf("%w: unknown layer %q", ErrInvalidConfig, s)
}

// DefaultName is used for freshly created adapters when no name was requested.
const DefaultName = "tun3"

// Config is the snapshot of settings needed to create the native resource.
// It is produced by a Builder and does not change afterwards.
type Config struct {
	name              string
	named             bool
	layer             Layer
	deviceGUID        uuid.UUID
	wintunFile        string
	ringCapacity      uint32
	packetInformation bool
	offload           bool
	multiQueue        bool
}

// Name returns the requested device name and whether one was requested.
func (c Config) Name() (string, bool) {
	return c.name, c.named
}

// NameOrDefault returns the requested name or DefaultName.
func (c Config) NameOrDefault() string {
	if c.named {
		return c.name
	}
	return DefaultName
}

func (c Config) Layer() Layer {
	return c.layer
}

// DeviceGUID is the requested Windows adapter GUID, uuid.Nil when unset.
func (c Config) DeviceGUID() uuid.UUID {
	return c.deviceGUID
}

// WintunFile is the path of a specific wintun library to load.
func (c Config) WintunFile() string {
	return c.wintunFile
}

// RingCapacity is the session ring size, 0 for the backend default.
func (c Config) RingCapacity() uint32 {
	return c.ringCapacity
}

// PacketInformation reports whether reads and writes carry the 4 byte
// packet information header.
func (c Config) PacketInformation() bool {
	return c.packetInformation
}

// Offload reports whether TUN offloads are requested. Packets then carry a
// virtio net header.
func (c Config) Offload() bool {
	return c.offload
}

func (c Config) MultiQueue() bool {
	return c.multiQueue
}
