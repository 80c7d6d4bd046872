/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"net"
	"net/netip"
)

// Family selects the IP family of a per-family setting.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Adapter is the vendor adapter a Session runs on.
type Adapter interface {
	Index() (int, error)
	Name() (string, error)
	SetName(name string) error
	MTU() (int, error)
	SetMTU(mtu int) error
	// Addresses returns the unicast addresses assigned to the adapter.
	Addresses() ([]netip.Addr, error)
	// Gateways returns the next hops of routes through the adapter.
	Gateways() ([]netip.Addr, error)
	// NetmaskOf returns the netmask of an address assigned to the adapter.
	NetmaskOf(addr netip.Addr) (netip.Addr, error)
	Close() error
}

// Session exchanges packets with the vendor driver through its ring.
//
// Packets returned by ReceiveBlocking and TryReceive are owned by the
// session until given back with ReleaseReceivePacket.
type Session interface {
	// ReceiveBlocking waits for a packet. It fails once the session is shut down.
	ReceiveBlocking() ([]byte, error)
	// TryReceive returns nil without error when no packet is queued.
	TryReceive() ([]byte, error)
	ReleaseReceivePacket(packet []byte)
	// AllocateSendPacket fails with an error matching ErrRingFull when the
	// ring is saturated.
	AllocateSendPacket(size int) ([]byte, error)
	SendPacket(packet []byte)
	Shutdown() error
	Close() error
}

// RawHandle is a device handle read and written directly with caller buffers.
type RawHandle interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	// TryRead and TryWrite fail with ErrWouldBlock instead of waiting.
	TryRead(b []byte) (int, error)
	TryWrite(b []byte) (int, error)
	Index() (int, error)
	Name() (string, error)
	SetName(name string) error
	Up() error
	Down() error
	MACAddress() (net.HardwareAddr, error)
	SetMACAddress(mac net.HardwareAddr) error
	MTU() (int, error)
	SetMTU(mtu int) error
	Address() (netip.Addr, error)
	Destination() (netip.Addr, error)
	Netmask() (netip.Addr, error)
	// Shutdown makes pending and future reads fail with ErrConnectionAborted.
	Shutdown() error
	Close() error
}

// Pollable is implemented by handles that can be registered with a Reactor.
// The descriptor must be in non-blocking mode.
type Pollable interface {
	Fd() int
}

// VectoredHandle is implemented by handles with native scatter/gather I/O.
type VectoredHandle interface {
	TryReadv(bufs [][]byte) (int, error)
	TryWritev(bufs [][]byte) (int, error)
}

// Configurator applies interface settings the native handle does not cover.
type Configurator interface {
	SetMetric(index int, metric int) error
	SetMTU(index int, family Family, mtu int) error
	SetTxQueueLen(index int, qlen int) error
	// SetAddress replaces the address of the interface. gateway is optional.
	SetAddress(index int, addr netip.Addr, prefix int, gateway netip.Addr) error
	AddAddress(index int, addr netip.Addr, prefix int) error
}

// Backend creates the native resources devices are built on.
type Backend interface {
	// OpenSession opens the adapter named by cfg, or creates it, and starts
	// a session on it. Backends without session drivers return ErrUnsupported.
	OpenSession(cfg Config) (Adapter, Session, error)
	// OpenRaw opens or creates a raw handle. fresh is true when the handle was
	// just created and does not carry the requested name yet.
	OpenRaw(cfg Config) (h RawHandle, fresh bool, err error)
	Configurator() Configurator
}
