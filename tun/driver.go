/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"net"
	"net/netip"
	"sync"
)

// MaxPacketSize bounds a single packet read from any backend.
const MaxPacketSize = 0xffff

// Scratch buffers for reads whose size is not known up front.
var packetPool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxPacketSize)
		return &b
	},
}

func getPacketBuffer() *[]byte {
	return packetPool.Get().(*[]byte)
}

func putPacketBuffer(b *[]byte) {
	packetPool.Put(b)
}

// driver is implemented by sessionDriver and rawDriver. The two differ in
// packet lifecycle, everything above them sees this one contract.
type driver interface {
	read(b []byte) (int, error)
	tryRead(b []byte) (int, error)
	write(b []byte) (int, error)
	tryWrite(b []byte) (int, error)
	tryReadv(bufs [][]byte) (int, error)
	tryWritev(bufs [][]byte) (int, error)
	receive() (*Packet, error)
	tryReceive() (*Packet, error)
	shutdown() error
	close() error

	index() (int, error)
	name() (string, error)
	setName(name string) error
	enable(up bool) error
	address() (netip.Addr, error)
	destination() (netip.Addr, error)
	netmask() (netip.Addr, error)
	mtu() (int, error)
	setMTU(mtu int) error
	macAddress() (net.HardwareAddr, error)
	setMACAddress(mac net.HardwareAddr) error
	pollable() (Pollable, error)
}

func vectorLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// gather joins bufs into the single packet they describe.
func gather(bufs [][]byte) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	pkt := make([]byte, 0, vectorLen(bufs))
	for _, b := range bufs {
		pkt = append(pkt, b...)
	}
	return pkt
}

// scatter spreads pkt over bufs and returns the number of bytes placed.
func scatter(pkt []byte, bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		if len(pkt) == 0 {
			break
		}
		c := copy(b, pkt)
		pkt = pkt[c:]
		n += c
	}
	return n
}

func firstV4(addrs []netip.Addr) (netip.Addr, error) {
	for _, a := range addrs {
		if a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, ErrInvalidConfig
}
