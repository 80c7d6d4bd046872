/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import "sync"

// Packet is one received packet. Session packets borrow driver memory and
// must be released; raw packets own a copy. Do not rely on either.
type Packet struct {
	data    []byte
	release func([]byte)
	once    sync.Once
}

func borrowedPacket(data []byte, release func([]byte)) *Packet {
	return &Packet{data: data, release: release}
}

func ownedPacket(data []byte) *Packet {
	return &Packet{data: data}
}

// Bytes returns the packet contents. They are invalid after Release.
func (p *Packet) Bytes() []byte {
	return p.data
}

func (p *Packet) Len() int {
	return len(p.data)
}

// Borrowed reports whether the packet memory belongs to the driver.
func (p *Packet) Borrowed() bool {
	return p.release != nil
}

// Release returns borrowed memory to the driver. Safe to call more than once.
func (p *Packet) Release() {
	p.once.Do(func() {
		if p.release != nil {
			p.release(p.data)
		}
		p.data = nil
	})
}
