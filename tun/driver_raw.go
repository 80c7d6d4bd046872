/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// rawDriver reads and writes a RawHandle with the caller's buffers.
type rawDriver struct {
	h         RawHandle
	shut      atomic.Bool
	closeOnce sync.Once
}

// Errors of reads racing a shutdown are reported as aborted.
func (d *rawDriver) readErr(err error) error {
	if err == nil || errors.Is(err, ErrConnectionAborted) {
		return err
	}
	if d.shut.Load() {
		return fmt.Errorf("%w: %w", ErrConnectionAborted, err)
	}
	return err
}

func (d *rawDriver) read(b []byte) (int, error) {
	if d.shut.Load() {
		return 0, ErrConnectionAborted
	}
	n, err := d.h.Read(b)
	return n, d.readErr(err)
}

func (d *rawDriver) tryRead(b []byte) (int, error) {
	if d.shut.Load() {
		return 0, ErrConnectionAborted
	}
	n, err := d.h.TryRead(b)
	if errors.Is(err, ErrWouldBlock) {
		return 0, ErrWouldBlock
	}
	return n, d.readErr(err)
}

func (d *rawDriver) write(b []byte) (int, error) {
	return d.h.Write(b)
}

func (d *rawDriver) tryWrite(b []byte) (int, error) {
	return d.h.TryWrite(b)
}

func (d *rawDriver) tryReadv(bufs [][]byte) (int, error) {
	if d.shut.Load() {
		return 0, ErrConnectionAborted
	}
	if v, ok := d.h.(VectoredHandle); ok {
		n, err := v.TryReadv(bufs)
		if errors.Is(err, ErrWouldBlock) {
			return 0, ErrWouldBlock
		}
		return n, d.readErr(err)
	}
	bp := getPacketBuffer()
	defer putPacketBuffer(bp)
	n, err := d.tryRead(*bp)
	if err != nil {
		return 0, err
	}
	c := scatter((*bp)[:n], bufs)
	if c < n {
		return c, io.ErrShortBuffer
	}
	return c, nil
}

func (d *rawDriver) tryWritev(bufs [][]byte) (int, error) {
	if v, ok := d.h.(VectoredHandle); ok {
		return v.TryWritev(bufs)
	}
	return d.h.TryWrite(gather(bufs))
}

// Packets are read into a pooled buffer and copied out at their own size.
func (d *rawDriver) receive() (*Packet, error) {
	bp := getPacketBuffer()
	defer putPacketBuffer(bp)
	n, err := d.read(*bp)
	if err != nil {
		return nil, err
	}
	return ownedPacket(bytes.Clone((*bp)[:n])), nil
}

func (d *rawDriver) tryReceive() (*Packet, error) {
	bp := getPacketBuffer()
	defer putPacketBuffer(bp)
	n, err := d.tryRead(*bp)
	if errors.Is(err, ErrWouldBlock) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return ownedPacket(bytes.Clone((*bp)[:n])), nil
}

func (d *rawDriver) shutdown() error {
	d.shut.Store(true)
	return d.h.Shutdown()
}

func (d *rawDriver) close() (err error) {
	d.closeOnce.Do(func() {
		d.shut.Store(true)
		err = d.h.Close()
	})
	return
}

func (d *rawDriver) index() (int, error) {
	return d.h.Index()
}

func (d *rawDriver) name() (string, error) {
	return d.h.Name()
}

func (d *rawDriver) setName(name string) error {
	return d.h.SetName(name)
}

func (d *rawDriver) enable(up bool) error {
	if up {
		return d.h.Up()
	}
	return d.h.Down()
}

func (d *rawDriver) address() (netip.Addr, error) {
	return d.h.Address()
}

func (d *rawDriver) destination() (netip.Addr, error) {
	return d.h.Destination()
}

func (d *rawDriver) netmask() (netip.Addr, error) {
	return d.h.Netmask()
}

func (d *rawDriver) mtu() (int, error) {
	return d.h.MTU()
}

func (d *rawDriver) setMTU(mtu int) error {
	return d.h.SetMTU(mtu)
}

func (d *rawDriver) macAddress() (net.HardwareAddr, error) {
	return d.h.MACAddress()
}

func (d *rawDriver) setMACAddress(mac net.HardwareAddr) error {
	return d.h.SetMACAddress(mac)
}

func (d *rawDriver) pollable() (Pollable, error) {
	p, ok := d.h.(Pollable)
	if !ok {
		return nil, ErrUnsupported
	}
	return p, nil
}
