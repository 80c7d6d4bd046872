/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// sessionDriver moves packets through a vendor ring. Every received packet is
// copied out and released before returning.
type sessionDriver struct {
	adapter   Adapter
	session   Session
	closeOnce sync.Once
	down      atomic.Bool
}

func (d *sessionDriver) copyOut(b []byte, pkt []byte) (int, error) {
	n := copy(b, pkt)
	short := len(pkt) > len(b)
	d.session.ReleaseReceivePacket(pkt)
	if short {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

func (d *sessionDriver) read(b []byte) (int, error) {
	pkt, err := d.session.ReceiveBlocking()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectionAborted, err)
	}
	return d.copyOut(b, pkt)
}

func (d *sessionDriver) tryRead(b []byte) (int, error) {
	pkt, err := d.session.TryReceive()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectionAborted, err)
	}
	if pkt == nil {
		return 0, ErrWouldBlock
	}
	return d.copyOut(b, pkt)
}

// A full ring is fatal on the blocking path.
func (d *sessionDriver) write(b []byte) (int, error) {
	pkt, err := d.session.AllocateSendPacket(len(b))
	if err != nil {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	n := copy(pkt, b)
	d.session.SendPacket(pkt)
	return n, nil
}

func (d *sessionDriver) tryWrite(b []byte) (int, error) {
	pkt, err := d.session.AllocateSendPacket(len(b))
	if errors.Is(err, ErrRingFull) {
		return 0, ErrWouldBlock
	} else if err != nil {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	n := copy(pkt, b)
	d.session.SendPacket(pkt)
	return n, nil
}

func (d *sessionDriver) tryReadv(bufs [][]byte) (int, error) {
	pkt, err := d.session.TryReceive()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectionAborted, err)
	}
	if pkt == nil {
		return 0, ErrWouldBlock
	}
	n := scatter(pkt, bufs)
	short := len(pkt) > n
	d.session.ReleaseReceivePacket(pkt)
	if short {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

func (d *sessionDriver) tryWritev(bufs [][]byte) (int, error) {
	return d.tryWrite(gather(bufs))
}

func (d *sessionDriver) receive() (*Packet, error) {
	pkt, err := d.session.ReceiveBlocking()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionAborted, err)
	}
	return borrowedPacket(pkt, d.session.ReleaseReceivePacket), nil
}

func (d *sessionDriver) tryReceive() (*Packet, error) {
	pkt, err := d.session.TryReceive()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionAborted, err)
	}
	if pkt == nil {
		return nil, nil
	}
	return borrowedPacket(pkt, d.session.ReleaseReceivePacket), nil
}

func (d *sessionDriver) shutdown() error {
	return d.session.Shutdown()
}

func (d *sessionDriver) close() (err error) {
	d.closeOnce.Do(func() {
		err = errors.Join(d.session.Close(), d.adapter.Close())
	})
	return
}

func (d *sessionDriver) index() (int, error) {
	return d.adapter.Index()
}

func (d *sessionDriver) name() (string, error) {
	return d.adapter.Name()
}

func (d *sessionDriver) setName(name string) error {
	return d.adapter.SetName(name)
}

// The session has no link state of its own. Disabling shuts the session
// down for good, so it can not be enabled again.
func (d *sessionDriver) enable(up bool) error {
	if !up {
		d.down.Store(true)
		return d.session.Shutdown()
	}
	if d.down.Load() {
		return fmt.Errorf("%w: a disabled session can not be enabled again", ErrUnsupported)
	}
	return nil
}

func (d *sessionDriver) address() (netip.Addr, error) {
	addrs, err := d.adapter.Addresses()
	if err != nil {
		return netip.Addr{}, err
	}
	return firstV4(addrs)
}

// The destination of a session adapter is its default gateway.
func (d *sessionDriver) destination() (netip.Addr, error) {
	gws, err := d.adapter.Gateways()
	if err != nil {
		return netip.Addr{}, err
	}
	return firstV4(gws)
}

func (d *sessionDriver) netmask() (netip.Addr, error) {
	addr, err := d.address()
	if err != nil {
		return netip.Addr{}, err
	}
	return d.adapter.NetmaskOf(addr)
}

func (d *sessionDriver) mtu() (int, error) {
	return d.adapter.MTU()
}

func (d *sessionDriver) setMTU(mtu int) error {
	return d.adapter.SetMTU(mtu)
}

func (d *sessionDriver) macAddress() (net.HardwareAddr, error) {
	return nil, ErrUnsupported
}

func (d *sessionDriver) setMACAddress(net.HardwareAddr) error {
	return ErrUnsupported
}

func (d *sessionDriver) pollable() (Pollable, error) {
	return nil, ErrUnsupported
}
