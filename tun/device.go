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

	log "github.com/sirupsen/logrus"
)

// HardwareID identifies the TAP driver raw L2 handles are opened with.
const HardwareID = "tap0901"

// Device is a TUN/TAP interface. It is safe for concurrent use; reads and
// writes are serialized by the native driver.
type Device struct {
	layer     Layer
	drv       driver
	cfgr      Configurator
	log       *log.Entry
	closeOnce sync.Once
	closeErr  error
}

// Create creates a device on the platform backend.
func Create(cfg Config) (*Device, error) {
	return CreateWith(cfg, DefaultBackend())
}

// CreateWith creates a device on the supplied backend. The layer decides the
// driver: L3 uses a session when the backend has one, L2 a raw handle.
func CreateWith(cfg Config, backend Backend) (*Device, error) {
	var (
		drv driver
		err error
	)
	switch cfg.layer {
	case LayerL3:
		drv, err = openSession(cfg, backend)
		if errors.Is(err, ErrUnsupported) {
			drv, err = openRaw(cfg, backend)
		}
	case LayerL2:
		drv, err = openRaw(cfg, backend)
	default:
		return nil, fmt.Errorf("%w: unknown layer %v", ErrInvalidConfig, cfg.layer)
	}
	if err != nil {
		return nil, err
	}

	d := &Device{
		layer: cfg.layer,
		drv:   drv,
		cfgr:  backend.Configurator(),
	}
	name, err := drv.name()
	if err != nil {
		name = cfg.NameOrDefault()
	}
	d.log = log.WithFields(log.Fields{
		"device": name,
		"layer":  cfg.layer,
	})
	d.log.Print("Device created.")
	return d, nil
}

func openSession(cfg Config, backend Backend) (driver, error) {
	adapter, session, err := backend.OpenSession(cfg)
	if err != nil {
		return nil, err
	}
	return &sessionDriver{adapter: adapter, session: session}, nil
}

func openRaw(cfg Config, backend Backend) (driver, error) {
	h, fresh, err := backend.OpenRaw(cfg)
	if err != nil {
		return nil, err
	}
	if fresh {
		// A failed rename only matters when the caller asked for the name.
		name := cfg.NameOrDefault()
		if err := h.SetName(name); err != nil {
			if _, named := cfg.Name(); named {
				h.Close()
				return nil, fmt.Errorf("failed to name device %s: %w", name, err)
			}
			log.Debugf("Ignoring rename of new device to %s: %v", name, err)
		}
	}
	return &rawDriver{h: h}, nil
}

// Layer returns the layer the device was created at.
func (d *Device) Layer() Layer {
	return d.layer
}

// Recv reads one packet, waiting until one is available.
func (d *Device) Recv(b []byte) (int, error) {
	return d.drv.read(b)
}

// TryRecv reads one packet or fails with ErrWouldBlock.
func (d *Device) TryRecv(b []byte) (int, error) {
	return d.drv.tryRead(b)
}

// Send writes one packet.
func (d *Device) Send(b []byte) (int, error) {
	return d.drv.write(b)
}

// TrySend writes one packet or fails with ErrWouldBlock.
func (d *Device) TrySend(b []byte) (int, error) {
	return d.drv.tryWrite(b)
}

// Read is Recv, for io.Reader.
func (d *Device) Read(b []byte) (int, error) {
	return d.Recv(b)
}

// Write is Send, for io.Writer.
func (d *Device) Write(b []byte) (int, error) {
	return d.Send(b)
}

// TryRecvVectored reads one packet spread over bufs.
func (d *Device) TryRecvVectored(bufs [][]byte) (int, error) {
	return d.drv.tryReadv(bufs)
}

// TrySendVectored writes the packet made of bufs.
func (d *Device) TrySendVectored(bufs [][]byte) (int, error) {
	return d.drv.tryWritev(bufs)
}

// RecvVectored reads one packet spread over bufs, waiting until one is available.
func (d *Device) RecvVectored(bufs [][]byte) (int, error) {
	bp := getPacketBuffer()
	defer putPacketBuffer(bp)
	n, err := d.drv.read(*bp)
	if err != nil {
		return 0, err
	}
	c := scatter((*bp)[:n], bufs)
	if c < n {
		return c, io.ErrShortBuffer
	}
	return c, nil
}

// SendVectored writes the packet made of bufs.
func (d *Device) SendVectored(bufs [][]byte) (int, error) {
	return d.drv.write(gather(bufs))
}

// Receive waits for a packet. Release the packet once done with it.
func (d *Device) Receive() (*Packet, error) {
	return d.drv.receive()
}

// TryReceive returns nil when no packet is queued.
func (d *Device) TryReceive() (*Packet, error) {
	return d.drv.tryReceive()
}

// Shutdown stops packet flow. Blocking reads in flight return
// ErrConnectionAborted. The device still has to be closed.
func (d *Device) Shutdown() error {
	d.log.Debug("Device is shutting down.")
	return d.drv.shutdown()
}

// Close shuts the device down and releases the native resource.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.drv.shutdown()
		d.closeErr = d.drv.close()
		d.log.Print("Device closed.")
	})
	return d.closeErr
}

func (d *Device) Index() (int, error) {
	return d.drv.index()
}

func (d *Device) Name() (string, error) {
	return d.drv.name()
}

func (d *Device) SetName(name string) error {
	err := d.drv.setName(name)
	if err != nil {
		return fmt.Errorf("failed to set name %s: %w", name, err)
	}
	d.log = d.log.WithField("device", name)
	return nil
}

// Enabled brings the device up or down.
func (d *Device) Enabled(up bool) error {
	d.log.Debugf("Setting device enabled=%v", up)
	return d.drv.enable(up)
}

// Address returns the IPv4 address of the device.
func (d *Device) Address() (netip.Addr, error) {
	return d.drv.address()
}

// Destination returns the point to point peer, or the gateway on backends
// without point to point links.
func (d *Device) Destination() (netip.Addr, error) {
	return d.drv.destination()
}

// Netmask returns the netmask of Address.
func (d *Device) Netmask() (netip.Addr, error) {
	return d.drv.netmask()
}

func (d *Device) MTU() (int, error) {
	return d.drv.mtu()
}

func (d *Device) SetMTU(mtu int) error {
	d.log.Debugf("Setting MTU %d", mtu)
	return d.drv.setMTU(mtu)
}

// SetMTUv6 sets the IPv6 MTU where the platform keeps it apart from the link MTU.
func (d *Device) SetMTUv6(mtu int) error {
	idx, err := d.drv.index()
	if err != nil {
		return err
	}
	d.log.Debugf("Setting IPv6 MTU %d", mtu)
	return d.cfgr.SetMTU(idx, FamilyV6, mtu)
}

// MACAddress fails with ErrUnsupported on L3 devices.
func (d *Device) MACAddress() (net.HardwareAddr, error) {
	if d.layer != LayerL2 {
		return nil, ErrUnsupported
	}
	return d.drv.macAddress()
}

// SetMACAddress fails with ErrUnsupported on L3 devices.
func (d *Device) SetMACAddress(mac net.HardwareAddr) error {
	if d.layer != LayerL2 {
		return ErrUnsupported
	}
	d.log.Debugf("Setting MAC address %s", mac)
	return d.drv.setMACAddress(mac)
}

// SetNetworkAddress sets the IPv4 address and prefix. destination is
// optional, pass the zero netip.Addr for none.
func (d *Device) SetNetworkAddress(addr netip.Addr, prefix int, destination netip.Addr) error {
	if !addr.Is4() || (destination.IsValid() && !destination.Is4()) {
		return ErrAddressFamily
	}
	if prefix < 0 || prefix > 32 {
		return ErrInvalidPrefix
	}
	idx, err := d.drv.index()
	if err != nil {
		return err
	}
	d.log.Debugf("Setting address %s/%d", addr, prefix)
	return d.cfgr.SetAddress(idx, addr, prefix, destination)
}

// AddAddressV6 adds an IPv6 address.
func (d *Device) AddAddressV6(addr netip.Addr, prefix int) error {
	if !addr.Is6() {
		return ErrAddressFamily
	}
	if prefix < 0 || prefix > 128 {
		return ErrInvalidPrefix
	}
	idx, err := d.drv.index()
	if err != nil {
		return err
	}
	d.log.Debugf("Adding address %s/%d", addr, prefix)
	return d.cfgr.AddAddress(idx, addr, prefix)
}

// SetMetric sets the routing metric of the interface.
func (d *Device) SetMetric(metric int) error {
	idx, err := d.drv.index()
	if err != nil {
		return err
	}
	d.log.Debugf("Setting metric %d", metric)
	return d.cfgr.SetMetric(idx, metric)
}

// SetTxQueueLen sets the transmit queue length.
func (d *Device) SetTxQueueLen(qlen int) error {
	idx, err := d.drv.index()
	if err != nil {
		return err
	}
	d.log.Debugf("Setting tx queue length %d", qlen)
	return d.cfgr.SetTxQueueLen(idx, qlen)
}
