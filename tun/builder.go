/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// AddressPair is an address and its netmask or prefix length, in any form
// ToIPv6 and IPv6PrefixLen accept.
type AddressPair struct {
	Address any
	Mask    any
}

type ipv4Request struct {
	address, mask, destination any
}

// Builder collects device settings. Values are only checked by Build, so
// setters can be chained freely.
type Builder struct {
	name              *string
	enabled           *bool
	mtu               *int
	mtuV6             *int
	ipv4              *ipv4Request
	ipv6              []AddressPair
	layer             Layer
	mac               net.HardwareAddr
	deviceGUID        uuid.UUID
	wintunFile        string
	ringCapacity      uint32
	metric            *int
	txQueueLen        *int
	packetInformation bool
	offload           bool
	multiQueue        bool
	backend           Backend
}

// NewBuilder returns a Builder for an enabled L3 device.
func NewBuilder() *Builder {
	return new(Builder)
}

func (b *Builder) Name(name string) *Builder {
	b.name = &name
	return b
}

// MTU sets the device MTU. Where the platform keeps a separate IPv6 MTU it is
// set as well.
func (b *Builder) MTU(mtu int) *Builder {
	b.mtu = &mtu
	if separateFamilyMTU {
		b.mtuV6 = &mtu
	}
	return b
}

// MTUv4 sets only the link (IPv4) MTU.
func (b *Builder) MTUv4(mtu int) *Builder {
	b.mtu = &mtu
	return b
}

// MTUv6 sets only the IPv6 MTU.
func (b *Builder) MTUv6(mtu int) *Builder {
	b.mtuV6 = &mtu
	return b
}

// MACAddress is applied to L2 devices only.
func (b *Builder) MACAddress(mac net.HardwareAddr) *Builder {
	b.mac = mac
	return b
}

// IPv4 sets the IPv4 address. mask is a prefix length or netmask.
// destination is the point to point peer, or nil.
func (b *Builder) IPv4(address, mask, destination any) *Builder {
	b.ipv4 = &ipv4Request{address: address, mask: mask, destination: destination}
	return b
}

// IPv6 adds an IPv6 address. Repeated calls accumulate.
func (b *Builder) IPv6(address, mask any) *Builder {
	b.ipv6 = append(b.ipv6, AddressPair{Address: address, Mask: mask})
	return b
}

// IPv6Tuple adds several IPv6 addresses, keeping their order.
func (b *Builder) IPv6Tuple(pairs ...AddressPair) *Builder {
	b.ipv6 = append(b.ipv6, pairs...)
	return b
}

func (b *Builder) Layer(layer Layer) *Builder {
	b.layer = layer
	return b
}

// DeviceGUID requests the GUID of a newly created Windows adapter.
func (b *Builder) DeviceGUID(guid uuid.UUID) *Builder {
	b.deviceGUID = guid
	return b
}

// WintunFile loads the wintun library from path instead of the default search.
func (b *Builder) WintunFile(path string) *Builder {
	b.wintunFile = path
	return b
}

func (b *Builder) RingCapacity(capacity uint32) *Builder {
	b.ringCapacity = capacity
	return b
}

// Metric sets the interface routing metric (Windows).
func (b *Builder) Metric(metric int) *Builder {
	b.metric = &metric
	return b
}

// TxQueueLen sets the transmit queue length (Linux).
func (b *Builder) TxQueueLen(qlen int) *Builder {
	b.txQueueLen = &qlen
	return b
}

func (b *Builder) PacketInformation(on bool) *Builder {
	b.packetInformation = on
	return b
}

// Offload enables TUN offloads (Linux). Packets are prefixed with a virtio
// net header.
func (b *Builder) Offload(on bool) *Builder {
	b.offload = on
	return b
}

func (b *Builder) MultiQueue(on bool) *Builder {
	b.multiQueue = on
	return b
}

// Enable sets whether the device is brought up. Defaults to true.
func (b *Builder) Enable(on bool) *Builder {
	b.enabled = &on
	return b
}

// Backend overrides the platform backend.
func (b *Builder) Backend(backend Backend) *Builder {
	b.backend = backend
	return b
}

type ipv4Setting struct {
	addr        netip.Addr
	prefix      int
	destination netip.Addr
}

type ipv6Setting struct {
	addr   netip.Addr
	prefix int
}

// settings are the validated values applied after the device exists.
type settings struct {
	layer      Layer
	mtu        int
	mtuV6      int
	metric     *int
	txQueueLen *int
	mac        net.HardwareAddr
	ipv4       *ipv4Setting
	ipv6       []ipv6Setting
	enabled    bool
}

func checkMTU(mtu *int) (int, error) {
	if mtu == nil {
		return 0, nil
	}
	if *mtu < 1 || *mtu > MaxPacketSize {
		return 0, fmt.Errorf("%w: MTU %d out of range", ErrInvalidConfig, *mtu)
	}
	return *mtu, nil
}

// resolve validates everything collected so far. Nothing here touches the OS.
func (b *Builder) resolve() (cfg Config, s settings, err error) {
	if b.layer != LayerL3 && b.layer != LayerL2 {
		return cfg, s, fmt.Errorf("%w: unknown layer %v", ErrInvalidConfig, b.layer)
	}
	cfg = Config{
		layer:             b.layer,
		deviceGUID:        b.deviceGUID,
		wintunFile:        b.wintunFile,
		ringCapacity:      b.ringCapacity,
		packetInformation: b.packetInformation,
		offload:           b.offload,
		multiQueue:        b.multiQueue,
	}
	if b.name != nil {
		if *b.name == "" {
			return cfg, s, fmt.Errorf("%w: empty device name", ErrInvalidConfig)
		}
		cfg.name, cfg.named = *b.name, true
	}

	s.layer = b.layer
	if s.mtu, err = checkMTU(b.mtu); err != nil {
		return
	}
	if s.mtuV6, err = checkMTU(b.mtuV6); err != nil {
		return
	}
	s.metric = b.metric
	s.txQueueLen = b.txQueueLen
	if b.mac != nil {
		if len(b.mac) != 6 {
			return cfg, s, fmt.Errorf("%w: MAC address %s", ErrInvalidAddress, b.mac)
		}
		s.mac = b.mac
	}

	if b.ipv4 != nil {
		v4 := new(ipv4Setting)
		if v4.addr, err = ToIPv4(b.ipv4.address); err != nil {
			return
		}
		if v4.prefix, err = IPv4PrefixLen(b.ipv4.mask); err != nil {
			return
		}
		if b.ipv4.destination != nil {
			if v4.destination, err = ToIPv4(b.ipv4.destination); err != nil {
				return
			}
		}
		s.ipv4 = v4
	}
	for _, pair := range b.ipv6 {
		var v6 ipv6Setting
		if v6.addr, err = ToIPv6(pair.Address); err != nil {
			return
		}
		if v6.prefix, err = IPv6PrefixLen(pair.Mask); err != nil {
			return
		}
		s.ipv6 = append(s.ipv6, v6)
	}

	s.enabled = true
	if b.enabled != nil {
		s.enabled = *b.enabled
	}
	return cfg, s, nil
}

// Config validates the builder and returns the creation snapshot.
func (b *Builder) Config() (Config, error) {
	cfg, _, err := b.resolve()
	return cfg, err
}

// configurable is the part of Device the settings are applied to.
type configurable interface {
	SetMTU(mtu int) error
	SetMTUv6(mtu int) error
	SetMetric(metric int) error
	SetTxQueueLen(qlen int) error
	SetMACAddress(mac net.HardwareAddr) error
	SetNetworkAddress(addr netip.Addr, prefix int, destination netip.Addr) error
	AddAddressV6(addr netip.Addr, prefix int) error
	Enabled(up bool) error
}

// apply configures a live device. The order is fixed: MTUs and metric come
// before any addressing and the device is enabled last. The first error stops
// the sequence.
func (s settings) apply(dev configurable) error {
	if s.mtu != 0 {
		if err := dev.SetMTU(s.mtu); err != nil {
			return fmt.Errorf("failed to set MTU: %w", err)
		}
	}
	if s.mtuV6 != 0 {
		if err := dev.SetMTUv6(s.mtuV6); err != nil {
			return fmt.Errorf("failed to set IPv6 MTU: %w", err)
		}
	}
	// Metric and queue length exist on some platforms only, so they are
	// skipped where unsupported.
	if s.metric != nil {
		err := dev.SetMetric(*s.metric)
		if errors.Is(err, ErrUnsupported) {
			log.WithField("metric", *s.metric).Debug("Skipping metric, unsupported on this platform")
		} else if err != nil {
			return fmt.Errorf("failed to set metric: %w", err)
		}
	}
	if s.txQueueLen != nil {
		err := dev.SetTxQueueLen(*s.txQueueLen)
		if errors.Is(err, ErrUnsupported) {
			log.WithField("tx_queue_len", *s.txQueueLen).Debug("Skipping tx queue length, unsupported on this platform")
		} else if err != nil {
			return fmt.Errorf("failed to set tx queue length: %w", err)
		}
	}
	if s.mac != nil && s.layer == LayerL2 {
		if err := dev.SetMACAddress(s.mac); err != nil {
			return fmt.Errorf("failed to set MAC address: %w", err)
		}
	}
	if s.ipv4 != nil {
		if err := dev.SetNetworkAddress(s.ipv4.addr, s.ipv4.prefix, s.ipv4.destination); err != nil {
			return fmt.Errorf("failed to set address %s/%d: %w", s.ipv4.addr, s.ipv4.prefix, err)
		}
	}
	for _, v6 := range s.ipv6 {
		if err := dev.AddAddressV6(v6.addr, v6.prefix); err != nil {
			return fmt.Errorf("failed to add address %s/%d: %w", v6.addr, v6.prefix, err)
		}
	}
	if err := dev.Enabled(s.enabled); err != nil {
		return fmt.Errorf("failed to set enabled=%v: %w", s.enabled, err)
	}
	return nil
}

func (b *Builder) backendOrDefault() Backend {
	if b.backend != nil {
		return b.backend
	}
	return DefaultBackend()
}

// Build creates the device and configures it.
//
// If configuring fails the device is returned along with the error, left as
// far as it got. The caller decides whether to retry or Close it.
func (b *Builder) Build() (*Device, error) {
	cfg, s, err := b.resolve()
	if err != nil {
		return nil, err
	}
	dev, err := CreateWith(cfg, b.backendOrDefault())
	if err != nil {
		return nil, err
	}
	if err := s.apply(dev); err != nil {
		return dev, err
	}
	return dev, nil
}

// BuildAsync builds the device and wraps it for the default reactor.
func (b *Builder) BuildAsync() (*AsyncDevice, error) {
	r, err := DefaultReactor()
	if err != nil {
		return nil, err
	}
	return b.BuildAsyncWith(r)
}

// BuildAsyncWith builds the device and wraps it for r. A device that fails to
// configure is closed.
func (b *Builder) BuildAsyncWith(r Reactor) (*AsyncDevice, error) {
	dev, err := b.Build()
	if err != nil {
		if dev != nil {
			dev.Close()
		}
		return nil, err
	}
	a, err := NewAsyncDevice(dev, r)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return a, nil
}
