/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceEndToEnd(t *testing.T) {
	h := newFakeHandle("test0")
	backend := newRawBackend(h)

	dev, err := NewBuilder().
		Name("test0").
		IPv4("10.0.0.2", 24, nil).
		MTU(1400).
		Backend(backend).
		Build()
	require.NoError(t, err)
	defer dev.Close()

	name, err := dev.Name()
	require.NoError(t, err)
	assert.Equal(t, "test0", name)

	addr, err := dev.Address()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), addr)

	mask, err := dev.Netmask()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("255.255.255.0"), mask)

	mtu, err := dev.MTU()
	require.NoError(t, err)
	assert.Equal(t, 1400, mtu)
	assert.True(t, h.up)

	cfg := backend.lastCfg
	assert.Equal(t, "test0", cfg.NameOrDefault())
	assert.Equal(t, 1, backend.rawOpens)
}

func TestDeviceFreshRename(t *testing.T) {
	h := newFakeHandle("tap1")
	backend := newRawBackend(h)
	backend.fresh = true

	dev, err := NewBuilder().Layer(LayerL2).Backend(backend).Build()
	require.NoError(t, err)
	defer dev.Close()

	name, err := dev.Name()
	require.NoError(t, err)
	assert.Equal(t, DefaultName, name)
}

func TestDeviceRenameFailureUnnamed(t *testing.T) {
	h := newFakeHandle("tap1")
	h.renameErr = errFake
	backend := newRawBackend(h)
	backend.fresh = true

	dev, err := NewBuilder().Layer(LayerL2).Backend(backend).Build()
	require.NoError(t, err)
	defer dev.Close()

	name, err := dev.Name()
	require.NoError(t, err)
	assert.Equal(t, "tap1", name)
	assert.False(t, h.isClosed())
}

func TestDeviceRenameFailureNamed(t *testing.T) {
	h := newFakeHandle("tap1")
	h.renameErr = errFake
	backend := newRawBackend(h)
	backend.fresh = true

	dev, err := NewBuilder().Name("lan0").Layer(LayerL2).Backend(backend).Build()
	assert.ErrorIs(t, err, errFake)
	assert.Nil(t, dev)
	assert.True(t, h.isClosed())
}

func TestDeviceDriverSelection(t *testing.T) {
	// L3 prefers a session.
	backend := newSessionBackend()
	backend.handle = newFakeHandle("tun0")
	dev, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)
	assert.IsType(t, &sessionDriver{}, dev.drv)
	assert.Equal(t, 1, backend.sessionOpens)
	assert.Zero(t, backend.rawOpens)
	require.NoError(t, dev.Close())

	// L2 never uses one.
	backend = newSessionBackend()
	backend.handle = newFakeHandle("tap0")
	dev, err = CreateWith(mustConfig(t, NewBuilder().Layer(LayerL2)), backend)
	require.NoError(t, err)
	assert.IsType(t, &rawDriver{}, dev.drv)
	assert.Zero(t, backend.sessionOpens)
	require.NoError(t, dev.Close())

	// L3 without a session driver falls back to a raw handle.
	backend = newRawBackend(newFakeHandle("tun0"))
	dev, err = CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)
	assert.IsType(t, &rawDriver{}, dev.drv)
	require.NoError(t, dev.Close())
}

func TestDeviceCreateFailure(t *testing.T) {
	backend := &fakeBackend{rawErr: errFake}
	_, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	assert.ErrorIs(t, err, errFake)
}

func mustConfig(t *testing.T, b *Builder) Config {
	cfg, err := b.Config()
	require.NoError(t, err)
	return cfg
}

func TestDeviceRawIO(t *testing.T) {
	h := newFakeHandle("tun0")
	dev, err := CreateWith(mustConfig(t, NewBuilder()), newRawBackend(h))
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 64)
	_, err = dev.TryRecv(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	pkt, err := dev.TryReceive()
	require.NoError(t, err)
	assert.Nil(t, pkt)

	h.rx <- []byte{0x45, 1, 2, 3}
	n, err := dev.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1, 2, 3}, buf[:n])

	h.rx <- []byte{0x45, 4, 5}
	pkt, err = dev.Receive()
	require.NoError(t, err)
	assert.False(t, pkt.Borrowed())
	assert.Equal(t, []byte{0x45, 4, 5}, pkt.Bytes())
	pkt.Release()

	h.rx <- []byte{1, 2, 3, 4, 5}
	a, b := make([]byte, 2), make([]byte, 8)
	n, err = dev.TryRecvVectored([][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{1, 2}, a)
	assert.Equal(t, []byte{3, 4, 5}, b[:3])

	h.rx <- []byte{1, 2, 3, 4, 5}
	n, err = dev.RecvVectored([][]byte{make([]byte, 2)})
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, 2, n)

	n, err = dev.SendVectored([][]byte{{1, 2}, {3}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = dev.Write([]byte{9})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]byte{{1, 2, 3}, {9}}, h.writes)

	h.writeFull = true
	_, err = dev.TrySend([]byte{1})
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestDeviceRawReceiveCopies(t *testing.T) {
	h := newFakeHandle("tun0")
	dev, err := CreateWith(mustConfig(t, NewBuilder()), newRawBackend(h))
	require.NoError(t, err)
	defer dev.Close()

	var pkts []*Packet
	for i := byte(0); i < 4; i++ {
		h.rx <- []byte{0x45, i, i}
		receive := dev.Receive
		if i%2 == 1 {
			receive = dev.TryReceive
		}
		pkt, err := receive()
		require.NoError(t, err)
		require.NotNil(t, pkt)
		pkts = append(pkts, pkt)
	}

	// Reads share a scratch buffer, packets do not.
	for i, pkt := range pkts {
		assert.Equal(t, []byte{0x45, byte(i), byte(i)}, pkt.Bytes())
		assert.Less(t, cap(pkt.Bytes()), 64)
		pkt.Release()
	}
}

func TestDeviceSessionIO(t *testing.T) {
	backend := newSessionBackend()
	s := backend.session
	dev, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 64)
	_, err = dev.TryRecv(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	s.rx <- []byte{0x45, 1}
	n, err := dev.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1}, buf[:n])
	assert.Equal(t, 1, s.releasedCount())

	s.rx <- []byte{0x45, 1, 2, 3}
	_, err = dev.Recv(make([]byte, 2))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, 2, s.releasedCount())

	s.rx <- []byte{0x60, 2}
	pkt, err := dev.Receive()
	require.NoError(t, err)
	assert.True(t, pkt.Borrowed())
	assert.Equal(t, []byte{0x60, 2}, pkt.Bytes())
	pkt.Release()
	pkt.Release()
	assert.Equal(t, 3, s.releasedCount())

	n, err = dev.Send([]byte{0x45, 9})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = dev.TrySendVectored([][]byte{{0x45}, {8}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{{0x45, 9}, {0x45, 8}}, s.sent)
}

func TestDeviceRingFull(t *testing.T) {
	backend := newSessionBackend()
	backend.session.ringFull = true
	dev, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.TrySend([]byte{0x45})
	assert.ErrorIs(t, err, ErrWouldBlock)

	// A blocking send can not wait for room, a full ring fails it.
	_, err = dev.Send([]byte{0x45})
	assert.ErrorIs(t, err, ErrRingFull)
	assert.False(t, errors.Is(err, ErrWouldBlock))
}

func TestDeviceShutdownAbortsRead(t *testing.T) {
	for _, tt := range []struct {
		name    string
		backend *fakeBackend
	}{
		{"raw", newRawBackend(newFakeHandle("tun0"))},
		{"session", newSessionBackend()},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := CreateWith(mustConfig(t, NewBuilder()), tt.backend)
			require.NoError(t, err)

			errs := make(chan error, 1)
			go func() {
				_, err := dev.Recv(make([]byte, MaxPacketSize))
				errs <- err
			}()
			time.Sleep(10 * time.Millisecond)
			require.NoError(t, dev.Shutdown())

			select {
			case err := <-errs:
				assert.ErrorIs(t, err, ErrConnectionAborted)
			case <-time.After(time.Second):
				t.Fatal("read was not aborted by shutdown")
			}

			_, err = dev.Recv(make([]byte, 16))
			assert.ErrorIs(t, err, ErrConnectionAborted)
			require.NoError(t, dev.Close())
			require.NoError(t, dev.Close())
		})
	}
}

func TestDeviceSessionProperties(t *testing.T) {
	backend := newSessionBackend()
	backend.adapter.prefixes = []netip.Prefix{
		netip.MustParsePrefix("fd00::2/64"),
		netip.MustParsePrefix("10.1.0.2/16"),
	}
	backend.adapter.gateways = []netip.Addr{netip.MustParseAddr("10.1.0.1")}
	dev, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)

	addr, err := dev.Address()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.0.2"), addr)
	dst, err := dev.Destination()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.0.1"), dst)
	mask, err := dev.Netmask()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("255.255.0.0"), mask)

	_, err = dev.MACAddress()
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, dev.SetMACAddress(net.HardwareAddr{2, 0, 0, 0, 0, 1}), ErrUnsupported)

	require.NoError(t, dev.SetName("vpn0"))
	name, err := dev.Name()
	require.NoError(t, err)
	assert.Equal(t, "vpn0", name)

	require.NoError(t, dev.Close())
	assert.True(t, backend.adapter.closed)
	assert.True(t, backend.session.closed)
}

func TestDeviceSessionDisable(t *testing.T) {
	backend := newSessionBackend()
	dev, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Enabled(true))
	require.NoError(t, dev.Enabled(false))
	_, err = dev.Recv(make([]byte, 8))
	assert.ErrorIs(t, err, ErrConnectionAborted)

	// The session does not come back.
	assert.ErrorIs(t, dev.Enabled(true), ErrUnsupported)
}

func TestDeviceConfigurator(t *testing.T) {
	h := newFakeHandle("tap0")
	backend := newRawBackend(h)
	dev, err := CreateWith(mustConfig(t, NewBuilder().Layer(LayerL2)), backend)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.SetMetric(3))
	require.NoError(t, dev.SetTxQueueLen(500))
	require.NoError(t, dev.SetMTUv6(1280))
	require.NoError(t, dev.SetNetworkAddress(netip.MustParseAddr("192.168.7.1"), 30, netip.MustParseAddr("192.168.7.2")))
	require.NoError(t, dev.AddAddressV6(netip.MustParseAddr("fd00::1"), 64))
	assert.Equal(t, []string{
		"metric 7 3",
		"txqueuelen 7 500",
		"mtu 7 v6 1280",
		"address 7 192.168.7.1/30 192.168.7.2",
		"address6 7 fd00::1/64",
	}, backend.cfgr.recorded())

	dst, err := dev.Destination()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.7.2"), dst)

	assert.ErrorIs(t, dev.SetNetworkAddress(netip.MustParseAddr("fd00::1"), 64, netip.Addr{}), ErrAddressFamily)
	assert.ErrorIs(t, dev.SetNetworkAddress(netip.MustParseAddr("10.0.0.1"), 33, netip.Addr{}), ErrInvalidPrefix)
	assert.ErrorIs(t, dev.AddAddressV6(netip.MustParseAddr("10.0.0.1"), 24), ErrAddressFamily)

	mac := net.HardwareAddr{0x02, 0xaa, 0, 0, 0, 1}
	require.NoError(t, dev.SetMACAddress(mac))
	got, err := dev.MACAddress()
	require.NoError(t, err)
	assert.Equal(t, mac, got)

	require.NoError(t, dev.Enabled(false))
	assert.False(t, h.up)
}

func TestBuildReturnsDeviceOnApplyFailure(t *testing.T) {
	h := newFakeHandle("tun0")
	backend := newRawBackend(h)
	backend.cfgr.fail = map[string]error{"address": errFake}

	dev, err := NewBuilder().IPv4("10.0.0.2", 24, nil).Backend(backend).Build()
	assert.ErrorIs(t, err, errFake)
	require.NotNil(t, dev)
	assert.False(t, h.isClosed())
	require.NoError(t, dev.Close())
	assert.True(t, h.isClosed())
}
