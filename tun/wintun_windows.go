/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"crypto/md5"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
	_ "unsafe"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

const (
	rateMeasurementGranularity = uint64((time.Second / 2) / time.Nanosecond)
	spinloopRateThreshold      = 800000000 / 8                                   // 800mbps
	spinloopDuration           = uint64(time.Millisecond / 80 / time.Nanosecond) // ~1gbit/s

	defaultRingCapacity = 0x800000 // 8 MiB
)

var (
	WintunTunnelType = "tuntap"
	WintunGUIDPrefix = "tuntap Windows GUID v1"
)

type rateJuggler struct {
	current       atomic.Uint64
	nextByteCount atomic.Uint64
	nextStartTime atomic.Int64
	changing      atomic.Bool
}

//go:linkname procyield runtime.procyield
func procyield(cycles uint32)

//go:linkname nanotime runtime.nanotime
func nanotime() int64

// Create an 128bit GUID using interface name.
func generateGUIDByDeviceName(name string) (*windows.GUID, error) {
	hash := md5.New()
	_, err := hash.Write([]byte(WintunGUIDPrefix + name))
	if err != nil {
		return nil, err
	}
	sum := hash.Sum(nil)

	return (*windows.GUID)(unsafe.Pointer(&sum[0])), nil
}

func requestedGUID(cfg Config) (*windows.GUID, error) {
	if cfg.DeviceGUID() == uuid.Nil {
		return generateGUIDByDeviceName(cfg.NameOrDefault())
	}
	guid, err := windows.GUIDFromString("{" + cfg.DeviceGUID().String() + "}")
	if err != nil {
		return nil, fmt.Errorf("%w: device GUID: %w", ErrInvalidConfig, err)
	}
	return &guid, nil
}

var wintunPreload sync.Map

// loadWintunFile loads the library at path, so that wintun binds to it
// instead of searching for wintun.dll itself.
func loadWintunFile(path string) error {
	if path == "" {
		return nil
	}
	if _, ok := wintunPreload.Load(path); ok {
		return nil
	}
	_, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	wintunPreload.Store(path, struct{}{})
	return nil
}

// openWintun opens the adapter named by cfg, creating it when it does not
// exist yet, and starts a session on it.
func openWintun(cfg Config, netsh NetshConfigurator) (Adapter, Session, error) {
	err := loadWintunFile(cfg.WintunFile())
	if err != nil {
		return nil, nil, err
	}

	name := cfg.NameOrDefault()
	wt, err := wintun.OpenAdapter(name)
	if err != nil {
		guid, err := requestedGUID(cfg)
		if err != nil {
			return nil, nil, err
		}
		wt, err = wintun.CreateAdapter(name, WintunTunnelType, guid)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating interface: %w", err)
		}
	}
	if v, err := wintun.RunningVersion(); err == nil {
		log.Debugf("Wintun driver version %d.%d", (v>>16)&0xffff, v&0xffff)
	}

	capacity := cfg.RingCapacity()
	if capacity == 0 {
		capacity = defaultRingCapacity
	}
	session, err := wt.StartSession(capacity)
	if err != nil {
		wt.Close()
		return nil, nil, fmt.Errorf("error starting session: %w", err)
	}

	adapter := &wintunAdapter{wt: wt, netsh: netsh}
	return adapter, &wintunSession{
		session:  session,
		readWait: session.ReadWaitEvent(),
	}, nil
}

type wintunAdapter struct {
	wt    *wintun.Adapter
	netsh NetshConfigurator
}

func (a *wintunAdapter) luid() winipcfg.LUID {
	return winipcfg.LUID(a.wt.LUID())
}

func (a *wintunAdapter) Index() (int, error) {
	return interfaceIndex(a.luid())
}

func (a *wintunAdapter) Name() (string, error) {
	return interfaceAlias(a.luid())
}

func (a *wintunAdapter) SetName(name string) error {
	old, err := a.Name()
	if err != nil {
		return err
	}
	return a.netsh.Rename(old, name)
}

func (a *wintunAdapter) MTU() (int, error) {
	return interfaceMTU(a.luid())
}

func (a *wintunAdapter) SetMTU(mtu int) error {
	return setInterfaceMTU(a.luid(), mtu)
}

func (a *wintunAdapter) Addresses() ([]netip.Addr, error) {
	return unicastAddresses(a.luid())
}

func (a *wintunAdapter) Gateways() ([]netip.Addr, error) {
	return gateways(a.luid())
}

func (a *wintunAdapter) NetmaskOf(addr netip.Addr) (netip.Addr, error) {
	return netmaskOf(a.luid(), addr)
}

func (a *wintunAdapter) Close() error {
	return a.wt.Close()
}

type wintunSession struct {
	session   wintun.Session
	readWait  windows.Handle
	rate      rateJuggler
	running   sync.WaitGroup
	closeOnce sync.Once
	close     atomic.Bool
}

// ReceiveBlocking spins briefly while traffic is heavy before waiting on the
// read event.
func (s *wintunSession) ReceiveBlocking() ([]byte, error) {
	s.running.Add(1)
	defer s.running.Done()
retry:
	if s.close.Load() {
		return nil, os.ErrClosed
	}
	start := nanotime()
	shouldSpin := s.rate.current.Load() >= spinloopRateThreshold && uint64(start-s.rate.nextStartTime.Load()) <= rateMeasurementGranularity*2
	for {
		if s.close.Load() {
			return nil, os.ErrClosed
		}
		packet, err := s.session.ReceivePacket()
		switch err {
		case nil:
			s.rate.update(uint64(len(packet)))
			return packet, nil
		case windows.ERROR_NO_MORE_ITEMS:
			if !shouldSpin || uint64(nanotime()-start) >= spinloopDuration {
				windows.WaitForSingleObject(s.readWait, windows.INFINITE)
				goto retry
			}
			procyield(1)
			continue
		case windows.ERROR_HANDLE_EOF:
			return nil, os.ErrClosed
		case windows.ERROR_INVALID_DATA:
			return nil, fmt.Errorf("send ring corrupt: %w", err)
		}
		return nil, fmt.Errorf("read failed: %w", err)
	}
}

func (s *wintunSession) TryReceive() ([]byte, error) {
	if s.close.Load() {
		return nil, os.ErrClosed
	}
	packet, err := s.session.ReceivePacket()
	switch err {
	case nil:
		s.rate.update(uint64(len(packet)))
		return packet, nil
	case windows.ERROR_NO_MORE_ITEMS:
		return nil, nil
	case windows.ERROR_HANDLE_EOF:
		return nil, os.ErrClosed
	}
	return nil, fmt.Errorf("read failed: %w", err)
}

func (s *wintunSession) ReleaseReceivePacket(packet []byte) {
	s.session.ReleaseReceivePacket(packet)
}

func (s *wintunSession) AllocateSendPacket(size int) ([]byte, error) {
	if s.close.Load() {
		return nil, os.ErrClosed
	}
	packet, err := s.session.AllocateSendPacket(size)
	switch err {
	case nil:
		s.rate.update(uint64(size))
		return packet, nil
	case windows.ERROR_HANDLE_EOF:
		return nil, os.ErrClosed
	case windows.ERROR_BUFFER_OVERFLOW:
		return nil, fmt.Errorf("%w: %w", ErrRingFull, err)
	}
	return nil, err
}

func (s *wintunSession) SendPacket(packet []byte) {
	s.session.SendPacket(packet)
}

// Shutdown wakes a pending ReceiveBlocking, which then fails.
func (s *wintunSession) Shutdown() error {
	s.close.Store(true)
	return windows.SetEvent(s.readWait)
}

func (s *wintunSession) Close() error {
	s.closeOnce.Do(func() {
		s.Shutdown()
		s.running.Wait()
		s.session.End()
	})
	return nil
}

func (rate *rateJuggler) update(packetLen uint64) {
	now := nanotime()
	total := rate.nextByteCount.Add(packetLen)
	period := uint64(now - rate.nextStartTime.Load())
	if period >= rateMeasurementGranularity {
		if !rate.changing.CompareAndSwap(false, true) {
			return
		}
		rate.nextStartTime.Store(now)
		rate.current.Store(total * uint64(time.Second/time.Nanosecond) / period)
		rate.nextByteCount.Store(0)
		rate.changing.Store(false)
	}
}
