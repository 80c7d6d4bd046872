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
	"sync"
)

var errFake = errors.New("fake failure")

// fakeHandle is a RawHandle fed through channels.
type fakeHandle struct {
	mu        sync.Mutex
	name      string
	renameErr error
	up        bool
	mac       net.HardwareAddr
	mtu       int
	prefix    netip.Prefix
	peer      netip.Addr
	writes    [][]byte
	writeFull bool
	closed    bool

	rx       chan []byte
	shutOnce sync.Once
	shut     chan struct{}
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{
		name: name,
		mtu:  1500,
		mac:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		rx:   make(chan []byte, 16),
		shut: make(chan struct{}),
	}
}

func (h *fakeHandle) Read(b []byte) (int, error) {
	select {
	case p := <-h.rx:
		return copy(b, p), nil
	case <-h.shut:
		return 0, fmt.Errorf("read on shut down handle")
	}
}

func (h *fakeHandle) TryRead(b []byte) (int, error) {
	select {
	case p := <-h.rx:
		return copy(b, p), nil
	default:
		return 0, ErrWouldBlock
	}
}

func (h *fakeHandle) Write(b []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (h *fakeHandle) TryWrite(b []byte) (int, error) {
	h.mu.Lock()
	full := h.writeFull
	h.mu.Unlock()
	if full {
		return 0, ErrWouldBlock
	}
	return h.Write(b)
}

func (h *fakeHandle) Index() (int, error) {
	return 7, nil
}

func (h *fakeHandle) Name() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name, nil
}

func (h *fakeHandle) SetName(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.renameErr != nil {
		return h.renameErr
	}
	h.name = name
	return nil
}

func (h *fakeHandle) Up() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up = true
	return nil
}

func (h *fakeHandle) Down() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up = false
	return nil
}

func (h *fakeHandle) MACAddress() (net.HardwareAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mac, nil
}

func (h *fakeHandle) SetMACAddress(mac net.HardwareAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mac = mac
	return nil
}

func (h *fakeHandle) MTU() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mtu, nil
}

func (h *fakeHandle) SetMTU(mtu int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mtu = mtu
	return nil
}

func (h *fakeHandle) Address() (netip.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.prefix.IsValid() {
		return netip.Addr{}, ErrInvalidAddress
	}
	return h.prefix.Addr(), nil
}

func (h *fakeHandle) Destination() (netip.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.peer.IsValid() {
		return netip.Addr{}, ErrInvalidAddress
	}
	return h.peer, nil
}

func (h *fakeHandle) Netmask() (netip.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.prefix.IsValid() {
		return netip.Addr{}, ErrInvalidAddress
	}
	return IPv4Netmask(h.prefix.Bits())
}

func (h *fakeHandle) Shutdown() error {
	h.shutOnce.Do(func() {
		close(h.shut)
	})
	return nil
}

func (h *fakeHandle) Close() error {
	h.Shutdown()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// pollableHandle adds a descriptor to fakeHandle.
type pollableHandle struct {
	*fakeHandle
	fd int
}

func (h *pollableHandle) Fd() int {
	return h.fd
}

// fakeSession is a Session with an unbounded receive queue.
type fakeSession struct {
	mu       sync.Mutex
	sent     [][]byte
	released int
	ringFull bool
	closed   bool

	rx       chan []byte
	shutOnce sync.Once
	shut     chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		rx:   make(chan []byte, 16),
		shut: make(chan struct{}),
	}
}

func (s *fakeSession) ReceiveBlocking() ([]byte, error) {
	select {
	case p := <-s.rx:
		return p, nil
	case <-s.shut:
		return nil, errors.New("session ended")
	}
}

func (s *fakeSession) TryReceive() ([]byte, error) {
	select {
	case p := <-s.rx:
		return p, nil
	case <-s.shut:
		return nil, errors.New("session ended")
	default:
		return nil, nil
	}
}

func (s *fakeSession) ReleaseReceivePacket([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *fakeSession) AllocateSendPacket(size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringFull {
		return nil, fmt.Errorf("%w: no room for %d bytes", ErrRingFull, size)
	}
	return make([]byte, size), nil
}

func (s *fakeSession) SendPacket(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
}

func (s *fakeSession) Shutdown() error {
	s.shutOnce.Do(func() {
		close(s.shut)
	})
	return nil
}

func (s *fakeSession) Close() error {
	s.Shutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeAdapter struct {
	name     string
	mtu      int
	prefixes []netip.Prefix
	gateways []netip.Addr
	closed   bool
}

func (a *fakeAdapter) Index() (int, error) {
	return 11, nil
}

func (a *fakeAdapter) Name() (string, error) {
	return a.name, nil
}

func (a *fakeAdapter) SetName(name string) error {
	a.name = name
	return nil
}

func (a *fakeAdapter) MTU() (int, error) {
	return a.mtu, nil
}

func (a *fakeAdapter) SetMTU(mtu int) error {
	a.mtu = mtu
	return nil
}

func (a *fakeAdapter) Addresses() ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, p := range a.prefixes {
		addrs = append(addrs, p.Addr())
	}
	return addrs, nil
}

func (a *fakeAdapter) Gateways() ([]netip.Addr, error) {
	return a.gateways, nil
}

func (a *fakeAdapter) NetmaskOf(addr netip.Addr) (netip.Addr, error) {
	for _, p := range a.prefixes {
		if p.Addr() == addr {
			return Netmask(addr, p.Bits())
		}
	}
	return netip.Addr{}, ErrInvalidAddress
}

func (a *fakeAdapter) Close() error {
	a.closed = true
	return nil
}

// recordingConfigurator records calls and assigns IPv4 addresses to handle.
type recordingConfigurator struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	handle *fakeHandle
}

func (c *recordingConfigurator) record(op string, format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op+" "+fmt.Sprintf(format, args...))
	return c.fail[op]
}

func (c *recordingConfigurator) SetMetric(index int, metric int) error {
	return c.record("metric", "%d %d", index, metric)
}

func (c *recordingConfigurator) SetMTU(index int, family Family, mtu int) error {
	return c.record("mtu", "%d v%d %d", index, family, mtu)
}

func (c *recordingConfigurator) SetTxQueueLen(index int, qlen int) error {
	return c.record("txqueuelen", "%d %d", index, qlen)
}

func (c *recordingConfigurator) SetAddress(index int, addr netip.Addr, prefix int, gateway netip.Addr) error {
	err := c.record("address", "%d %s/%d %s", index, addr, prefix, gateway)
	if err == nil && c.handle != nil {
		c.handle.mu.Lock()
		c.handle.prefix = netip.PrefixFrom(addr, prefix)
		c.handle.peer = gateway
		c.handle.mu.Unlock()
	}
	return err
}

func (c *recordingConfigurator) AddAddress(index int, addr netip.Addr, prefix int) error {
	return c.record("address6", "%d %s/%d", index, addr, prefix)
}

func (c *recordingConfigurator) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeBackend hands out preset resources. A nil session means the backend
// has no session driver.
type fakeBackend struct {
	adapter *fakeAdapter
	session *fakeSession
	handle  RawHandle
	fresh   bool
	rawErr  error
	cfgr    *recordingConfigurator

	sessionOpens int
	rawOpens     int
	lastCfg      Config
}

func (b *fakeBackend) OpenSession(cfg Config) (Adapter, Session, error) {
	b.lastCfg = cfg
	if b.session == nil {
		return nil, nil, ErrUnsupported
	}
	b.sessionOpens++
	return b.adapter, b.session, nil
}

func (b *fakeBackend) OpenRaw(cfg Config) (RawHandle, bool, error) {
	b.lastCfg = cfg
	b.rawOpens++
	if b.rawErr != nil {
		return nil, false, b.rawErr
	}
	return b.handle, b.fresh, nil
}

func (b *fakeBackend) Configurator() Configurator {
	if b.cfgr == nil {
		b.cfgr = &recordingConfigurator{}
	}
	return b.cfgr
}

func newRawBackend(h *fakeHandle) *fakeBackend {
	return &fakeBackend{
		handle: h,
		cfgr:   &recordingConfigurator{handle: h},
	}
}

func newSessionBackend() *fakeBackend {
	return &fakeBackend{
		adapter: &fakeAdapter{name: "wintun0", mtu: 1420},
		session: newFakeSession(),
		cfgr:    &recordingConfigurator{},
	}
}

// fakeRegistration is a Registration whose readiness tests set by hand.
type fakeRegistration struct {
	mu           sync.Mutex
	ready        Readiness
	tick         uint64
	waker        Waker
	deregistered bool
	err          error
}

func (r *fakeRegistration) PollReady(interest Interest, w Waker) (ReadyEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return ReadyEvent{}, false, r.err
	}
	if m := r.ready.Matches(interest); m != 0 {
		return ReadyEvent{Ready: m, Tick: r.tick}, true, nil
	}
	if w != nil {
		r.waker = w
	}
	return ReadyEvent{}, false, nil
}

func (r *fakeRegistration) ClearReady(ev ReadyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Tick != r.tick {
		return
	}
	r.ready &^= ev.Ready &^ (ReadyReadClosed | ReadyWriteClosed)
}

func (r *fakeRegistration) Deregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = true
	return nil
}

// set reports new readiness and wakes the waiting waker.
func (r *fakeRegistration) set(ready Readiness) {
	r.mu.Lock()
	r.tick++
	r.ready |= ready
	w := r.waker
	r.waker = nil
	r.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

type fakeReactor struct {
	regs map[int]*fakeRegistration
}

func (r *fakeReactor) Register(fd int) (Registration, error) {
	if r.regs == nil {
		r.regs = make(map[int]*fakeRegistration)
	}
	reg := &fakeRegistration{}
	r.regs[fd] = reg
	return reg, nil
}

// fakeRunner records commands and replays canned results.
type fakeRunner struct {
	commands [][]string
	out      []byte
	err      error
}

func (r *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	r.commands = append(r.commands, append([]string{name}, args...))
	return r.out, r.err
}
