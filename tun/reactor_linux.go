/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// EpollReactor is an edge triggered epoll reactor. One goroutine waits on
// the epoll descriptor and records readiness on the registrations.
type EpollReactor struct {
	epfd   int
	evfd   int
	mu     sync.Mutex
	regs   map[int]*epollRegistration
	closed bool
	done   chan struct{}
}

var (
	defaultReactor     *EpollReactor
	defaultReactorErr  error
	defaultReactorOnce sync.Once
)

// DefaultReactor returns the process wide reactor, starting it on first use.
func DefaultReactor() (Reactor, error) {
	defaultReactorOnce.Do(func() {
		defaultReactor, defaultReactorErr = NewEpollReactor()
	})
	if defaultReactorErr != nil {
		return nil, defaultReactorErr
	}
	return defaultReactor, nil
}

// NewEpollReactor starts a reactor. Close stops it.
func NewEpollReactor() (*EpollReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		unix.Close(evfd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	r := &EpollReactor{
		epfd: epfd,
		evfd: evfd,
		regs: make(map[int]*epollRegistration),
		done: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *EpollReactor) run() {
	defer close(r.done)
	log.Debug("epoll reactor - started")
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			log.Errorf("epoll wait failed: %v", err)
			r.shutdown()
			return
		}
		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == r.evfd {
				r.shutdown()
				log.Debug("epoll reactor - stopped")
				return
			}
			r.mu.Lock()
			reg := r.regs[fd]
			r.mu.Unlock()
			if reg != nil {
				reg.dispatch(readinessOf(ev.Events))
			}
		}
	}
}

// shutdown closes every registration and the descriptors of the reactor.
func (r *EpollReactor) shutdown() {
	r.mu.Lock()
	r.closed = true
	regs := r.regs
	r.regs = make(map[int]*epollRegistration)
	r.mu.Unlock()
	for _, reg := range regs {
		reg.close()
	}
	unix.Close(r.evfd)
	unix.Close(r.epfd)
}

// Close stops the reactor. Pending waits fail with os.ErrClosed.
func (r *EpollReactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(r.evfd, one[:]); err != nil {
		return os.NewSyscallError("write", err)
	}
	<-r.done
	return nil
}

// Register adds fd, which must be non-blocking, to the reactor.
func (r *EpollReactor) Register(fd int) (Registration, error) {
	reg := &epollRegistration{r: r, fd: fd}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, os.ErrClosed
	}
	if _, exists := r.regs[fd]; exists {
		r.mu.Unlock()
		return nil, os.ErrExist
	}
	r.regs[fd] = reg
	r.mu.Unlock()

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.regs, fd)
		r.mu.Unlock()
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return reg, nil
}

func readinessOf(events uint32) (r Readiness) {
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		r |= ReadyReadable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= ReadyWritable
	}
	if events&unix.EPOLLRDHUP != 0 {
		r |= ReadyReadClosed
	}
	if events&unix.EPOLLHUP != 0 {
		r |= ReadyReadClosed | ReadyWriteClosed
	}
	if events&unix.EPOLLERR != 0 {
		r |= ReadyError
	}
	return
}

type waiter struct {
	interest Interest
	w        Waker
}

// Waker slots of a registration, one per direction.
const (
	slotRead = iota
	slotWrite
)

// slotsOf returns the slots an interest waits in. Error readiness is
// reported to readers.
func slotsOf(interest Interest) []int {
	switch {
	case interest&InterestWritable == 0:
		return []int{slotRead}
	case interest&(InterestReadable|InterestError) == 0:
		return []int{slotWrite}
	}
	return []int{slotRead, slotWrite}
}

// epollRegistration keeps a single waker per direction. A new poll replaces
// the waker of an earlier one.
type epollRegistration struct {
	r      *EpollReactor
	fd     int
	mu     sync.Mutex
	ready  Readiness
	tick   uint64
	slots  [2]waiter
	closed bool
}

func (g *epollRegistration) PollReady(interest Interest, w Waker) (ReadyEvent, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ReadyEvent{}, false, os.ErrClosed
	}
	if m := g.ready.Matches(interest); m != 0 {
		return ReadyEvent{Ready: m, Tick: g.tick}, true, nil
	}
	if w != nil {
		for _, i := range slotsOf(interest) {
			// Interests accumulate until the slot is woken, so a replaced
			// waker never misses what the previous one waited for.
			g.slots[i] = waiter{interest: g.slots[i].interest | interest, w: w}
		}
	}
	return ReadyEvent{}, false, nil
}

// waiters returns the number of occupied waker slots.
func (g *epollRegistration) waiters() (n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, wt := range g.slots {
		if wt.w != nil {
			n++
		}
	}
	return
}

// Closed conditions stay set once seen.
func (g *epollRegistration) ClearReady(ev ReadyEvent) {
	g.mu.Lock()
	if g.tick == ev.Tick {
		g.ready &^= ev.Ready &^ (ReadyReadClosed | ReadyWriteClosed)
	}
	g.mu.Unlock()
}

func (g *epollRegistration) dispatch(r Readiness) {
	g.mu.Lock()
	g.ready |= r
	g.tick++
	var wake []Waker
	for i, wt := range g.slots {
		if wt.w != nil && r.Matches(wt.interest) != 0 {
			wake = append(wake, wt.w)
			g.slots[i] = waiter{}
		}
	}
	g.mu.Unlock()
	for _, w := range wake {
		w.Wake()
	}
}

func (g *epollRegistration) close() {
	g.mu.Lock()
	g.closed = true
	slots := g.slots
	g.slots = [2]waiter{}
	g.mu.Unlock()
	for _, wt := range slots {
		if wt.w != nil {
			wt.w.Wake()
		}
	}
}

func (g *epollRegistration) Deregister() error {
	g.r.mu.Lock()
	if g.r.regs[g.fd] == g {
		delete(g.r.regs, g.fd)
	}
	closed := g.r.closed
	g.r.mu.Unlock()
	g.close()
	if closed {
		return nil
	}
	err := unix.EpollCtl(g.r.epfd, unix.EPOLL_CTL_DEL, g.fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}
