/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// fdHandle is a tun/tap file descriptor. The descriptor stays non-blocking,
// blocking calls wait in poll together with an eventfd signalled on shutdown.
type fdHandle struct {
	fd   int
	evfd int

	mu   sync.RWMutex
	name string

	shut      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newFdHandle(fd int, name string) (*fdHandle, error) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &fdHandle{fd: fd, evfd: evfd, name: name}, nil
}

// wait blocks until fd has the requested events or the handle is shut down.
func (h *fdHandle) wait(events int16) error {
	for {
		if h.shut.Load() {
			return ErrConnectionAborted
		}
		fds := []unix.PollFd{
			{Fd: int32(h.fd), Events: events},
			{Fd: int32(h.evfd), Events: unix.POLLIN},
		}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if fds[1].Revents != 0 {
			return ErrConnectionAborted
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return os.ErrClosed
		}
		return nil
	}
}

func (h *fdHandle) Read(b []byte) (int, error) {
	for {
		n, err := h.TryRead(b)
		if err != ErrWouldBlock {
			return n, err
		}
		err = h.wait(unix.POLLIN)
		if err != nil {
			return 0, err
		}
	}
}

func (h *fdHandle) Write(b []byte) (int, error) {
	for {
		n, err := h.TryWrite(b)
		if err != ErrWouldBlock {
			return n, err
		}
		err = h.wait(unix.POLLOUT)
		if err != nil {
			return 0, err
		}
	}
}

func (h *fdHandle) TryRead(b []byte) (int, error) {
	for {
		n, err := unix.Read(h.fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0 && len(b) != 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (h *fdHandle) TryWrite(b []byte) (int, error) {
	for {
		n, err := unix.Write(h.fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

func (h *fdHandle) TryReadv(bufs [][]byte) (int, error) {
	for {
		n, err := unix.Readv(h.fd, bufs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("readv", err)
		}
		return n, nil
	}
}

func (h *fdHandle) TryWritev(bufs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(h.fd, bufs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("writev", err)
		}
		return n, nil
	}
}

func (h *fdHandle) Fd() int {
	return h.fd
}

func (h *fdHandle) Shutdown() error {
	if h.shut.Swap(true) {
		return nil
	}
	// The eventfd is never drained, so every later poll returns at once.
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(h.evfd, one[:])
	if err != nil {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (h *fdHandle) Close() error {
	h.closeOnce.Do(func() {
		h.Shutdown()
		err := unix.Close(h.fd)
		if err != nil {
			h.closeErr = os.NewSyscallError("close", err)
		}
		unix.Close(h.evfd)
	})
	return h.closeErr
}

func (h *fdHandle) link() (netlink.Link, error) {
	name, _ := h.Name()
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find link %s: %w", name, err)
	}
	return link, nil
}

func (h *fdHandle) Index() (int, error) {
	link, err := h.link()
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

func (h *fdHandle) Name() (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.name, nil
}

// SetName renames the link. The kernel refuses to rename a link that is up,
// so it is taken down for the rename and brought back up after.
func (h *fdHandle) SetName(name string) error {
	link, err := h.link()
	if err != nil {
		return err
	}
	up := link.Attrs().Flags&net.FlagUp != 0
	if up {
		err = netlink.LinkSetDown(link)
		if err != nil {
			return err
		}
	}
	err = netlink.LinkSetName(link, name)
	if err == nil {
		h.mu.Lock()
		h.name = name
		h.mu.Unlock()
	}
	if up {
		upErr := netlink.LinkSetUp(link)
		if err == nil {
			err = upErr
		}
	}
	return err
}

func (h *fdHandle) Up() error {
	link, err := h.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (h *fdHandle) Down() error {
	link, err := h.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetDown(link)
}

func (h *fdHandle) MACAddress() (net.HardwareAddr, error) {
	link, err := h.link()
	if err != nil {
		return nil, err
	}
	return link.Attrs().HardwareAddr, nil
}

func (h *fdHandle) SetMACAddress(mac net.HardwareAddr) error {
	link, err := h.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetHardwareAddr(link, mac)
}

func (h *fdHandle) MTU() (int, error) {
	link, err := h.link()
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func (h *fdHandle) SetMTU(mtu int) error {
	link, err := h.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetMTU(link, mtu)
}

// addr returns the first IPv4 address on the link.
func (h *fdHandle) addr() (netlink.Addr, error) {
	link, err := h.link()
	if err != nil {
		return netlink.Addr{}, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netlink.Addr{}, err
	}
	if len(addrs) == 0 {
		return netlink.Addr{}, fmt.Errorf("%w: no IPv4 address", ErrInvalidAddress)
	}
	return addrs[0], nil
}

func (h *fdHandle) Address() (netip.Addr, error) {
	a, err := h.addr()
	if err != nil {
		return netip.Addr{}, err
	}
	return ToIPv4(a.IP)
}

func (h *fdHandle) Destination() (netip.Addr, error) {
	a, err := h.addr()
	if err != nil {
		return netip.Addr{}, err
	}
	if a.Peer == nil {
		return netip.Addr{}, fmt.Errorf("%w: no destination", ErrInvalidAddress)
	}
	return ToIPv4(a.Peer.IP)
}

func (h *fdHandle) Netmask() (netip.Addr, error) {
	a, err := h.addr()
	if err != nil {
		return netip.Addr{}, err
	}
	ones, _ := a.Mask.Size()
	return IPv4Netmask(ones)
}
