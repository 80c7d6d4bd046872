/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

// Control codes of the tap-windows6 driver.
const (
	tapIoctlGetMAC         = 0x220004
	tapIoctlGetMTU         = 0x22000c
	tapIoctlSetMediaStatus = 0x220018
)

const networkAdapterClass = `SYSTEM\CurrentControlSet\Control\Class\{4D36E972-E325-11CE-BFC1-08002BE10318}`

// tapInstance is an installed adapter of the tap driver.
type tapInstance struct {
	key  string
	guid windows.GUID
}

// tapInstances lists the installed adapters with the given hardware ID.
func tapInstances(hardwareID string) ([]tapInstance, error) {
	class, err := registry.OpenKey(registry.LOCAL_MACHINE, networkAdapterClass, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, fmt.Errorf("failed to open adapter class: %w", err)
	}
	defer class.Close()
	names, err := class.ReadSubKeyNames(-1)
	if err != nil {
		return nil, err
	}

	var found []tapInstance
	for _, name := range names {
		path := networkAdapterClass + `\` + name
		k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		component, _, err := k.GetStringValue("ComponentId")
		if err != nil || !strings.EqualFold(component, hardwareID) {
			k.Close()
			continue
		}
		id, _, err := k.GetStringValue("NetCfgInstanceId")
		k.Close()
		if err != nil {
			continue
		}
		guid, err := windows.GUIDFromString(id)
		if err != nil {
			continue
		}
		found = append(found, tapInstance{key: path, guid: guid})
	}
	return found, nil
}

// findTap returns the installed adapter with the given interface alias.
func findTap(hardwareID, name string) (tapInstance, bool, error) {
	instances, err := tapInstances(hardwareID)
	if err != nil {
		return tapInstance{}, false, err
	}
	for _, inst := range instances {
		luid, err := winipcfg.LUIDFromGUID(&inst.guid)
		if err != nil {
			continue
		}
		alias, err := interfaceAlias(luid)
		if err == nil && alias == name {
			return inst, true, nil
		}
	}
	return tapInstance{}, false, nil
}

// createTap installs a new adapter with tapctl, which prints its GUID.
func createTap(runner CommandRunner, hardwareID string) (tapInstance, error) {
	out, err := runner.Run("tapctl", "create", "--hwid", hardwareID)
	if err != nil {
		return tapInstance{}, fmt.Errorf("failed to create tap adapter: %w", err)
	}
	id := strings.TrimSpace(decodeOutput(out))
	guid, err := windows.GUIDFromString(id)
	if err != nil {
		return tapInstance{}, fmt.Errorf("unexpected tapctl output %q: %w", id, err)
	}
	instances, err := tapInstances(hardwareID)
	if err != nil {
		return tapInstance{}, err
	}
	for _, inst := range instances {
		if inst.guid == guid {
			return inst, nil
		}
	}
	return tapInstance{}, fmt.Errorf("created tap adapter %s is not registered", id)
}

// openTap opens the adapter with the default or requested name. When there
// is none a new adapter is created, which is then fresh.
func openTap(cfg Config, runner CommandRunner, netsh NetshConfigurator) (RawHandle, bool, error) {
	inst, ok, err := findTap(HardwareID, cfg.NameOrDefault())
	if err != nil {
		return nil, false, err
	}
	fresh := false
	if !ok {
		inst, err = createTap(runner, HardwareID)
		if err != nil {
			return nil, false, err
		}
		fresh = true
	}
	h, err := newTapHandle(inst, netsh)
	if err != nil {
		return nil, false, err
	}
	log.Debugf("Opened tap adapter %s", inst.guid)
	return h, fresh, nil
}

type tapHandle struct {
	inst  tapInstance
	luid  winipcfg.LUID
	file  windows.Handle
	netsh NetshConfigurator

	readMu  sync.Mutex
	readOv  windows.Overlapped
	writeMu sync.Mutex
	writeOv windows.Overlapped

	shut      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newTapHandle(inst tapInstance, netsh NetshConfigurator) (*tapHandle, error) {
	luid, err := winipcfg.LUIDFromGUID(&inst.guid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tap adapter %s: %w", inst.guid, err)
	}
	path, err := windows.UTF16PtrFromString(`\\.\Global\` + inst.guid.String() + `.tap`)
	if err != nil {
		return nil, err
	}
	file, err := windows.CreateFile(path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_SYSTEM|windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open tap adapter %s: %w", inst.guid, err)
	}

	h := &tapHandle{inst: inst, luid: luid, file: file, netsh: netsh}
	h.readOv.HEvent, err = windows.CreateEvent(nil, 1, 0, nil)
	if err == nil {
		h.writeOv.HEvent, err = windows.CreateEvent(nil, 1, 0, nil)
	}
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// complete waits for an overlapped operation. With try set, an operation
// still pending is cancelled and reported as ErrWouldBlock.
func (h *tapHandle) complete(ov *windows.Overlapped, err error, try bool) (int, error) {
	var done uint32
	if err == windows.ERROR_IO_PENDING {
		if try || h.shut.Load() {
			windows.CancelIoEx(h.file, ov)
		}
		err = windows.GetOverlappedResult(h.file, ov, &done, true)
	} else if err == nil {
		err = windows.GetOverlappedResult(h.file, ov, &done, false)
	}
	switch {
	case err == windows.ERROR_OPERATION_ABORTED && h.shut.Load():
		return 0, ErrConnectionAborted
	case err == windows.ERROR_OPERATION_ABORTED && try:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	}
	return int(done), nil
}

func (h *tapHandle) read(b []byte, try bool) (int, error) {
	h.readMu.Lock()
	defer h.readMu.Unlock()
	if h.shut.Load() {
		return 0, ErrConnectionAborted
	}
	windows.ResetEvent(h.readOv.HEvent)
	err := windows.ReadFile(h.file, b, nil, &h.readOv)
	return h.complete(&h.readOv, err, try)
}

func (h *tapHandle) write(b []byte, try bool) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.shut.Load() {
		return 0, ErrConnectionAborted
	}
	windows.ResetEvent(h.writeOv.HEvent)
	err := windows.WriteFile(h.file, b, nil, &h.writeOv)
	return h.complete(&h.writeOv, err, try)
}

func (h *tapHandle) Read(b []byte) (int, error) {
	return h.read(b, false)
}

func (h *tapHandle) Write(b []byte) (int, error) {
	return h.write(b, false)
}

func (h *tapHandle) TryRead(b []byte) (int, error) {
	return h.read(b, true)
}

func (h *tapHandle) TryWrite(b []byte) (int, error) {
	return h.write(b, true)
}

func (h *tapHandle) ioctl(code uint32, in, out []byte) (int, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(ev)
	ov := windows.Overlapped{HEvent: ev}

	var inPtr, outPtr *byte
	if len(in) != 0 {
		inPtr = &in[0]
	}
	if len(out) != 0 {
		outPtr = &out[0]
	}
	var done uint32
	err = windows.DeviceIoControl(h.file, code, inPtr, uint32(len(in)), outPtr, uint32(len(out)), &done, &ov)
	if err == windows.ERROR_IO_PENDING {
		err = windows.GetOverlappedResult(h.file, &ov, &done, true)
	}
	if err != nil {
		return 0, fmt.Errorf("ioctl %#x: %w", code, err)
	}
	return int(done), nil
}

func (h *tapHandle) setMediaStatus(connected bool) error {
	var status [4]byte
	if connected {
		binary.LittleEndian.PutUint32(status[:], 1)
	}
	_, err := h.ioctl(tapIoctlSetMediaStatus, status[:], status[:])
	return err
}

func (h *tapHandle) Up() error {
	return h.setMediaStatus(true)
}

func (h *tapHandle) Down() error {
	return h.setMediaStatus(false)
}

func (h *tapHandle) Index() (int, error) {
	return interfaceIndex(h.luid)
}

func (h *tapHandle) Name() (string, error) {
	return interfaceAlias(h.luid)
}

func (h *tapHandle) SetName(name string) error {
	old, err := h.Name()
	if err != nil {
		return err
	}
	return h.netsh.Rename(old, name)
}

func (h *tapHandle) MACAddress() (net.HardwareAddr, error) {
	mac := make([]byte, 6)
	n, err := h.ioctl(tapIoctlGetMAC, mac, mac)
	if err != nil {
		return nil, err
	}
	return net.HardwareAddr(mac[:n]), nil
}

// SetMACAddress stores the address in the adapter's NetworkAddress
// property. The driver picks it up when the adapter restarts.
func (h *tapHandle) SetMACAddress(mac net.HardwareAddr) error {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, h.inst.key, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open adapter key: %w", err)
	}
	defer k.Close()
	value := strings.ToUpper(strings.ReplaceAll(mac.String(), ":", ""))
	return k.SetStringValue("NetworkAddress", value)
}

func (h *tapHandle) MTU() (int, error) {
	var mtu [4]byte
	_, err := h.ioctl(tapIoctlGetMTU, mtu[:], mtu[:])
	if err != nil {
		return interfaceMTU(h.luid)
	}
	return int(binary.LittleEndian.Uint32(mtu[:])), nil
}

func (h *tapHandle) SetMTU(mtu int) error {
	return setInterfaceMTU(h.luid, mtu)
}

func (h *tapHandle) Address() (netip.Addr, error) {
	addrs, err := unicastAddresses(h.luid)
	if err != nil {
		return netip.Addr{}, err
	}
	return firstV4(addrs)
}

func (h *tapHandle) Destination() (netip.Addr, error) {
	hops, err := gateways(h.luid)
	if err != nil {
		return netip.Addr{}, err
	}
	return firstV4(hops)
}

func (h *tapHandle) Netmask() (netip.Addr, error) {
	addr, err := h.Address()
	if err != nil {
		return netip.Addr{}, err
	}
	return netmaskOf(h.luid, addr)
}

// Shutdown cancels I/O in flight and fails any that follows.
func (h *tapHandle) Shutdown() error {
	h.shut.Store(true)
	err := windows.CancelIoEx(h.file, nil)
	if err == windows.ERROR_NOT_FOUND {
		return nil
	}
	return err
}

func (h *tapHandle) Close() error {
	h.closeOnce.Do(func() {
		h.Shutdown()
		h.readMu.Lock()
		h.writeMu.Lock()
		h.closeErr = windows.CloseHandle(h.file)
		for _, ev := range []windows.Handle{h.readOv.HEvent, h.writeOv.HEvent} {
			if ev != 0 {
				windows.CloseHandle(ev)
			}
		}
		h.writeMu.Unlock()
		h.readMu.Unlock()
	})
	return h.closeErr
}
