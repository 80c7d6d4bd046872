package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/grmrgecko/tuntap/tun"
	log "github.com/sirupsen/logrus"
)

// Handles a packet read from a link. The returned packet, if any, is
// written back to the link.
type packetHandler func(l *Link, pkt []byte) []byte

var packetHandlers = map[string]packetHandler{
	"dump": func(l *Link, pkt []byte) []byte {
		l.log.Info(summarizePacket(l.layer, pkt[l.header:]))
		return nil
	},
	"echo": func(l *Link, pkt []byte) []byte {
		reply := reflectPacket(l.layer, pkt[l.header:])
		if reply == nil {
			return nil
		}
		return append(slices.Clone(pkt[:l.header]), reply...)
	},
	"discard": func(l *Link, pkt []byte) []byte {
		return nil
	},
}

// Names of the available packet modes.
func packetModes() []string {
	var modes []string
	for mode := range packetHandlers {
		modes = append(modes, mode)
	}
	slices.Sort(modes)
	return modes
}

// Length of the virtio net header prepended with offloads enabled.
const virtioNetHdrLen = 10

// Length of the metadata preceding each packet on a device with this config.
func packetHeaderLen(cfg tun.Config) (n int) {
	if cfg.PacketInformation() {
		n += 4
	}
	if cfg.Offload() {
		n += virtioNetHdrLen
	}
	return
}

// A running device with a packet reader.
type Link struct {
	name   string
	layer  tun.Layer
	header int

	state struct {
		state    atomic.Uint32
		stopping sync.WaitGroup
		sync.Mutex
	}

	device  *tun.Device
	async   *tun.AsyncDevice
	ctx     context.Context
	cancel  context.CancelFunc
	handler packetHandler

	received atomic.Uint64
	sent     atomic.Uint64

	log *log.Entry
}

// Build a device and start handling its packets in the requested mode.
func NewLink(b *tun.Builder, mode string, async bool) (l *Link, err error) {
	handler, ok := packetHandlers[mode]
	if !ok {
		return nil, fmt.Errorf("unknown packet mode %s", mode)
	}
	cfg, err := b.Config()
	if err != nil {
		return nil, err
	}

	l = new(Link)
	l.layer = cfg.Layer()
	l.header = packetHeaderLen(cfg)
	l.handler = handler
	l.ctx, l.cancel = context.WithCancel(context.Background())

	// Create the device.
	if async {
		l.async, err = b.BuildAsync()
		if err != nil {
			l.cancel()
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		l.device = l.async.Device()
	} else {
		l.device, err = b.Build()
		if err != nil {
			l.cancel()
			if l.device != nil {
				l.device.Close()
			}
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
	}

	// Verify the real name from the device in-case the OS decided
	// to change it from the request.
	l.name, err = l.device.Name()
	if err != nil {
		l.name, _ = cfg.Name()
	}
	l.log = log.WithFields(log.Fields{
		"device": l.name,
		"layer":  l.layer,
	})
	l.state.state.Store(uint32(linkStateUp))

	// Start the packet reader.
	l.state.stopping.Add(1)
	go l.packetReader()

	// Inform that the link has started.
	l.log.Print("Link started.")
	return
}

// The state of the link.
type linkState uint32

const (
	linkStateDown linkState = iota
	linkStateUp
	linkStateClosed
)

func (s linkState) String() string {
	switch s {
	case linkStateDown:
		return "Down"
	case linkStateUp:
		return "Up"
	case linkStateClosed:
		return "Closed"
	}
	return fmt.Sprintf("linkState(%d)", uint32(s))
}

// Gets the current link state.
func (l *Link) State() linkState {
	return linkState(l.state.state.Load())
}

// Is the link closed?
func (l *Link) IsClosed() bool {
	return l.State() == linkStateClosed
}

// Get the link name.
func (l *Link) Name() string {
	return l.name
}

// Get the device of this link.
func (l *Link) Device() *tun.Device {
	return l.device
}

// Packets read and written since the link started.
func (l *Link) Counters() (received, sent uint64) {
	return l.received.Load(), l.sent.Load()
}

func (l *Link) recv(b []byte) (int, error) {
	if l.async != nil {
		return l.async.Recv(l.ctx, b)
	}
	return l.device.Recv(b)
}

func (l *Link) send(b []byte) (int, error) {
	if l.async != nil {
		return l.async.Send(l.ctx, b)
	}
	return l.device.Send(b)
}

// Reads packets from the device and passes them to the handler.
func (l *Link) packetReader() {
	defer func() {
		l.log.Debug("packet reader - stopped")
		l.state.stopping.Done()
	}()

	l.log.Debug("packet reader - started")
	buf := make([]byte, 1<<16)
	for {
		// Read packet.
		n, err := l.recv(buf)
		if err != nil {
			if errors.Is(err, tun.ErrConnectionAborted) || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			l.log.Errorf("received error reading from device: %v", err)
			return
		}
		l.received.Add(1)

		// Packets shorter than their metadata are not passed on.
		if n < l.header {
			continue
		}
		reply := l.handler(l, buf[:n])
		if reply == nil {
			continue
		}
		_, err = l.send(reply)
		if err != nil {
			l.log.Errorf("failed to write reply to device: %v", err)
			continue
		}
		l.sent.Add(1)
	}
}

// Close this link.
func (l *Link) Close() (err error) {
	l.state.Lock()
	defer l.state.Unlock()
	if l.IsClosed() {
		return
	}
	l.state.state.Store(uint32(linkStateClosed))
	l.log.Debug("Link is closing.")

	// Stop the packet reader before closing the device.
	l.cancel()
	l.device.Shutdown()
	l.state.stopping.Wait()

	if l.async != nil {
		err = l.async.Close()
	} else {
		err = l.device.Close()
	}
	l.log.Print("Link closed.")
	return
}
