package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
)

// Flags for the up command.
type UpCmd struct {
	Names []string `arg:"" optional:"" help:"Devices from the configuration to bring up, all if none are named"`
	Mode  string   `help:"What to do with received packets (${packetModes})" enum:"${packetModes}" default:"dump"`
	Async bool     `help:"Read packets through the non-blocking device adapter"`
}

// Signals the up command to stop when run as a service.
var upStop = make(chan struct{}, 1)

// Bring up the selected devices and start their links.
func (a *UpCmd) links(config *Config) (links []*Link, err error) {
	devices, err := config.Select(a.Names)
	if err != nil {
		return
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	// On failure, close the links already running.
	defer func() {
		if err != nil {
			for _, l := range links {
				l.Close()
			}
			links = nil
		}
	}()

	for _, dev := range devices {
		b, berr := dev.Builder()
		if berr != nil {
			return links, fmt.Errorf("invalid device %s: %w", dev.Name, berr)
		}
		l, lerr := NewLink(b, a.Mode, a.Async)
		if lerr != nil {
			return links, fmt.Errorf("failed to bring up device %s: %w", dev.Name, lerr)
		}
		links = append(links, l)
	}
	return
}

// Print a table describing the running links.
func printLinks(w io.Writer, links []*Link) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Layer", "MTU", "Address", "Netmask", "Received", "Sent"})

	// Add rows for each link, values the platform cannot report are left blank.
	for _, l := range links {
		dev := l.Device()
		var mtu, addr, mask string
		if v, err := dev.MTU(); err == nil {
			mtu = fmt.Sprint(v)
		}
		if v, err := dev.Address(); err == nil {
			addr = v.String()
		}
		if v, err := dev.Netmask(); err == nil {
			mask = v.String()
		}
		received, sent := l.Counters()
		t.AppendRow([]interface{}{l.Name(), dev.Layer(), mtu, addr, mask, received, sent})
	}

	// Render the table.
	t.Render()
}

// Run until interrupted.
func (a *UpCmd) Run() error {
	// Read the configuration from file.
	config := ReadConfig()

	links, err := a.links(config)
	if err != nil {
		return err
	}
	printLinks(os.Stdout, links)

	// Send notification that the devices are ready.
	daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Println("Devices are up.")

	// Setup service.
	if !service.Interactive() {
		s := &ServiceCmd{Mode: a.Mode}
		svc, err := s.service()
		if err != nil {
			return err
		}
		go svc.Run()
	}

	// Monitor common signals.
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(c)

	// Run program signal handler.
sigLoop:
	for {
		select {
		case sig := <-c:
			// If hangup signal received, print the link counters.
			if sig == syscall.SIGHUP {
				printLinks(os.Stdout, links)
				continue
			}
			break sigLoop
		// If the service manager stops us, mark as done.
		case <-upStop:
			break sigLoop
		}
	}

	// We're quitting, close out all links.
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	for _, l := range links {
		l.Close()
	}
	return nil
}
