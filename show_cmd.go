package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Command to show the configured devices.
type ShowCmd struct{}

// Print a table of device configurations.
func printDevices(w io.Writer, devices []DeviceConfig) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Layer", "MTU", "MAC Address", "IPv4", "IPv6", "Enabled"})

	// Add rows for each device.
	for _, dev := range devices {
		layer := dev.Layer
		if layer == "" {
			layer = "l3"
		}
		var mtu, ipv4 string
		if dev.MTU != 0 {
			mtu = fmt.Sprint(dev.MTU)
		}
		if dev.IPv4 != nil {
			ipv4 = dev.IPv4.CIDR
			if dev.IPv4.Destination != "" {
				ipv4 += " via " + dev.IPv4.Destination
			}
		}
		t.AppendRow([]interface{}{dev.Name, layer, mtu, dev.MACAddress, ipv4, strings.Join(dev.IPv6, ", "), !dev.Disabled})
	}

	// Render the table.
	t.Render()
}

func (a *ShowCmd) Run() (err error) {
	config := ReadConfig()

	// Verify there are devices.
	if len(config.Devices) == 0 {
		fmt.Println("No devices configured.")
		return
	}

	// Check every device builds before listing.
	for _, dev := range config.Devices {
		b, err := dev.Builder()
		if err == nil {
			_, err = b.Config()
		}
		if err != nil {
			return fmt.Errorf("invalid device %s: %w", dev.Name, err)
		}
	}

	printDevices(os.Stdout, config.Devices)
	return
}
