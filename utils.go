package main

import (
	"crypto/rand"
	"net"
)

// Generate a random unicast MAC with the locally administered bit set.
func generateRandomMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	rand.Read(mac)
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac
}
