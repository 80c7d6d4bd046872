package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/grmrgecko/tuntap/tun"
)

// A one line description of a packet read from a device.
type packetSummary struct {
	Protocol    string
	Source      string
	Destination string
	Length      int
	Truncated   bool
}

func (s packetSummary) String() string {
	if s.Protocol == "" {
		return fmt.Sprintf("unknown packet length %d", s.Length)
	}
	str := fmt.Sprintf("%s %s > %s length %d", s.Protocol, s.Source, s.Destination, s.Length)
	if s.Truncated {
		str += " truncated"
	}
	return str
}

// The first layer of packets on a device. L3 devices carry raw IP packets
// with the version in the top nibble.
func firstLayerType(layer tun.Layer, pkt []byte) (gopacket.LayerType, bool) {
	if layer == tun.LayerL2 {
		return layers.LayerTypeEthernet, true
	}
	if len(pkt) == 0 {
		return 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return layers.LayerTypeIPv4, true
	case 6:
		return layers.LayerTypeIPv6, true
	}
	return 0, false
}

func hostPort(ip net.IP, port int) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// Decode a packet far enough to describe it.
func summarizePacket(layer tun.Layer, pkt []byte) packetSummary {
	s := packetSummary{Length: len(pkt)}
	first, ok := firstLayerType(layer, pkt)
	if !ok {
		return s
	}

	// Setup packet decoder.
	var eth layers.Ethernet
	var arp layers.ARP
	var ip4 layers.IPv4
	var ip6 layers.IPv6
	var tcp layers.TCP
	var udp layers.UDP
	var icmp4 layers.ICMPv4
	var icmp6 layers.ICMPv6
	var payload gopacket.Payload
	parser := gopacket.NewDecodingLayerParser(first, &eth, &arp, &ip4, &ip6, &tcp, &udp, &icmp4, &icmp6, &payload)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(pkt, &decoded); err != nil {
		s.Truncated = true
	}

	// Later layers refine what earlier layers found.
	var src, dst net.IP
	for _, layerType := range decoded {
		switch layerType {
		case layers.LayerTypeEthernet:
			s.Protocol = "Ethernet"
			s.Source = eth.SrcMAC.String()
			s.Destination = eth.DstMAC.String()
		case layers.LayerTypeARP:
			s.Protocol = "ARP"
			s.Source = net.IP(arp.SourceProtAddress).String()
			s.Destination = net.IP(arp.DstProtAddress).String()
		case layers.LayerTypeIPv4:
			src, dst = ip4.SrcIP, ip4.DstIP
			s.Protocol = "IPv4"
			s.Source = src.String()
			s.Destination = dst.String()
		case layers.LayerTypeIPv6:
			src, dst = ip6.SrcIP, ip6.DstIP
			s.Protocol = "IPv6"
			s.Source = src.String()
			s.Destination = dst.String()
		case layers.LayerTypeTCP:
			s.Protocol = "TCP"
			s.Source = hostPort(src, int(tcp.SrcPort))
			s.Destination = hostPort(dst, int(tcp.DstPort))
		case layers.LayerTypeUDP:
			s.Protocol = "UDP"
			s.Source = hostPort(src, int(udp.SrcPort))
			s.Destination = hostPort(dst, int(udp.DstPort))
		case layers.LayerTypeICMPv4:
			s.Protocol = "ICMPv4"
		case layers.LayerTypeICMPv6:
			s.Protocol = "ICMPv6"
		}
	}
	return s
}

// Build a reply to an IP packet by swapping its source and destination
// addresses. Packets that cannot be reflected return nil.
func reflectPacket(layer tun.Layer, pkt []byte) []byte {
	first, ok := firstLayerType(layer, pkt)
	if !ok {
		return nil
	}

	var eth layers.Ethernet
	var ip4 layers.IPv4
	var ip6 layers.IPv6
	parser := gopacket.NewDecodingLayerParser(first, &eth, &ip4, &ip6)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(pkt, &decoded); err != nil {
		return nil
	}

	var out []gopacket.SerializableLayer
	reflected := false
	for _, layerType := range decoded {
		switch layerType {
		case layers.LayerTypeEthernet:
			eth.SrcMAC, eth.DstMAC = eth.DstMAC, eth.SrcMAC
			out = append(out, &eth)
		case layers.LayerTypeIPv4:
			ip4.SrcIP, ip4.DstIP = ip4.DstIP, ip4.SrcIP
			out = append(out, &ip4, gopacket.Payload(ip4.Payload))
			reflected = true
		case layers.LayerTypeIPv6:
			if ip6.HopByHop != nil {
				return nil
			}
			ip6.SrcIP, ip6.DstIP = ip6.DstIP, ip6.SrcIP
			out = append(out, &ip6, gopacket.Payload(ip6.Payload))
			reflected = true
		}
	}
	if !reflected {
		return nil
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, out...); err != nil {
		return nil
	}
	return buf.Bytes()
}
