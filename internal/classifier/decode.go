// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

// DecodeEthernet builds a Packet from a raw Ethernet frame, the same shape
// the compiled classifier object sees at the XDP hook. It never errors:
// anything that doesn't parse as Ethernet/IPv4/TCP/UDP comes back flagged
// Malformed or NonIPv4 so the caller can feed it straight to Classify and
// exercise the same reject path the kernel program takes.
func DecodeEthernet(frame []byte) Packet {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		if pkt.Layer(layers.LayerTypeIPv6) != nil {
			return Packet{NonIPv4: true}
		}
		return Packet{Malformed: true}
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return Packet{Malformed: true}
	}

	srcIP := IPv4ToUint32([4]byte(ip.SrcIP.To4()))
	dstIP := IPv4ToUint32([4]byte(ip.DstIP.To4()))

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			return Packet{Malformed: true}
		}
		tcp := tcpLayer.(*layers.TCP)
		return Packet{
			SrcIP: srcIP, DstIP: dstIP,
			SrcPort: uint16(tcp.SrcPort), DstPort: uint16(tcp.DstPort),
			L4: types.L4TCP, Payload: tcp.Payload,
		}
	case layers.IPProtocolUDP:
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			return Packet{Malformed: true}
		}
		udp := udpLayer.(*layers.UDP)
		return Packet{
			SrcIP: srcIP, DstIP: dstIP,
			SrcPort: uint16(udp.SrcPort), DstPort: uint16(udp.DstPort),
			L4: types.L4UDP, Payload: udp.Payload,
		}
	default:
		return Packet{Malformed: true}
	}
}
