// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hookpoints

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flyhook/internal/client"
)

// decodePacket lifts an nfqueue payload into the metadata clients receive.
// The payload starts at the IP header; packets that do not parse still reach
// clients with raw bytes and zeroed metadata.
func decodePacket(data []byte) client.Packet {
	pkt := client.Packet{
		Timestamp: time.Now(),
		Length:    len(data),
		Payload:   data,
	}
	if len(data) == 0 {
		return pkt
	}

	var parsed gopacket.Packet
	switch data[0] >> 4 {
	case 4:
		parsed = gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.NoCopy)
	case 6:
		parsed = gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.NoCopy)
	default:
		return pkt
	}

	if l := parsed.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		pkt.SrcIP = ip.SrcIP
		pkt.DstIP = ip.DstIP
	} else if l := parsed.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		pkt.SrcIP = ip.SrcIP
		pkt.DstIP = ip.DstIP
	}

	if l := parsed.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		pkt.Protocol = "tcp"
		pkt.SrcPort = uint16(tcp.SrcPort)
		pkt.DstPort = uint16(tcp.DstPort)
	} else if l := parsed.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		pkt.Protocol = "udp"
		pkt.SrcPort = uint16(udp.SrcPort)
		pkt.DstPort = uint16(udp.DstPort)
	} else if parsed.Layer(layers.LayerTypeICMPv4) != nil {
		pkt.Protocol = "icmp"
	} else if parsed.Layer(layers.LayerTypeICMPv6) != nil {
		pkt.Protocol = "icmpv6"
	}
	return pkt
}
