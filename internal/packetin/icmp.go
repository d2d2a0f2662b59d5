/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package packetin

import (
	"net"

	log "github.com/Sirupsen/logrus"
	"github.com/contiv/libOpenflow/protocol"
	"github.com/contiv/ofnet/ofctrl"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/opflexcore/agent/internal/modb"
)

// handleICMPEcho answers an echo request punted under the ICMP_ECHO
// class by flipping L2/L3 src/dst and the echo type, leaving id/seq/
// payload untouched (spec.md 4.7, property 8's ICMPv4 echo example).
func (h *Handler) handleICMPEcho(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn, inPort uint32, v6 bool) {
	eth, ok := ethernetOf(pkt)
	if !ok {
		return
	}
	if v6 {
		h.handleICMPv6Echo(sw, eth, inPort)
		return
	}
	h.handleICMPv4Echo(sw, eth, inPort)
}

func (h *Handler) handleICMPv4Echo(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, inPort uint32) {
	ip4, ok := eth.Data.(*protocol.IPv4)
	if !ok {
		return
	}
	raw, ok := rawPayload(ip4.Data)
	if !ok || len(raw) < 8 || raw[0] != icmpTypeEchoRequest {
		return
	}

	frame, ok := serializeICMPv4(eth.HWDst, eth.HWSrc, ip4.NWDst, ip4.NWSrc, icmpTypeEchoReply, 0, raw[4:])
	if !ok {
		return
	}
	sendRawFrame(sw, frame, inPort)
}

func (h *Handler) handleICMPv6Echo(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, inPort uint32) {
	ip6, raw, ok := icmpv6PayloadOf(eth)
	if !ok || len(raw) < 8 || raw[0] != icmp6TypeEchoRequest {
		return
	}

	frame, ok := serializeICMPv6(eth.HWDst, eth.HWSrc, ip6.NWDst, ip6.NWSrc, icmp6TypeEchoReply, 0, raw[4:])
	if !ok {
		return
	}
	sendRawFrame(sw, frame, inPort)
}

// handleICMPErrorV4 rewrites an ICMP error's embedded original-datagram
// source address for NAT continuation: a host behind a floating-IP
// mapping needs the error it receives to reference its own mapped
// address, not the public one the error actually traveled under
// (spec.md 4.7).
func (h *Handler) handleICMPErrorV4(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn, inPort uint32) {
	eth, ok := ethernetOf(pkt)
	if !ok {
		return
	}
	ip4, ok := eth.Data.(*protocol.IPv4)
	if !ok {
		return
	}
	raw, ok := rawPayload(ip4.Data)
	if !ok || len(raw) < 8+20 {
		return
	}

	innerStart := 8
	innerSrc := net.IP(raw[innerStart+12 : innerStart+16])

	mapping, target, ok := h.ipMappingFor(innerSrc)
	if !ok {
		return
	}

	rewritten := append([]byte(nil), raw...)
	copy(rewritten[innerStart+12:innerStart+16], target.To4())

	frame, ok := serializeICMPv4Raw(eth.HWDst, mapping.NextHopMAC, ip4.NWSrc, target, rewritten)
	if !ok {
		return
	}
	sendRawFrame(sw, frame, inPort)
}

// ipMappingFor finds the endpoint IP-mapping whose floating address
// matches the ICMP error's embedded original source, returning the
// endpoint's real (mapped) address to rewrite onto the continuation.
func (h *Handler) ipMappingFor(floating net.IP) (modb.IPMapping, net.IP, bool) {
	for _, ep := range h.store.Endpoints() {
		for _, m := range ep.IPMappings {
			if m.FloatingIP.Equal(floating) {
				return m, m.MappedIP, true
			}
		}
	}
	return modb.IPMapping{}, nil, false
}

const (
	icmpTypeEchoRequest  = 8
	icmpTypeEchoReply    = 0
	icmp6TypeEchoRequest = 128
	icmp6TypeEchoReply   = 129
)

// serializeICMPv4 builds a full Ethernet/IPv4/ICMPv4 echo frame with a
// gopacket-computed checksum, leaving type/code free to vary (echo
// reply here; handleICMPErrorV4 instead reuses the inbound ICMP bytes
// verbatim via serializeICMPv4Raw).
func serializeICMPv4(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, icmpType, icmpCode uint8, rest []byte) ([]byte, bool) {
	id, seq := uint16(0), uint16(0)
	if len(rest) >= 4 {
		id = uint16(rest[0])<<8 | uint16(rest[1])
		seq = uint16(rest[2])<<8 | uint16(rest[3])
		rest = rest[4:]
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, icmpCode),
		Id:       id,
		Seq:      seq,
	}
	return serializeV4(srcMAC, dstMAC, srcIP, dstIP, icmp, gopacket.Payload(rest))
}

// serializeICMPv4Raw reframes an already-built ICMP message (header and
// payload both present in raw, checksum field included but stale after
// the in-place NAT rewrite above) and lets gopacket recompute the
// checksum rather than hand-rolling RFC 1071's ones-complement sum.
func serializeICMPv4Raw(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, raw []byte) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(raw[0], raw[1]),
		Id:       uint16(raw[4])<<8 | uint16(raw[5]),
		Seq:      uint16(raw[6])<<8 | uint16(raw[7]),
	}
	return serializeV4(srcMAC, dstMAC, srcIP, dstIP, icmp, gopacket.Payload(raw[8:]))
}

func serializeV4(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, icmp *layers.ICMPv4, payload gopacket.Payload) ([]byte, bool) {
	ethL := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ipL := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: srcIP, DstIP: dstIP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ethL, ipL, icmp, payload); err != nil {
		log.Warnf("packetin: serializing ICMPv4 reply failed: %v", err)
		return nil, false
	}
	return buf.Bytes(), true
}

// serializeICMPv6 builds a full Ethernet/IPv6/ICMPv6 echo-reply frame.
// ICMPv6's checksum covers the IPv6 pseudo-header, so the ICMPv6 layer
// is told its network layer before serializing (gopacket's standard
// pattern for upper-layer checksums that aren't self-contained).
func serializeICMPv6(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, icmpType, icmpCode uint8, rest []byte) ([]byte, bool) {
	id, seq := uint16(0), uint16(0)
	if len(rest) >= 4 {
		id = uint16(rest[0])<<8 | uint16(rest[1])
		seq = uint16(rest[2])<<8 | uint16(rest[3])
		rest = rest[4:]
	}
	ethL := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ipL := &layers.IPv6{
		Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6,
		SrcIP: srcIP, DstIP: dstIP,
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(icmpType, icmpCode)}
	if err := icmp.SetNetworkLayerForChecksum(ipL); err != nil {
		log.Warnf("packetin: ICMPv6 checksum setup failed: %v", err)
		return nil, false
	}
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ethL, ipL, icmp, echo, gopacket.Payload(rest)); err != nil {
		log.Warnf("packetin: serializing ICMPv6 reply failed: %v", err)
		return nil, false
	}
	return buf.Bytes(), true
}
