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
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/gomega"
)

// TestSerializeICMPv4SwapsMACsAndIPsAndSetsEchoReply is the direct
// regression test for review comment (b): an echo reply built by
// serializeICMPv4 must have its L2/L3 addresses swapped relative to
// the request and carry type=0 (echo reply) with a checksum gopacket
// computed, not a hand-rolled one (spec.md 8, property 8's ICMPv4
// echo example).
func TestSerializeICMPv4SwapsMACsAndIPsAndSetsEchoReply(t *testing.T) {
	g := NewGomegaWithT(t)

	reqSrcMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	reqDstMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	reqSrcIP := net.ParseIP("10.0.0.5").To4()
	reqDstIP := net.ParseIP("10.0.0.1").To4()

	// handleICMPv4Echo flips src/dst before calling serializeICMPv4: the
	// reply's Ethernet/IP src is the original destination, and vice
	// versa.
	frame, ok := serializeICMPv4(reqDstMAC, reqSrcMAC, reqDstIP, reqSrcIP, icmpTypeEchoReply, 0, []byte{0x00, 0x01, 0x00, 0x02, 'p', 'i', 'n', 'g'})
	g.Expect(ok).To(BeTrue())

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	g.Expect(ethLayer).NotTo(BeNil())
	eth := ethLayer.(*layers.Ethernet)
	g.Expect(eth.SrcMAC.String()).To(Equal(reqDstMAC.String()))
	g.Expect(eth.DstMAC.String()).To(Equal(reqSrcMAC.String()))
	g.Expect(eth.EthernetType).To(Equal(layers.EthernetTypeIPv4))

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	g.Expect(ipLayer).NotTo(BeNil())
	ip4 := ipLayer.(*layers.IPv4)
	g.Expect(ip4.SrcIP.Equal(reqDstIP)).To(BeTrue())
	g.Expect(ip4.DstIP.Equal(reqSrcIP)).To(BeTrue())
	g.Expect(ip4.Protocol).To(Equal(layers.IPProtocolICMPv4))

	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	g.Expect(icmpLayer).NotTo(BeNil())
	icmp := icmpLayer.(*layers.ICMPv4)
	g.Expect(icmp.TypeCode.Type()).To(Equal(uint8(icmpTypeEchoReply)))
	g.Expect(icmp.Checksum).NotTo(BeZero(), "gopacket must have computed a real checksum, not left it zero")

	g.Expect(packet.ApplicationLayer()).NotTo(BeNil())
	g.Expect(packet.ApplicationLayer().Payload()).To(Equal([]byte{'p', 'i', 'n', 'g'}))
}

// TestSerializeICMPv4RawPreservesTypeCodeFromInboundBytes exercises the
// ICMP-error NAT-continuation path: serializeICMPv4Raw must reuse the
// inbound message's own type/code/id/seq rather than synthesizing an
// echo reply, since an ICMP error continuation isn't an echo at all.
func TestSerializeICMPv4RawPreservesTypeCodeFromInboundBytes(t *testing.T) {
	g := NewGomegaWithT(t)

	srcMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	dstMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	srcIP := net.ParseIP("10.0.0.1").To4()
	dstIP := net.ParseIP("10.0.0.5").To4()

	// type=3 (destination unreachable), code=1 (host unreachable).
	raw := []byte{3, 1, 0, 0, 0, 0, 0, 0, 'r', 'e', 's', 't'}
	frame, ok := serializeICMPv4Raw(srcMAC, dstMAC, srcIP, dstIP, raw)
	g.Expect(ok).To(BeTrue())

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	g.Expect(icmpLayer).NotTo(BeNil())
	icmp := icmpLayer.(*layers.ICMPv4)
	g.Expect(icmp.TypeCode.Type()).To(Equal(uint8(3)))
	g.Expect(icmp.TypeCode.Code()).To(Equal(uint8(1)))
}

func TestSerializeICMPv4RawRejectsTooShortInput(t *testing.T) {
	g := NewGomegaWithT(t)

	srcMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	dstMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	_, ok := serializeICMPv4Raw(srcMAC, dstMAC, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.5"), []byte{1, 2, 3})
	g.Expect(ok).To(BeFalse())
}
