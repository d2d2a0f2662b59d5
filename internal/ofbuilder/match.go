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

// Package ofbuilder is a fluent builder for immutable flow records,
// wrapping contiv/ofnet/ofctrl's table and flow API the way the
// teacher's policyBridge built tier flows, but generalized to the
// full match/action vocabulary the pipeline needs: ARP/ND, IPv6,
// tunnel outer addresses, the full register file, metadata, VLAN,
// conntrack with NAT, multipath, and group output.
package ofbuilder

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"
)

// Match accumulates match criteria for one flow. Each With*-style
// method returns the same *Match for chaining and only ever sets
// fields, so construction order doesn't matter and the zero value is
// "match everything". Alongside the ofctrl-native ofctrl.FlowMatch,
// Match keeps a value-only canonical key: ofctrl.FlowMatch carries
// pointer fields that would make two structurally-identical matches
// built on different occasions compare unequal by pointer identity,
// which would break Reconcile's diff and the idempotence property
// (spec.md 8, property 2).
type Match struct {
	Priority uint16
	fm       ofctrl.FlowMatch
	keyParts []string
}

// NewMatch starts a match at the given priority. Within a single
// table, priority is the only tie-breaker OVS uses, so callers must
// supply it explicitly rather than relying on insertion order.
func NewMatch(priority uint16) *Match {
	return &Match{Priority: priority}
}

func (m *Match) note(format string, args ...interface{}) *Match {
	m.keyParts = append(m.keyParts, fmt.Sprintf(format, args...))
	return m
}

func (m *Match) InPort(ofport uint32) *Match {
	m.fm.InputPort = ofport
	return m.note("inport=%d", ofport)
}

func (m *Match) EthType(ethType uint16) *Match {
	m.fm.Ethertype = ethType
	return m.note("ethtype=%#x", ethType)
}

func (m *Match) EthSrc(mac net.HardwareAddr) *Match {
	m.fm.MacSa = &mac
	return m.note("ethsrc=%s", mac)
}

func (m *Match) EthSrcMasked(mac, mask net.HardwareAddr) *Match {
	m.fm.MacSa = &mac
	m.fm.MacSaMask = &mask
	return m.note("ethsrc=%s/%s", mac, mask)
}

func (m *Match) EthDst(mac net.HardwareAddr) *Match {
	m.fm.MacDa = &mac
	return m.note("ethdst=%s", mac)
}

func (m *Match) EthDstMasked(mac, mask net.HardwareAddr) *Match {
	m.fm.MacDa = &mac
	m.fm.MacDaMask = &mask
	return m.note("ethdst=%s/%s", mac, mask)
}

func (m *Match) VlanID(vid uint16) *Match {
	m.fm.VlanId = vid
	return m.note("vlan=%d", vid)
}

func (m *Match) TunnelID(id uint64) *Match {
	m.fm.TunnelId = id
	return m.note("tunid=%d", id)
}

// Arp matches ARP operation code with optional sender/target
// protocol-address prefixes (mask nil means host match).
func (m *Match) Arp(op uint16, spa, spaMask, tpa, tpaMask *net.IP) *Match {
	m.fm.Ethertype = 0x0806
	m.fm.ArpOper = op
	m.fm.ArpSpa = spa
	m.fm.ArpSpaMask = spaMask
	m.fm.ArpTpa = tpa
	m.fm.ArpTpaMask = tpaMask
	return m.note("arp op=%d spa=%s/%s tpa=%s/%s", op, ipStr(spa), ipStr(spaMask), ipStr(tpa), ipStr(tpaMask))
}

func (m *Match) IPv4Src(ip *net.IP, mask *net.IP) *Match {
	m.fm.Ethertype = 0x0800
	m.fm.IpSa = ip
	m.fm.IpSaMask = mask
	return m.note("ipsrc=%s/%s", ipStr(ip), ipStr(mask))
}

func (m *Match) IPv4Dst(ip *net.IP, mask *net.IP) *Match {
	m.fm.Ethertype = 0x0800
	m.fm.IpDa = ip
	m.fm.IpDaMask = mask
	return m.note("ipdst=%s/%s", ipStr(ip), ipStr(mask))
}

func (m *Match) IPv6Src(ip *net.IP, mask *net.IP) *Match {
	m.fm.Ethertype = 0x86dd
	m.fm.Ipv6Sa = ip
	m.fm.Ipv6SaMask = mask
	return m.note("ip6src=%s/%s", ipStr(ip), ipStr(mask))
}

func (m *Match) IPv6Dst(ip *net.IP, mask *net.IP) *Match {
	m.fm.Ethertype = 0x86dd
	m.fm.Ipv6Da = ip
	m.fm.Ipv6DaMask = mask
	return m.note("ip6dst=%s/%s", ipStr(ip), ipStr(mask))
}

// TunnelSrc/TunnelDst match the OUTER tunnel IP (VXLAN underlay), as
// distinct from IPv4Src/Dst which match the encapsulated packet.
func (m *Match) TunnelSrc(ip net.IP) *Match {
	m.fm.TunnelSrcIp = ip
	return m.note("tunsrc=%s", ip)
}

func (m *Match) TunnelDst(ip net.IP) *Match {
	m.fm.TunnelDstIp = ip
	return m.note("tundst=%s", ip)
}

func (m *Match) NdTarget(ip net.IP) *Match {
	m.fm.Ethertype = 0x86dd
	m.fm.NdTarget = &ip
	return m.note("ndtarget=%s", ip)
}

func (m *Match) IPProto(proto uint8) *Match {
	m.fm.IpProto = proto
	return m.note("ipproto=%d", proto)
}

func (m *Match) TCPSrcPort(port, mask uint16) *Match {
	m.fm.IpProto = 6
	m.fm.TcpSrcPort = port
	m.fm.TcpSrcPortMask = mask
	return m.note("tcpsrc=%d/%#x", port, mask)
}

func (m *Match) TCPDstPort(port, mask uint16) *Match {
	m.fm.IpProto = 6
	m.fm.TcpDstPort = port
	m.fm.TcpDstPortMask = mask
	return m.note("tcpdst=%d/%#x", port, mask)
}

func (m *Match) UDPSrcPort(port, mask uint16) *Match {
	m.fm.IpProto = 17
	m.fm.UdpSrcPort = port
	m.fm.UdpSrcPortMask = mask
	return m.note("udpsrc=%d/%#x", port, mask)
}

func (m *Match) UDPDstPort(port, mask uint16) *Match {
	m.fm.IpProto = 17
	m.fm.UdpDstPort = port
	m.fm.UdpDstPortMask = mask
	return m.note("udpdst=%d/%#x", port, mask)
}

func (m *Match) TCPFlags(flags, mask uint16) *Match {
	m.fm.TcpFlags = flags
	m.fm.TcpFlagsMask = mask
	return m.note("tcpflags=%#x/%#x", flags, mask)
}

func (m *Match) ICMPType(t uint8) *Match {
	m.fm.IpProto = 1
	m.fm.IcmpType = t
	return m.note("icmptype=%d", t)
}

func (m *Match) ICMPCode(c uint8) *Match {
	m.fm.IcmpCode = c
	return m.note("icmpcode=%d", c)
}

// Reg matches register regID against value under rng (nil range means
// a full 32-bit match).
func (m *Match) Reg(regID uint8, value uint32, rng *openflow13.NXRange) *Match {
	m.fm.Regs = append(m.fm.Regs, &ofctrl.NXRegister{
		RegID: int(regID),
		Data:  value,
		Range: rng,
	})
	return m.note("reg%d=%#x[%v]", regID, value, rng)
}

func (m *Match) Metadata(value, mask uint64) *Match {
	m.fm.Metadata = &value
	m.fm.MetadataMask = &mask
	return m.note("meta=%#x/%#x", value, mask)
}

func (m *Match) PktMark(mark uint32) *Match {
	m.fm.PktMark = mark
	return m.note("pktmark=%#x", mark)
}

// CtState matches a connection-tracking state mask built via
// openflow13.NewCTStates(), mirroring the teacher's ctStateTable
// flows. desc is a short human label (e.g. "new+trk") used only for
// the canonical key, since *openflow13.CTStates has no stable string
// form of its own.
func (m *Match) CtState(states *openflow13.CTStates, desc string) *Match {
	m.fm.CtStates = states
	return m.note("ctstate=%s", desc)
}

func (m *Match) CtMark(mark uint32, mask uint32) *Match {
	m.fm.CtMark = mark
	m.fm.CtMarkMask = mask
	return m.note("ctmark=%#x/%#x", mark, mask)
}

func (m *Match) CtLabel(label uint64, mask uint64) *Match {
	m.fm.CtLabelHi = label
	m.fm.CtLabelHiMask = mask
	return m.note("ctlabel=%#x/%#x", label, mask)
}

// FlowMatch returns the underlying ofctrl match, for callers that need
// to hand it directly to Table.NewFlow.
func (m *Match) FlowMatch() ofctrl.FlowMatch {
	fm := m.fm
	fm.Priority = m.Priority
	return fm
}

// Key returns the canonical, pointer-free string form of this match,
// used by switchmgr to diff desired vs. observed flow state. Parts are
// sorted rather than joined in call order: the switch doesn't echo OXM
// fields back in flow-stats in the order a flow was built, so the
// observed-side decoder (switchmgr's matchKeyFromWire) sorts its
// tokens too, and both sides must agree on ordering to compare equal.
func (m *Match) Key() string {
	parts := make([]string, len(m.keyParts))
	copy(parts, m.keyParts)
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func ipStr(ip *net.IP) string {
	if ip == nil {
		return "*"
	}
	return ip.String()
}
