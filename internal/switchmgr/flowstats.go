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

package switchmgr

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/contiv/libOpenflow/openflow13"
)

// OXM field identifiers used to turn a wire FlowStats.Match back into
// the same token vocabulary ofbuilder.Match.Key() builds on the
// desired side, so Reconcile's string-keyed diff recognizes a flow
// this agent already installed instead of reinstalling it on every
// reconnect. The OXM basic-class numbers are OpenFlow 1.3 spec
// constants (ONF TS-006, table 10); the Nicira register numbers are
// the wire encoding contiv/ofnet's NXRegister already produces when
// installing a flow, so decoding them the same way keeps both
// directions consistent.
const (
	oxmClassBasic = 0x8000
	oxmClassNXM1  = 0x0001

	oxmInPort   = 0
	oxmEthDst   = 3
	oxmEthSrc   = 4
	oxmEthType  = 5
	oxmVlanVid  = 6
	oxmIPProto  = 10
	oxmIPv4Src  = 11
	oxmIPv4Dst  = 12
	oxmTCPSrc   = 13
	oxmTCPDst   = 14
	oxmUDPSrc   = 15
	oxmUDPDst   = 16
	oxmICMPType = 19
	oxmICMPCode = 20
	oxmArpOp    = 21
	oxmArpSpa   = 22
	oxmArpTpa   = 23
	oxmIPv6Src  = 26
	oxmIPv6Dst  = 27
	oxmNdTarget = 31
	oxmTunnelID = 38

	oxmNxReg0    = 0 // NXM_NX_REG0..REG11 occupy fields 0..11 of class oxmClassNXM1
	oxmNxPktMark = 33
)

// matchKeyFromWire renders the subset of OXM fields ofbuilder.Match
// also understands into the identical tokens Match.note() produces,
// so string equality means semantic equality for the flows this agent
// installs. A field this decoder doesn't special-case (anything
// masked, conntrack fields, metadata) still contributes a token - just
// a raw class/field/value one instead of a semantic one - so two
// genuinely different unrecognized matches never collide into the
// same key; it only means such a flow won't be recognized as
// already-installed across a reconnect and gets safely reinstalled
// instead (Reconcile's ADD path is idempotent by design, see
// ofbuilder.Match's doc comment).
func matchKeyFromWire(match openflow13.Match) string {
	parts := make([]string, 0, len(match.Fields))
	for _, f := range match.Fields {
		if tok, ok := renderKnownOxmField(f); ok {
			parts = append(parts, tok)
			continue
		}
		parts = append(parts, fmt.Sprintf("raw:%d:%d:%d:%s", f.Class, f.Field, boolInt(f.HasMask), oxmValueHex(f.Value)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func renderKnownOxmField(f openflow13.MatchField) (string, bool) {
	if f.HasMask {
		// The builder side only ever sets a handful of masked fields
		// (ethsrc/dst, ip prefixes, tcp/udp ports, ctmark/ctlabel) and
		// none of them round-trip through a plain value/mask byte
		// comparison cleanly (e.g. a /24 prefix and a /25 prefix with
		// the same base address must stay distinguishable). Leaving
		// masked fields to the raw fallback keeps the common,
		// unmasked majority of flows reconcilable without risking a
        // false match on a narrower or wider mask.
		return "", false
	}

	switch f.Class {
	case oxmClassBasic:
		switch f.Field {
		case oxmInPort:
			return fmt.Sprintf("inport=%d", oxmValueUint32(f.Value)), true
		case oxmEthType:
			return fmt.Sprintf("ethtype=%#x", uint16(oxmValueUint32(f.Value))), true
		case oxmEthSrc:
			return fmt.Sprintf("ethsrc=%s", oxmValueMAC(f.Value)), true
		case oxmEthDst:
			return fmt.Sprintf("ethdst=%s", oxmValueMAC(f.Value)), true
		case oxmVlanVid:
			return fmt.Sprintf("vlan=%d", oxmValueUint32(f.Value)), true
		case oxmIPProto:
			return fmt.Sprintf("ipproto=%d", oxmValueUint32(f.Value)), true
		case oxmIPv4Src:
			return fmt.Sprintf("ipsrc=%s/%s", oxmValueIP(f.Value, 4), "*"), true
		case oxmIPv4Dst:
			return fmt.Sprintf("ipdst=%s/%s", oxmValueIP(f.Value, 4), "*"), true
		case oxmIPv6Src:
			return fmt.Sprintf("ip6src=%s/%s", oxmValueIP(f.Value, 16), "*"), true
		case oxmIPv6Dst:
			return fmt.Sprintf("ip6dst=%s/%s", oxmValueIP(f.Value, 16), "*"), true
		case oxmNdTarget:
			return fmt.Sprintf("ndtarget=%s", oxmValueIP(f.Value, 16)), true
		case oxmTCPSrc:
			return fmt.Sprintf("tcpsrc=%d/%#x", oxmValueUint32(f.Value), 0xffff), true
		case oxmTCPDst:
			return fmt.Sprintf("tcpdst=%d/%#x", oxmValueUint32(f.Value), 0xffff), true
		case oxmUDPSrc:
			return fmt.Sprintf("udpsrc=%d/%#x", oxmValueUint32(f.Value), 0xffff), true
		case oxmUDPDst:
			return fmt.Sprintf("udpdst=%d/%#x", oxmValueUint32(f.Value), 0xffff), true
		case oxmICMPType:
			return fmt.Sprintf("icmptype=%d", oxmValueUint32(f.Value)), true
		case oxmICMPCode:
			return fmt.Sprintf("icmpcode=%d", oxmValueUint32(f.Value)), true
		// ARP op/spa/tpa arrive as three independent OXM TLVs but
		// ofbuilder.Match.Arp renders them as one combined
		// "arp op=.. spa=../.. tpa=../.." token; reassembling that
		// from independently-ordered fields isn't worth the
		// complexity here, so ARP matches fall through to the raw
		// per-field encoding below and are always reinstalled rather
		// than risk a wrong reassembly.
		case oxmTunnelID:
			return fmt.Sprintf("tunid=%d", oxmValueUint64(f.Value)), true
		}
	case oxmClassNXM1:
		switch {
		case f.Field >= oxmNxReg0 && f.Field <= oxmNxReg0+11:
			return fmt.Sprintf("reg%d=%#x[<nil>]", f.Field-oxmNxReg0, oxmValueUint32(f.Value)), true
		case f.Field == oxmNxPktMark:
			return fmt.Sprintf("pktmark=%#x", oxmValueUint32(f.Value)), true
		}
	}
	return "", false
}

// The three helpers below read a decoded OXM value through its
// MarshalBinary encoding rather than a concrete field-specific type,
// since the exact Go value type generated per OXM field (uint16,
// *uint32, a dedicated wrapper...) isn't pinned down by anything in
// this pack; every wire value in this library family implements
// encoding.BinaryMarshaler, so decoding against that common interface
// is the least assumption-laden way to get at the raw bytes.
func oxmValueBytes(v interface{}) []byte {
	if m, ok := v.(interface{ MarshalBinary() ([]byte, error) }); ok {
		if b, err := m.MarshalBinary(); err == nil {
			return b
		}
	}
	return nil
}

func oxmValueUint32(v interface{}) uint32 {
	b := oxmValueBytes(v)
	var out uint32
	for _, x := range b {
		out = out<<8 | uint32(x)
	}
	return out
}

func oxmValueUint64(v interface{}) uint64 {
	b := oxmValueBytes(v)
	var out uint64
	for _, x := range b {
		out = out<<8 | uint64(x)
	}
	return out
}

func oxmValueMAC(v interface{}) net.HardwareAddr {
	return net.HardwareAddr(oxmValueBytes(v))
}

func oxmValueIP(v interface{}, size int) net.IP {
	b := oxmValueBytes(v)
	if len(b) != size {
		return nil
	}
	return net.IP(b)
}

func oxmValueHex(v interface{}) string {
	return fmt.Sprintf("%x", oxmValueBytes(v))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// flowStatsToObserved decodes the flow-stats entries of one multipart
// reply into ObservedFlow records. Only OFPMP_FLOW replies carry a
// Body of *openflow13.FlowStats; any other multipart type (e.g. group
// stats) is ignored here.
func flowStatsToObserved(rep *openflow13.MultipartReply) []ObservedFlow {
	if rep == nil {
		return nil
	}
	var out []ObservedFlow
	for _, body := range rep.Body {
		fs, ok := body.(*openflow13.FlowStats)
		if !ok {
			continue
		}
		out = append(out, ObservedFlow{
			Table:    fs.TableId,
			Priority: fs.Priority,
			Cookie:   fs.Cookie,
			MatchKey: matchKeyFromWire(fs.Match),
			Packets:  fs.PacketCount,
			Bytes:    fs.ByteCount,
		})
	}
	return out
}
