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
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/protocol"
	"github.com/contiv/libOpenflow/util"
	"github.com/contiv/ofnet/ofctrl"
	"github.com/mdlayher/ndp"
)

// sendPacketOut injects a fully-built frame back through the switch
// that punted it. Replies are always unicast to the port the original
// packet arrived on: every handler here answers the same link segment
// it was punted from, never floods.
func sendPacketOut(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, outPort uint32) {
	pktOut := openflow13.NewPacketOut()
	pktOut.InPort = openflow13.P_CONTROLLER
	pktOut.Data = eth
	pktOut.AddAction(openflow13.NewActionOutput(outPort))

	if err := sw.Send(pktOut); err != nil {
		log.Warnf("packetin: failed to send packet-out to port %d: %v", outPort, err)
	}
}

// sendRawFrame is sendPacketOut's counterpart for replies built as
// already-serialized bytes (gopacket's SerializeLayers output, in the
// ICMP handlers) rather than a protocol.Ethernet tree: util.Buffer
// implements the same util.Message PacketOut.Data expects, so a raw
// frame needs no further wrapping to go out as-is.
func sendRawFrame(sw *ofctrl.OFSwitch, frame []byte, outPort uint32) {
	pktOut := openflow13.NewPacketOut()
	pktOut.InPort = openflow13.P_CONTROLLER
	pktOut.Data = util.NewBuffer(frame)
	pktOut.AddAction(openflow13.NewActionOutput(outPort))

	if err := sw.Send(pktOut); err != nil {
		log.Warnf("packetin: failed to send packet-out to port %d: %v", outPort, err)
	}
}

// icmpv6PayloadOf recovers the raw ICMPv6 message bytes carried in an
// IPv6 frame's payload, regardless of next-header value. No dispatch
// on NextHeader is done here; its callers (the ND, ICMPv6 echo and
// unsolicited-NA paths) only pass frames punted as ICMPv6.
func icmpv6PayloadOf(eth *protocol.Ethernet) (*protocol.IPv6, []byte, bool) {
	ip6, ok := eth.Data.(*protocol.IPv6)
	if !ok {
		return nil, nil, false
	}
	buf, ok := ip6.Data.(*util.Buffer)
	if !ok {
		return nil, nil, false
	}
	raw, err := buf.MarshalBinary()
	if err != nil {
		return nil, nil, false
	}
	return ip6, raw, true
}

// sendICMPv6Reply wraps a marshaled NDP message in an IPv6/Ethernet
// frame and sends it back to the original solicitor's link address.
// Replies go unicast to the solicitor rather than to the
// all-nodes/all-routers multicast address a wire-accurate NA/RA would
// use: the only listener that matters here is the endpoint that asked.
func sendICMPv6Reply(sw *ofctrl.OFSwitch, reqEth *protocol.Ethernet, reqIP6 *protocol.IPv6, inPort uint32, srcMAC net.HardwareAddr, srcIP net.IP, msg ndp.Message) {
	raw, err := ndp.MarshalMessage(msg)
	if err != nil {
		log.Warnf("packetin: failed to marshal ND reply: %v", err)
		return
	}

	ip6 := protocol.NewIPv6()
	ip6.NWSrc = srcIP
	ip6.NWDst = reqIP6.NWSrc
	ip6.NextHeader = 58 // ICMPv6
	ip6.HopLimit = 255
	ip6.Data = util.NewBuffer(raw)

	eth := protocol.NewEthernet()
	eth.HWSrc = srcMAC
	eth.HWDst = reqEth.HWSrc
	eth.Ethertype = 0x86dd
	eth.Data = ip6

	sendPacketOut(sw, eth, inPort)
}
