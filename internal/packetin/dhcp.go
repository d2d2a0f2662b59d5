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
	"github.com/contiv/libOpenflow/util"
	"github.com/contiv/ofnet/ofctrl"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/opflexcore/agent/internal/modb"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (h *Handler) endpointByMAC(mac net.HardwareAddr) (modb.Endpoint, bool) {
	for _, ep := range h.store.Endpoints() {
		if ep.MAC.String() == mac.String() {
			return ep, true
		}
	}
	return modb.Endpoint{}, false
}

// handleDHCPv4 proxies a DISCOVER/REQUEST with the endpoint's MODB-
// configured lease rather than running a real allocator: the lease is
// already decided by policy, this handler only echoes it onto the
// wire (spec.md 4.7, E6).
func (h *Handler) handleDHCPv4(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn, inPort uint32) {
	eth, ok := ethernetOf(pkt)
	if !ok {
		return
	}
	ip4, ok := eth.Data.(*protocol.IPv4)
	if !ok {
		return
	}
	udp, ok := ip4.Data.(*protocol.UDP)
	if !ok {
		return
	}
	raw, ok := rawPayload(udp.Data)
	if !ok {
		return
	}
	req, err := dhcpv4.FromBytes(raw)
	if err != nil {
		log.Debugf("packetin: failed to parse DHCPv4 request: %v", err)
		return
	}

	ep, ok := h.endpointByMAC(req.ClientHWAddr)
	if !ok || ep.DHCPv4 == nil {
		log.Debugf("packetin: DHCPv4 request from %s has no proxied config, not answering", req.ClientHWAddr)
		return
	}
	cfg := h.store.Config()

	var reply *dhcpv4.DHCPv4
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		reply, err = buildDHCPv4Reply(req, ep.DHCPv4, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		requested := req.RequestedIPAddress()
		if requested == nil || requested.IsUnspecified() {
			requested = req.ClientIPAddr
		}
		if requested.Equal(ep.DHCPv4.IP) {
			reply, err = buildDHCPv4Reply(req, ep.DHCPv4, dhcpv4.MessageTypeAck)
		} else {
			serverIP := dhcpServerIP(ep.DHCPv4)
			reply, err = dhcpv4.NewReplyFromRequest(req,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
				dhcpv4.WithServerIP(serverIP),
			)
		}
	default:
		return
	}
	if err != nil {
		log.Warnf("packetin: failed to build DHCPv4 reply: %v", err)
		return
	}

	sendDHCPv4Reply(sw, reply, cfg.VirtualDHCPMAC, inPort)
}

func dhcpServerIP(lease *modb.DHCPv4Config) net.IP {
	if len(lease.Routers) > 0 {
		return lease.Routers[0]
	}
	return net.IPv4zero
}

func buildDHCPv4Reply(req *dhcpv4.DHCPv4, lease *modb.DHCPv4Config, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	serverIP := dhcpServerIP(lease)
	opts := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithYourIP(lease.IP),
		dhcpv4.WithServerIP(serverIP),
		dhcpv4.WithNetmask(net.CIDRMask(lease.Prefix, 32)),
		dhcpv4.WithLeaseTime(lease.LeaseSeconds),
	}
	if len(lease.Routers) > 0 {
		opts = append(opts, dhcpv4.WithRouter(lease.Routers...))
	}
	if len(lease.DNS) > 0 {
		opts = append(opts, dhcpv4.WithDNS(lease.DNS...))
	}
	if lease.Domain != "" {
		opts = append(opts, dhcpv4.WithDomainSearchList(lease.Domain))
	}
	return dhcpv4.NewReplyFromRequest(req, opts...)
}

func sendDHCPv4Reply(sw *ofctrl.OFSwitch, reply *dhcpv4.DHCPv4, srcMAC net.HardwareAddr, inPort uint32) {
	udpReply := protocol.NewUDP()
	udpReply.PortSrc = 67
	udpReply.PortDst = 68
	udpReply.Data = util.NewBuffer(reply.ToBytes())

	ip4Reply := protocol.NewIPv4()
	ip4Reply.NWSrc = reply.ServerIPAddr
	ip4Reply.NWDst = net.IPv4bcast
	ip4Reply.Protocol = 17
	ip4Reply.TTL = 64
	ip4Reply.Data = udpReply

	ethReply := protocol.NewEthernet()
	ethReply.HWSrc = srcMAC
	ethReply.HWDst = broadcastMAC
	ethReply.Ethertype = 0x0800
	ethReply.Data = ip4Reply

	sendPacketOut(sw, ethReply, inPort)
}

// handleDHCPv6 answers SOLICIT/REQUEST the same way handleDHCPv4
// does: the endpoint's proxied v6 lease is already decided, this only
// encodes it (spec.md 4.7's "emit ADVERTISE or REPLY listing the
// endpoint's v6 addresses").
func (h *Handler) handleDHCPv6(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn, inPort uint32) {
	eth, ok := ethernetOf(pkt)
	if !ok {
		return
	}
	ip6, ok := eth.Data.(*protocol.IPv6)
	if !ok {
		return
	}
	udp, ok := ip6.Data.(*protocol.UDP)
	if !ok {
		return
	}
	raw, ok := rawPayload(udp.Data)
	if !ok {
		return
	}
	req, err := dhcpv6.FromBytes(raw)
	if err != nil {
		log.Debugf("packetin: failed to parse DHCPv6 request: %v", err)
		return
	}
	msg, err := req.GetInnerMessage()
	if err != nil {
		return
	}

	ep, ok := h.endpointByMAC(eth.HWSrc)
	if !ok || ep.DHCPv6 == nil {
		log.Debugf("packetin: DHCPv6 request from %s has no proxied config, not answering", eth.HWSrc)
		return
	}

	var reply *dhcpv6.Message
	switch msg.MessageType {
	case dhcpv6.MessageTypeSolicit:
		reply, err = dhcpv6.NewAdvertiseFromSolicit(msg)
	case dhcpv6.MessageTypeRequest:
		reply, err = dhcpv6.NewReplyFromDHCPv6Message(msg)
	default:
		return
	}
	if err != nil {
		log.Warnf("packetin: failed to build DHCPv6 reply: %v", err)
		return
	}

	duid := &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: eth.HWDst}
	reply.AddOption(dhcpv6.OptServerID(duid))
	// One IA_NA per proxied address; no lease database backs this, the
	// address list comes straight from the endpoint's MODB config.
	for _, addr := range ep.DHCPv6.Addresses {
		reply.AddOption(dhcpv6.OptIANA(&dhcpv6.OptIAAddress{IPv6Addr: addr, PreferredLifetime: 3600, ValidLifetime: 3600}))
	}
	if len(ep.DHCPv6.DNS) > 0 {
		reply.AddOption(dhcpv6.OptDNS(ep.DHCPv6.DNS...))
	}
	if ep.DHCPv6.Domain != "" {
		reply.AddOption(dhcpv6.OptDomainSearchList(&dhcpv6.RFC4704DomainSearchList{DomainSearchList: []string{ep.DHCPv6.Domain}}))
	}

	sendDHCPv6Reply(sw, eth.HWSrc, reply, inPort)
}

func sendDHCPv6Reply(sw *ofctrl.OFSwitch, dstMAC net.HardwareAddr, reply *dhcpv6.Message, inPort uint32) {
	payload, err := reply.ToBytes()
	if err != nil {
		log.Warnf("packetin: failed to serialize DHCPv6 reply: %v", err)
		return
	}

	udpReply := protocol.NewUDP()
	udpReply.PortSrc = 547
	udpReply.PortDst = 546
	udpReply.Data = util.NewBuffer(payload)

	ip6Reply := protocol.NewIPv6()
	ip6Reply.NWSrc = net.IPv6linklocalallrouters
	ip6Reply.NWDst = net.IPv6linklocalallnodes
	ip6Reply.NextHeader = 17
	ip6Reply.HopLimit = 255
	ip6Reply.Data = udpReply

	ethReply := protocol.NewEthernet()
	ethReply.HWDst = dstMAC
	ethReply.Ethertype = 0x86dd
	ethReply.Data = ip6Reply

	sendPacketOut(sw, ethReply, inPort)
}

func rawPayload(data interface{}) ([]byte, bool) {
	buf, ok := data.(*util.Buffer)
	if !ok {
		return nil, false
	}
	raw, err := buf.MarshalBinary()
	if err != nil {
		return nil, false
	}
	return raw, true
}
