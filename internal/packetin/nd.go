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
	"github.com/mdlayher/ndp"

	"github.com/opflexcore/agent/internal/modb"
)

// handleNeighDisc answers ARP and IPv6 neighbor/router discovery
// punted under the NEIGH_DISC class: ARP and NS proxy on a resolved
// owner's behalf, RS answered from the owning EPG's subnet list (spec
// 4.7).
func (h *Handler) handleNeighDisc(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn, inPort uint32) {
	eth, ok := ethernetOf(pkt)
	if !ok {
		return
	}

	switch eth.Ethertype {
	case 0x0806:
		h.handleARP(sw, eth, inPort)
	case 0x86dd:
		h.handleICMPv6NeighDisc(sw, eth, inPort)
	}
}

func (h *Handler) handleARP(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, inPort uint32) {
	arpReq, ok := eth.Data.(*protocol.ARP)
	if !ok || arpReq.Operation != protocol.Type_Request {
		return
	}

	mac, ok := h.resolveOwnerMAC(arpReq.IPDst)
	if !ok {
		log.Debugf("packetin: arp request for %s has no resolvable owner, not answering", arpReq.IPDst)
		return
	}

	reply := protocol.NewARP(protocol.Type_Reply)
	reply.HWSrc = mac
	reply.IPSrc = arpReq.IPDst
	reply.HWDst = arpReq.HWSrc
	reply.IPDst = arpReq.IPSrc

	replyEth := protocol.NewEthernet()
	replyEth.HWSrc = mac
	replyEth.HWDst = arpReq.HWSrc
	replyEth.Ethertype = 0x0806
	replyEth.Data = reply

	sendPacketOut(sw, replyEth, inPort)
}

// handleICMPv6NeighDisc parses the IPv6 payload as an ICMPv6
// ND/router-solicitation message (mdlayher/ndp's pure marshal/parse
// functions, used without a live ndp.Conn since replies are injected
// through the switch rather than a local interface socket) and
// answers NS with NA, RS with RA built from the owning EPG's subnets.
func (h *Handler) handleICMPv6NeighDisc(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, inPort uint32) {
	ip6, raw, ok := icmpv6PayloadOf(eth)
	if !ok {
		return
	}
	msg, err := ndp.ParseMessage(raw)
	if err != nil {
		log.Debugf("packetin: failed to parse ND message: %v", err)
		return
	}

	switch m := msg.(type) {
	case *ndp.NeighborSolicitation:
		h.replyNeighborAdvertisement(sw, eth, ip6, inPort, m)
	case *ndp.RouterSolicitation:
		h.replyRouterAdvertisement(sw, eth, ip6, inPort)
	}
}

func (h *Handler) replyNeighborAdvertisement(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, ip6 *protocol.IPv6, inPort uint32, ns *ndp.NeighborSolicitation) {
	mac, ok := h.resolveOwnerMAC(ns.TargetAddress)
	if !ok {
		log.Debugf("packetin: neighbor solicitation for %s has no resolvable owner, not answering", ns.TargetAddress)
		return
	}

	na := &ndp.NeighborAdvertisement{
		Solicited:     true,
		Override:      true,
		TargetAddress: ns.TargetAddress,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Target, Addr: mac},
		},
	}
	sendICMPv6Reply(sw, eth, ip6, inPort, mac, ns.TargetAddress, na)
}

func (h *Handler) replyRouterAdvertisement(sw *ofctrl.OFSwitch, eth *protocol.Ethernet, ip6 *protocol.IPv6, inPort uint32) {
	epg, ok := h.ownerEPGOf(ip6.NWSrc)
	if !ok {
		return
	}
	cfg := h.store.Config()
	if !cfg.RouterAdv || len(cfg.VirtualRouterMAC) == 0 {
		return
	}

	ra := &ndp.RouterAdvertisement{
		RouterLifetime: 1800,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: cfg.VirtualRouterMAC},
		},
	}
	if epg.RD != "" {
		if rd, ok := h.store.RD(epg.RD); ok {
			for _, sn := range rd.InternalSubnets {
				ra.Options = append(ra.Options, &ndp.PrefixInformation{
					PrefixLength:                   uint8(sn.PrefixLen),
					OnLink:                         true,
					AutonomousAddressConfiguration: true,
					ValidLifetime:                  1<<32 - 1,
					PreferredLifetime:              1<<32 - 1,
					Prefix:                         sn.Address,
				})
			}
		}
	}
	sendICMPv6Reply(sw, eth, ip6, inPort, cfg.VirtualRouterMAC, net.IPv6linklocalallnodes, ra)
}

// resolveOwnerMAC answers the question "who should claim this
// address": an endpoint's own IP, one of its virtual IPs, or a remote
// endpoint route whose IP equals target (an exact address match; the
// route's prefix length is not applied).
func (h *Handler) resolveOwnerMAC(target net.IP) (net.HardwareAddr, bool) {
	for _, ep := range h.store.Endpoints() {
		for _, ip := range ep.IPs {
			if ip.Equal(target) {
				return ep.MAC, true
			}
		}
		for _, vip := range ep.VirtualIPs {
			if vip.CIDR != nil && vip.CIDR.Contains(target) {
				return vip.MAC, true
			}
		}
	}
	for _, re := range h.store.RemoteEndpoints() {
		for _, route := range re.Routes {
			if route.IP.Equal(target) {
				return re.MAC, true
			}
		}
	}
	return nil, false
}

func (h *Handler) ownerEPGOf(ip net.IP) (modb.EndpointGroup, bool) {
	for _, ep := range h.store.Endpoints() {
		for _, epIP := range ep.IPs {
			if epIP.Equal(ip) && ep.EPG != "" {
				if epg, ok := h.store.EPG(ep.EPG); ok {
					return epg, true
				}
			}
		}
	}
	return modb.EndpointGroup{}, false
}
