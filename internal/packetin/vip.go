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
	"github.com/mdlayher/ndp"
)

// handleVIPAnnounce observes a gratuitous ARP or unsolicited neighbor
// advertisement punted under the VIRTUAL_IP class: an AAP-mode
// endpoint announcing one of its configured virtual IPs is logged for
// operational visibility, never answered (spec.md 4.7 — detection
// only, no reply is synthesized).
func (h *Handler) handleVIPAnnounce(pkt *ofctrl.PacketIn, inPort uint32) {
	eth, ok := ethernetOf(pkt)
	if !ok {
		return
	}

	switch eth.Ethertype {
	case 0x0806:
		h.logGratuitousARP(eth, inPort)
	case 0x86dd:
		h.logUnsolicitedNA(eth, inPort)
	}
}

func (h *Handler) logGratuitousARP(eth *protocol.Ethernet, inPort uint32) {
	arp, ok := eth.Data.(*protocol.ARP)
	if !ok {
		return
	}
	if !h.ownsVIP(eth.HWSrc, arp.IPSrc) {
		log.Debugf("packetin: gratuitous ARP for %s from unrecognized owner %s on in_port %d, ignoring", arp.IPSrc, eth.HWSrc, inPort)
		return
	}
	log.Infof("packetin: virtual IP %s announced by %s on in_port %d", arp.IPSrc, eth.HWSrc, inPort)
}

func (h *Handler) logUnsolicitedNA(eth *protocol.Ethernet, inPort uint32) {
	_, raw, ok := icmpv6PayloadOf(eth)
	if !ok {
		return
	}
	msg, err := ndp.ParseMessage(raw)
	if err != nil {
		return
	}
	na, ok := msg.(*ndp.NeighborAdvertisement)
	if !ok {
		return
	}
	if !h.ownsVIP(eth.HWSrc, na.TargetAddress) {
		log.Debugf("packetin: unsolicited NA for %s from unrecognized owner %s on in_port %d, ignoring", na.TargetAddress, eth.HWSrc, inPort)
		return
	}
	log.Infof("packetin: virtual IP %s announced by %s on in_port %d", na.TargetAddress, eth.HWSrc, inPort)
}

// ownsVIP confirms the announcing MAC is actually the endpoint
// configured to own this address as a virtual IP, so a spoofed
// announcement from an unrelated endpoint isn't logged as legitimate.
func (h *Handler) ownsVIP(mac net.HardwareAddr, addr net.IP) bool {
	for _, ep := range h.store.Endpoints() {
		if ep.MAC.String() != mac.String() {
			continue
		}
		for _, vip := range ep.VirtualIPs {
			if vip.CIDR != nil && vip.CIDR.Contains(addr) {
				return true
			}
		}
	}
	return false
}
