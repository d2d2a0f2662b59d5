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

// Package packetin is the Packet-In Handler (C7): it services ARP/ND
// proxy, DHCPv4/v6, ICMP echo/error translation and virtual-IP
// discovery by synthesizing reply packets out of band from the flow
// pipeline (spec.md 4.7), adapted from the teacher's PacketRcvd
// dispatch shape (pkg/agent/datapath/policyBridge.go) generalized from
// a single ARP-responder case to the full punt-class cookie dispatch
// spec.md describes.
package packetin

import (
	log "github.com/Sirupsen/logrus"
	"github.com/contiv/libOpenflow/protocol"
	"github.com/contiv/ofnet/ofctrl"

	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofconst"
)

// classMask strips the low 32 bits (an id, when the punting flow's
// cookie carries one) off a wire cookie, leaving the control-plane bit
// and the 8-bit punt class intact for comparison against ofconst's
// CookieClassXxx constants.
const classMask uint64 = ^uint64(0xffffffff)

// Handler dispatches punted packets by class and, where a reply is
// warranted, synthesizes one and sends it back out the port it was
// punted from.
type Handler struct {
	store *modb.Store
}

func New(store *modb.Store) *Handler {
	return &Handler{store: store}
}

// PacketRcvd is the ofctrl.AppInterface callback registered (via the
// cmd-level fanout shim) alongside switchmgr.Manager's connection
// callbacks. Anything punted with a cookie outside the known classes
// is logged and dropped: it indicates a flow was installed with the
// wrong cookie, not a packet this handler should act on.
func (h *Handler) PacketRcvd(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn) {
	if pkt == nil || pkt.Data == nil {
		return
	}
	inPort, ok := inPortOf(pkt)
	if !ok {
		log.Warnf("packetin: packet-in with no resolvable in_port, dropping")
		return
	}

	switch pkt.Cookie & classMask {
	case ofconst.CookieClassNeighDisc:
		h.handleNeighDisc(sw, pkt, inPort)
	case ofconst.CookieClassDHCPv4:
		h.handleDHCPv4(sw, pkt, inPort)
	case ofconst.CookieClassDHCPv6:
		h.handleDHCPv6(sw, pkt, inPort)
	case ofconst.CookieClassVIPv4, ofconst.CookieClassVIPv6:
		h.handleVIPAnnounce(pkt, inPort)
	case ofconst.CookieClassICMPErrorV4:
		h.handleICMPErrorV4(sw, pkt, inPort)
	case ofconst.CookieClassICMPEchoV4:
		h.handleICMPEcho(sw, pkt, inPort, false)
	case ofconst.CookieClassICMPEchoV6:
		h.handleICMPEcho(sw, pkt, inPort, true)
	default:
		log.Debugf("packetin: unrecognized punt cookie %#x on in_port %d", pkt.Cookie, inPort)
	}
}

// inPortOf recovers the ingress port from the packet-in's match set,
// the same field antrea's packet-in handlers key off of
// (OXM_OF_IN_PORT) rather than any out-of-band struct field.
func inPortOf(pkt *ofctrl.PacketIn) (uint32, bool) {
	matchers := pkt.GetMatches()
	if matchers == nil {
		return 0, false
	}
	f := matchers.GetMatchByName("OXM_OF_IN_PORT")
	if f == nil {
		return 0, false
	}
	v, ok := f.GetValue().(uint32)
	return v, ok
}

// ethernetOf type-asserts the punted frame; every handler below
// operates on it, so a bad assertion is a single early return rather
// than a repeated boilerplate check.
func ethernetOf(pkt *ofctrl.PacketIn) (*protocol.Ethernet, bool) {
	eth, ok := pkt.Data.(*protocol.Ethernet)
	return eth, ok
}
