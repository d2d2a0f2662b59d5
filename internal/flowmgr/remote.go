package flowmgr

import (
	"encoding/binary"
	"net"

	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/switchmgr"
)

func remoteObjKey(uuid string) string { return "remote:" + uuid }

var remoteTables = []uint8{ofconst.TableSecurity, ofconst.TableBridge, ofconst.TableRoute}

// handleRemoteEndpointUpdate installs the BRIDGE/ROUTE disposition and
// ARP-proxy punts for an endpoint reachable through a remote VTEP
// (spec.md 4.6, "Remote endpoints"). Installed only for VXLAN encap
// with a non-NONE remote-inventory mode; everything else leaves a
// remote address reachable only through flood and ordinary ARP, same
// as an address the agent has never heard of.
func (m *Manager) handleRemoteEndpointUpdate(u modb.Update) error {
	re, ok := m.store.RemoteEndpoint(u.URI)
	if !ok || !u.Present {
		return m.clearRemoteFlows(u.URI)
	}

	cfg := m.store.Config()
	if cfg.EncapType != "vxlan" || cfg.RemoteInventory == modb.RemoteInventoryNone {
		return m.clearRemoteFlows(u.URI)
	}

	fi, err := m.resolver.GroupForwardingInfo(re.EPG)
	if err != nil {
		log.Debugf("flowmgr: remote endpoint %s: epg %s not ready: %v", re.UUID, re.EPG, err)
		return nil
	}
	tunTarget := ipToReg(re.NextHopTunnelIP)

	var flows []switchmgr.Flow

	flows = append(flows, buildFlow(ofconst.TableBridge, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegBD, fi.BDID, nil).EthDst(re.MAC),
		ofbuilder.NewActions().
			LoadReg(ofconst.RegDstEPG, fi.Vnid, nil).
			LoadReg(ofconst.RegOutput, tunTarget, nil).
			WriteMetadata(ofconst.OutRemoteTunnel, ofconst.MetaOutMask).
			GotoTable(ofconst.TablePolicy),
	))

	for _, route := range re.Routes {
		flows = append(flows, remoteRouteFlow(route, re, fi, tunTarget, cfg.VirtualRouterMAC))
		if proxyFlow, ok := remoteArpProxyFlow(route); ok {
			flows = append(flows, proxyFlow)
		}
	}

	return writeFlowsByTable(m.sw, remoteObjKey(u.URI), flows)
}

// remoteRouteFlow matches one routed prefix reachable via re, qualified
// by eth_dst=routerMac per spec (a packet only reaches ROUTE already
// addressed to the virtual router), and carries the same REG7/
// REMOTE_TUNNEL disposition the BRIDGE flow does, plus the ordinary
// route-stage ttl decrement and dst-mac rewrite to the remote MAC.
func remoteRouteFlow(route modb.RemoteEndpointNextHop, re modb.RemoteEndpoint, fi policy.ForwardingInfo, tunTarget uint32, routerMAC net.HardwareAddr) switchmgr.Flow {
	mask := prefixMask(route.IP, route.PrefixLen)
	match := ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegRD, fi.RDID, nil)
	if route.IP.To4() != nil {
		match = match.IPv4Dst(&route.IP, &mask)
	} else {
		match = match.IPv6Dst(&route.IP, &mask)
	}
	if len(routerMAC) > 0 {
		match = match.EthDst(routerMAC)
	}

	dstMAC := re.MAC
	if len(route.NextHopMAC) > 0 {
		dstMAC = route.NextHopMAC
	}

	actions := ofbuilder.NewActions().
		SetEthDst(dstMAC).
		DecTTL().
		LoadReg(ofconst.RegDstEPG, fi.Vnid, nil).
		LoadReg(ofconst.RegOutput, tunTarget, nil).
		WriteMetadata(ofconst.OutRemoteTunnel, ofconst.MetaOutMask).
		GotoTable(ofconst.TablePolicy)

	return buildFlow(ofconst.TableRoute, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn, match, actions)
}

// remoteArpProxyFlow answers, on the controller's behalf, ARP requests
// a local endpoint sends for a /32 remote address or for a CSR-style
// gateway next-hop, so resolution never depends on an ARP broadcast
// crossing the tunnel. Not scoped to any InPort: any local ingress
// asking about this address gets punted.
func remoteArpProxyFlow(route modb.RemoteEndpointNextHop) (switchmgr.Flow, bool) {
	var target net.IP
	switch {
	case route.NextHopIP != nil:
		target = route.NextHopIP
	case route.PrefixLen == 32:
		target = route.IP
	default:
		return switchmgr.Flow{}, false
	}
	if target.To4() == nil {
		return switchmgr.Flow{}, false
	}
	mask := fullMask(target)
	match := ofbuilder.NewMatch(ofconst.PriorityMidMatch).Arp(1, nil, nil, &target, &mask)
	actions := ofbuilder.NewActions().Controller()
	return buildFlow(ofconst.TableSecurity, ofconst.PriorityMidMatch, ofconst.PuntCookie(ofconst.CookieClassNeighDisc, 0), match, actions), true
}

func (m *Manager) clearRemoteFlows(uuid string) error {
	for _, t := range remoteTables {
		if err := m.sw.ClearFlows(remoteObjKey(uuid), t); err != nil {
			return err
		}
	}
	return nil
}

// ipToReg packs a v4 tunnel-endpoint address into a 32-bit register
// value; REG7 carries either an output port or, as here, a remote
// tunnel target, distinguished by the OutRemoteTunnel disposition bit.
func ipToReg(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func prefixMask(ip net.IP, prefixLen int) net.IP {
	if ip.To4() != nil {
		return net.IP(net.CIDRMask(prefixLen, 32))
	}
	return net.IP(net.CIDRMask(prefixLen, 128))
}
