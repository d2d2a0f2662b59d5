package flowmgr

import (
	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/switchmgr"
)

func serviceObjKey(uuid string) string { return "svc:" + uuid }

var serviceTables = []uint8{ofconst.TableBridge, ofconst.TableServiceNextHop, ofconst.TableServiceReverse}

// serviceIfaceBoundBit marks, within a service's ct_mark, that the
// service has a bound host interface (spec 4.6's "high bit set when an
// iface is bound").
const serviceIfaceBoundBit uint32 = 1 << 31

// handleServiceUpdate installs a Service's BRIDGE/SERVICE_NH/SERVICE_REV
// flows (spec.md 4.6, "Service flows (on serviceUpdated)"; E5).
func (m *Manager) handleServiceUpdate(u modb.Update) error {
	svc, ok := m.store.Service(u.URI)
	if !ok || !u.Present {
		return m.clearServiceFlows(u.URI)
	}

	if _, ok := m.store.RD(svc.DomainURI); !ok {
		log.Debugf("flowmgr: service %s: rd %s not ready", svc.UUID, svc.DomainURI)
		return nil
	}
	rdID, err := m.ids.GetID(idalloc.NamespaceRoutingDomain, svc.DomainURI)
	if err != nil {
		return err
	}
	zone := ofconst.ConntrackZoneForRD(rdID)

	var ofport uint32
	var hasPort bool
	if svc.Iface != "" {
		ofport, hasPort = m.ports.FindPort(svc.Iface)
		if !hasPort {
			log.Debugf("flowmgr: service %s: iface %q not yet mapped to a port", svc.UUID, svc.Iface)
			return nil
		}
	}

	svcID, err := m.ids.GetID(idalloc.NamespaceService, svc.UUID)
	if err != nil {
		return err
	}
	ctMark := svcID
	if hasPort {
		ctMark |= serviceIfaceBoundBit
	}

	var flows []switchmgr.Flow
	for _, mapping := range svc.Mappings {
		switch svc.Mode {
		case modb.ServiceLocalAnycast:
			flows = append(flows, localAnycastFlows(svc, mapping, rdID, ofport, hasPort)...)
		case modb.ServiceLoadBalancer:
			flows = append(flows, loadBalancerFlows(svc, mapping, rdID, zone, ctMark)...)
		}
	}

	return writeFlowsByTable(m.sw, serviceObjKey(u.URI), flows)
}

// localAnycastFlows implements the LOCAL_ANYCAST trust-bypass: the
// service interface is a trusted origin, so its BRIDGE intercept marks
// POLICY_APPLIED directly instead of continuing into POL.
func localAnycastFlows(svc modb.Service, mapping modb.ServiceMapping, rdID uint32, ofport uint32, hasPort bool) []switchmgr.Flow {
	ipMask := fullMask(mapping.ServiceIP)
	match := ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegRD, rdID, nil)
	if mapping.ServiceIP.To4() != nil {
		match = match.IPv4Dst(&mapping.ServiceIP, &ipMask)
	} else {
		match = match.IPv6Dst(&mapping.ServiceIP, &ipMask)
	}
	match = withL4Dst(match, mapping.Proto, mapping.ServicePort)

	actions := ofbuilder.NewActions().WriteMetadata(ofconst.MetaPolicyApplied, ofconst.MetaPolicyApplied)
	if hasPort {
		actions = actions.SetEthDst(svc.MAC).Output(ofport)
	} else {
		actions = actions.GotoTable(ofconst.TableStats)
	}
	return []switchmgr.Flow{buildFlow(ofconst.TableBridge, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn, match, actions)}
}

// loadBalancerFlows implements the LOADBALANCER path: BRIDGE
// intercepts the service vaddr and hashes across next-hops into
// RegReserved1, SERVICE_NH rewrites to the chosen next-hop and commits
// conntrack carrying the service's ct_mark, and SERVICE_REV recognizes
// the reply by next-hop address/port plus that ct_mark, rewrites back
// to the service vaddr, and resubmits to BRIDGE for ordinary delivery
// to the original client (E5).
func loadBalancerFlows(svc modb.Service, mapping modb.ServiceMapping, rdID uint32, zone uint16, ctMark uint32) []switchmgr.Flow {
	n := len(mapping.NextHopIPs)
	if n == 0 {
		return nil
	}
	var flows []switchmgr.Flow

	ipMask := fullMask(mapping.ServiceIP)
	bridgeMatch := ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegRD, rdID, nil)
	if mapping.ServiceIP.To4() != nil {
		bridgeMatch = bridgeMatch.IPv4Dst(&mapping.ServiceIP, &ipMask)
	} else {
		bridgeMatch = bridgeMatch.IPv6Dst(&mapping.ServiceIP, &ipMask)
	}
	bridgeMatch = withL4Dst(bridgeMatch, mapping.Proto, mapping.ServicePort)

	flows = append(flows, buildFlow(ofconst.TableBridge, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
		bridgeMatch,
		ofbuilder.NewActions().
			Multipath(ofbuilder.MultipathSpec{Fields: "symmetric_l3l4", NumLinks: uint16(n), DstReg: ofconst.RegReserved1}).
			GotoTable(ofconst.TableServiceNextHop),
	))

	for i, nh := range mapping.NextHopIPs {
		nhMask := fullMask(nh)

		nhMatch := ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Reg(ofconst.RegReserved1, uint32(i), nil)
		actions := ofbuilder.NewActions().SetIPDst(nh)
		if mapping.NextHopPort != 0 {
			actions = actions.SetL4Dst(mapping.NextHopPort)
		}
		mark := ctMark
		actions = actions.Conntrack(ofbuilder.ConntrackSpec{Commit: true, Zone: zone, Mark: &mark}).GotoTable(ofconst.TableRoute)
		flows = append(flows, buildFlow(ofconst.TableServiceNextHop, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn, nhMatch, actions))

		revMatch := ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Reg(ofconst.RegRD, rdID, nil).CtMark(ctMark, 0xffffffff)
		if nh.To4() != nil {
			revMatch = revMatch.IPv4Src(&nh, &nhMask)
		} else {
			revMatch = revMatch.IPv6Src(&nh, &nhMask)
		}
		revMatch = withL4Src(revMatch, mapping.Proto, mapping.NextHopPort)

		revActions := ofbuilder.NewActions().SetIPSrc(mapping.ServiceIP)
		if mapping.NextHopPort != 0 {
			revActions = revActions.SetL4Src(mapping.ServicePort)
		}
		if svc.VlanID != 0 {
			revActions = revActions.PushVlan().SetVlanVID(svc.VlanID)
		}
		revActions = revActions.Resubmit(ofconst.TableBridge)
		flows = append(flows, buildFlow(ofconst.TableServiceReverse, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn, revMatch, revActions))
	}

	return flows
}

func withL4Dst(match *ofbuilder.Match, proto uint8, port uint16) *ofbuilder.Match {
	if port == 0 {
		return match
	}
	switch proto {
	case 6:
		return match.TCPDstPort(port, 0xffff)
	case 17:
		return match.UDPDstPort(port, 0xffff)
	}
	return match
}

func withL4Src(match *ofbuilder.Match, proto uint8, port uint16) *ofbuilder.Match {
	if port == 0 {
		return match
	}
	switch proto {
	case 6:
		return match.TCPSrcPort(port, 0xffff)
	case 17:
		return match.UDPSrcPort(port, 0xffff)
	}
	return match
}

func (m *Manager) clearServiceFlows(uuid string) error {
	for _, t := range serviceTables {
		if err := m.sw.ClearFlows(serviceObjKey(uuid), t); err != nil {
			return err
		}
	}
	return nil
}
