package flowmgr

import (
	"net"

	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/switchmgr"
)

func endpointObjKey(uuid string) string { return "ep:" + uuid }

var endpointTables = []uint8{
	ofconst.TableSecurity, ofconst.TableSource, ofconst.TableBridge,
	ofconst.TableRoute, ofconst.TableSNAT, ofconst.TableSNATReverse,
	ofconst.TableServiceDest, ofconst.TableOutput,
}

// handleEndpointUpdate installs or clears the per-endpoint flows of
// spec.md 4.6 and updates the endpoint's flood-group membership.
func (m *Manager) handleEndpointUpdate(u modb.Update) error {
	ep, ok := m.store.Endpoint(u.URI)
	if !ok || !u.Present {
		if err := m.clearEndpointFlows(u.URI); err != nil {
			return err
		}
		m.removeFloodMember(u.URI)
		return nil
	}

	ofport, ok := m.ports.FindPort(ep.Iface)
	if !ok {
		log.Debugf("flowmgr: endpoint %s: iface %q not yet mapped to a port", ep.UUID, ep.Iface)
		return nil
	}

	var fi struct {
		Vnid, RDID, BDID, FDID uint32
	}
	if ep.EPG != "" {
		info, err := m.resolver.GroupForwardingInfo(ep.EPG)
		if err != nil {
			log.Warnf("flowmgr: endpoint %s: epg %s not ready: %v", ep.UUID, ep.EPG, err)
			return nil
		}
		fi.Vnid, fi.RDID, fi.BDID, fi.FDID = info.Vnid, info.RDID, info.BDID, info.FDID
	}

	var flows []switchmgr.Flow

	// Security groups evaluate ahead of the MAC-admit flow below (same
	// priority band, ranked higher within it), so an explicit deny in a
	// referenced group pre-empts ordinary forwarding.
	flows = append(flows, m.securityGroupFlows(ep, ofport)...)

	// SEC: port-security admits this MAC/port pair, and punts its DHCP
	// client traffic and AAP-covered source addresses.
	flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityHighMatch).InPort(ofport).EthSrc(ep.MAC),
		ofbuilder.NewActions().GotoTable(ofconst.TableSource),
	))
	if ep.DHCPv4 != nil {
		flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch,
			ofconst.PuntCookie(ofconst.CookieClassDHCPv4, 0),
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).InPort(ofport).IPProto(17).UDPSrcPort(68, 0xffff).UDPDstPort(67, 0xffff),
			ofbuilder.NewActions().Controller(),
		))
	}
	if ep.DHCPv6 != nil {
		flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch,
			ofconst.PuntCookie(ofconst.CookieClassDHCPv6, 0),
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).InPort(ofport).IPProto(17).UDPSrcPort(546, 0xffff).UDPDstPort(547, 0xffff),
			ofbuilder.NewActions().Controller(),
		))
	}
	for _, vip := range ep.VirtualIPs {
		if vip.CIDR == nil {
			continue
		}
		ones, _ := vip.CIDR.Mask.Size()
		class := ofconst.CookieClassVIPv4
		if vip.CIDR.IP.To4() == nil {
			class = ofconst.CookieClassVIPv6
		}
		ip := vip.CIDR.IP
		mask := net.IP(vip.CIDR.Mask)
		match := ofbuilder.NewMatch(ofconst.PriorityMidMatch).InPort(ofport)
		if class == ofconst.CookieClassVIPv4 {
			match = match.Arp(1, nil, nil, &ip, &mask)
		} else {
			match = match.NdTarget(ip)
		}
		_ = ones
		flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityMidMatch,
			ofconst.PuntCookie(class, 0), match, ofbuilder.NewActions().Controller()))
	}

	if ep.EPG != "" {
		// SRC: local-port L2 (and, when the endpoint has IPs, L3)
		// source classification sets the full register tuple.
		srcActions := ofbuilder.NewActions().
			LoadReg(ofconst.RegSrcEPG, fi.Vnid, nil).
			LoadReg(ofconst.RegBD, fi.BDID, nil).
			LoadReg(ofconst.RegFD, fi.FDID, nil).
			LoadReg(ofconst.RegRD, fi.RDID, nil).
			GotoTable(ofconst.TableSNATReverse)
		flows = append(flows, buildFlow(ofconst.TableSource, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).InPort(ofport).EthSrc(ep.MAC),
			srcActions,
		))

		// BRIDGE: dst-mac lookup within the bd delivers to this
		// endpoint's port and starts policy enforcement.
		flows = append(flows, buildFlow(ofconst.TableBridge, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).EthDst(ep.MAC).Reg(ofconst.RegBD, fi.BDID, nil),
			ofbuilder.NewActions().
				LoadReg(ofconst.RegDstEPG, fi.Vnid, nil).
				LoadReg(ofconst.RegOutput, ofport, nil).
				GotoTable(ofconst.TablePolicy),
		))

		// ROUTE: per-IP delivery within the rd, plus a SEC proxy-ARP
		// punt for each IPv4 address (no ND punt is installed for IPv6
		// addresses); IP-mapping reverse-DNAT for floating IPs follows.
		for _, ip := range ep.IPs {
			ipc := ip
			mask := fullMask(ip)
			var m4 *net.IP
			dstMatch := ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegRD, fi.RDID, nil)
			if ip.To4() != nil {
				dstMatch = dstMatch.IPv4Dst(&ipc, &mask)
			} else {
				dstMatch = dstMatch.IPv6Dst(&ipc, &mask)
			}
			_ = m4
			flows = append(flows, buildFlow(ofconst.TableRoute, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
				dstMatch,
				ofbuilder.NewActions().
					SetEthDst(ep.MAC).
					DecTTL().
					LoadReg(ofconst.RegDstEPG, fi.Vnid, nil).
					LoadReg(ofconst.RegOutput, ofport, nil).
					GotoTable(ofconst.TablePolicy),
			))
			if ip.To4() != nil {
				flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityMidMatch,
					ofconst.PuntCookie(ofconst.CookieClassNeighDisc, 0),
					ofbuilder.NewMatch(ofconst.PriorityMidMatch).InPort(ofport).Arp(1, nil, nil, &ipc, &mask),
					ofbuilder.NewActions().Controller(),
				))
			}
		}

		for _, mapping := range ep.IPMappings {
			flows = append(flows, endpointIPMappingFlows(ep, ofport, fi, mapping)...)
		}

		// SNAT / SNAT_REV: per-binding NAT commit keyed by the rd's
		// conntrack zone.
		for _, bindingUUID := range ep.SNATBindings {
			binding, ok := m.store.SNATBinding(bindingUUID)
			if !ok {
				continue
			}
			flows = append(flows, endpointSNATFlows(ofport, fi.RDID, binding)...)
		}

		// SERVICE_DST: anycast-return addresses bypass policy on their
		// way back out, matching LOCAL_ANYCAST service semantics.
		for _, ip := range ep.AnycastReturnIPs {
			ipc := ip
			mask := fullMask(ip)
			match := ofbuilder.NewMatch(ofconst.PriorityMidMatch).Reg(ofconst.RegRD, fi.RDID, nil)
			if ip.To4() != nil {
				match = match.IPv4Src(&ipc, &mask)
			} else {
				match = match.IPv6Src(&ipc, &mask)
			}
			flows = append(flows, buildFlow(ofconst.TableServiceDest, ofconst.PriorityMidMatch, ofconst.CookieProactiveLearn,
				match,
				ofbuilder.NewActions().WriteMetadata(ofconst.MetaFromServiceInterface, ofconst.MetaFromServiceInterface).GotoTable(ofconst.TablePolicy),
			))
		}

		// OUT: hairpin reflect back in the same port it arrived on.
		flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegOutput, ofport, nil).Metadata(ofconst.OutDefault, ofconst.MetaOutMask),
			ofbuilder.NewActions().Output(ofport),
		))

		m.setFloodMember(fi.FDID, ep.UUID, ofport)
	}

	return writeFlowsByTable(m.sw, endpointObjKey(u.URI), flows)
}

// endpointIPMappingFlows implements spec 4.6/E4: a floating-IP
// mapping installs a ROUTE entry in the endpoint's own rd (fi.RDID;
// the mapping's NAT EPG is not resolved, so its rd and vnid are not
// matched) that rewrites destination back to the mapped (real) IP and
// continues into NAT_IN, plus (when a next-hop interface is
// configured) an OUT rewrite of the source to the floating IP and of
// the destination MAC to the next-hop MAC. No reverse flows are
// installed on the next-hop port.
func endpointIPMappingFlows(ep modb.Endpoint, ofport uint32, fi struct{ Vnid, RDID, BDID, FDID uint32 }, mapping modb.IPMapping) []switchmgr.Flow {
	if mapping.FloatingIP == nil {
		return nil
	}
	var flows []switchmgr.Flow
	floatIP := mapping.FloatingIP
	floatMask := fullMask(floatIP)
	mappedIP := mapping.MappedIP

	routeMatch := ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegRD, fi.RDID, nil)
	if floatIP.To4() != nil {
		routeMatch = routeMatch.IPv4Dst(&floatIP, &floatMask)
	} else {
		routeMatch = routeMatch.IPv6Dst(&floatIP, &floatMask)
	}
	flows = append(flows, buildFlow(ofconst.TableRoute, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
		routeMatch,
		ofbuilder.NewActions().
			SetEthDst(ep.MAC).
			SetIPDst(mappedIP).
			DecTTL().
			LoadReg(ofconst.RegDstEPG, fi.Vnid, nil).
			LoadReg(ofconst.RegOutput, ofport, nil).
			GotoTable(ofconst.TableNATIngress),
	))

	if mapping.NextHopIface != "" {
		mappedMask := fullMask(mappedIP)
		outMatch := ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegOutput, ofport, nil)
		if mappedIP.To4() != nil {
			outMatch = outMatch.IPv4Src(&mappedIP, &mappedMask)
		} else {
			outMatch = outMatch.IPv6Src(&mappedIP, &mappedMask)
		}
		flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
			outMatch,
			ofbuilder.NewActions().SetIPSrc(floatIP).SetEthDst(mapping.NextHopMAC).Output(ofport),
		))
	}
	return flows
}

// endpointSNATFlows installs the forward SNAT commit (SNAT table) and
// the reverse unnat continuation (SNAT_REV), scoped by the rd's
// conntrack zone per the stable zone=rd-id invariant.
func endpointSNATFlows(ofport uint32, rdID uint32, binding modb.SNATBinding) []switchmgr.Flow {
	zone := ofconst.ConntrackZoneForRD(rdID)
	var flows []switchmgr.Flow

	flows = append(flows, buildFlow(ofconst.TableSNAT, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Reg(ofconst.RegOutput, ofport, nil).Reg(ofconst.RegRD, rdID, nil),
		ofbuilder.NewActions().Conntrack(ofbuilder.ConntrackSpec{
			Commit: true,
			Zone:   zone,
			Nat: &ofbuilder.NatSpec{
				IPMin: binding.SNATIP, IPMax: binding.SNATIP,
				PortMin: binding.PortRangeMin, PortMax: binding.PortRangeMax,
			},
		}).GotoTable(ofconst.TableRoute),
	))

	snatIPMask := fullMask(binding.SNATIP)
	revMatch := ofbuilder.NewMatch(ofconst.PriorityNormalMatch).EthDstMasked(binding.IfaceMAC, broadcastMAC)
	if binding.SNATIP.To4() != nil {
		revMatch = revMatch.IPv4Dst(&binding.SNATIP, &snatIPMask)
	} else {
		revMatch = revMatch.IPv6Dst(&binding.SNATIP, &snatIPMask)
	}
	revActions := ofbuilder.NewActions().Conntrack(ofbuilder.ConntrackSpec{
		Zone: zone,
		Nat:  &ofbuilder.NatSpec{Unnat: true},
	})
	if binding.IsLocal {
		revActions = revActions.GotoTable(ofconst.TableSource)
	} else {
		revActions = revActions.SetEthDst(binding.RemotePeerMAC).Output(ofport)
	}
	flows = append(flows, buildFlow(ofconst.TableSNATReverse, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn, revMatch, revActions))
	return flows
}

func (m *Manager) clearEndpointFlows(uuid string) error {
	for _, t := range endpointTables {
		if err := m.sw.ClearFlows(endpointObjKey(uuid), t); err != nil {
			return err
		}
	}
	return nil
}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// fullMask returns the all-ones mask of the same address family as ip.
func fullMask(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(255, 255, 255, 255).To4()
	}
	mask := make(net.IP, net.IPv6len)
	for i := range mask {
		mask[i] = 0xff
	}
	return mask
}
