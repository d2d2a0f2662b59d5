package flowmgr

import (
	"net"

	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/switchmgr"
)

func epgObjKey(uri string) string { return "epg:" + uri }

// handleEPGUpdate installs or clears the seven per-EPG flows of
// spec.md 4.6 (egDomainUpdated). Absence (u.Present == false) clears
// every table this entity ever wrote to.
func (m *Manager) handleEPGUpdate(u modb.Update) error {
	epg, ok := m.store.EPG(u.URI)
	if !ok || !u.Present {
		return m.clearEPGFlows(u.URI)
	}

	fi, err := m.resolver.GroupForwardingInfo(u.URI)
	if err != nil {
		log.Warnf("flowmgr: epg %s not ready: %v", u.URI, err)
		return nil
	}

	var flows []switchmgr.Flow

	// 1. SRC: traffic arriving from the tunnel tagged with this EPG's
	// vnid (by VLAN id or tunnel id depending on encap) gets the full
	// register set and is marked POLICY_APPLIED (it's already been
	// policy-enforced by the sender). The in_port match is added once
	// the encap interface is mapped to a port.
	tunnelMatch := ofbuilder.NewMatch(ofconst.PriorityNormalMatch)
	if m.store.Config().EncapType == "vlan" {
		tunnelMatch = tunnelMatch.VlanID(uint16(fi.Vnid))
	} else {
		tunnelMatch = tunnelMatch.TunnelID(uint64(fi.Vnid))
	}
	if tunPort, ok := m.ports.FindPort(m.store.Config().EncapIface); ok {
		tunnelMatch = tunnelMatch.InPort(tunPort)
	}
	flows = append(flows, buildFlow(ofconst.TableSource, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn,
		tunnelMatch,
		ofbuilder.NewActions().
			LoadReg(ofconst.RegSrcEPG, fi.Vnid, nil).
			LoadReg(ofconst.RegBD, fi.BDID, nil).
			LoadReg(ofconst.RegFD, fi.FDID, nil).
			LoadReg(ofconst.RegRD, fi.RDID, nil).
			WriteMetadata(ofconst.MetaPolicyApplied, ofconst.MetaPolicyApplied).
			GotoTable(ofconst.TableSNATReverse),
	))

	// 2. POL: intra-EPG disposition.
	flows = append(flows, intraEPGPolicyFlows(epg, fi)...)

	// 3. BRIDGE: bd lookup default continues to ROUTE when the bd's
	// rd routes (fi.RDID != 0 signals a routed bd).
	if fi.RDID != 0 {
		flows = append(flows, buildFlow(ofconst.TableBridge, ofconst.PriorityDefaultAllow, ofconst.CookieProactiveLearn,
			ofbuilder.NewMatch(ofconst.PriorityDefaultAllow).Reg(ofconst.RegBD, fi.BDID, nil),
			ofbuilder.NewActions().WriteMetadata(ofconst.MetaRouted, ofconst.MetaRouted).GotoTable(ofconst.TableRoute),
		))
	}

	// 4. BRIDGE-flood: broadcast/multicast destination within this
	// flood domain floods; with vxlan encap and a multicast IP
	// configured, REG7 is loaded with that IP as the tunnel target.
	bcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	floodActions := ofbuilder.NewActions().WriteMetadata(ofconst.OutFlood, ofconst.MetaOutMask)
	if epg.MulticastIP != nil {
		m.mcast.add(epg.MulticastIP.String())
		if m.store.Config().EncapType == "vxlan" {
			floodActions = floodActions.LoadReg(ofconst.RegOutput, ipToReg(epg.MulticastIP), nil)
		}
	}
	flows = append(flows, buildFlow(ofconst.TableBridge, ofconst.PriorityMidMatch, ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityMidMatch).Reg(ofconst.RegFD, fi.FDID, nil).EthDstMasked(bcast, bcast),
		floodActions.GotoTable(ofconst.TableStats),
	))

	// 5. OUT: RESUBMIT_DST restores registers for a packet that was
	// punted to OUT carrying the destination vnid in REG7, and sends it
	// back through BRIDGE for a second lookup (used by redirect/NAT
	// continuation paths).
	flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Reg(ofconst.RegOutput, fi.Vnid, nil).Metadata(ofconst.OutResubmitDst, ofconst.MetaOutMask),
		ofbuilder.NewActions().MoveReg(ofconst.RegOutput, ofconst.RegDstEPG, nil, nil).Resubmit(ofconst.TableBridge),
	))

	// 6/7. OUT: TUNNEL disposition for traffic sourced from this vnid,
	// encapsulating and sending out the tunnel port; remote-inventory
	// complete setups skip the broadcast variant since remote.go's
	// per-remote-endpoint flows already cover known destinations.
	cfg := m.store.Config()
	if tunPort, ok := m.ports.FindPort(cfg.EncapIface); ok {
		if cfg.RemoteInventory != modb.RemoteInventoryComplete {
			flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityNormalMatch, ofconst.CookieProactiveLearn,
				ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Reg(ofconst.RegSrcEPG, fi.Vnid, nil).Metadata(ofconst.OutTunnel, ofconst.MetaOutMask),
				ofbuilder.NewActions().LoadReg(ofconst.RegOutput, tunPort, nil).OutputFromReg(ofconst.RegOutput),
			))
		}
		if routerMAC := cfg.VirtualRouterMAC; routerMAC != nil {
			flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityHighMatch, ofconst.CookieProactiveLearn,
				ofbuilder.NewMatch(ofconst.PriorityHighMatch).Reg(ofconst.RegSrcEPG, fi.Vnid, nil).EthDst(routerMAC).Metadata(ofconst.OutTunnel, ofconst.MetaOutMask),
				ofbuilder.NewActions().LoadReg(ofconst.RegOutput, tunPort, nil).OutputFromReg(ofconst.RegOutput),
			))
		}
	} else {
		log.Debugf("flowmgr: epg %s: encap iface %q not yet mapped to a port, skipping tunnel-disposition flows", u.URI, cfg.EncapIface)
	}

	return writeFlowsByTable(m.sw, epgObjKey(u.URI), flows)
}

// intraEPGPolicyFlows implements the three IntraPolicy dispositions:
// allow installs a POLICY_APPLIED pass at default-allow priority,
// deny installs nothing (intra-EPG traffic then matches no POL flow
// of this EPG and is never marked POLICY_APPLIED), and
// require-contract relies entirely on the
// contract-rule flows the contract handler installs.
func intraEPGPolicyFlows(epg modb.EndpointGroup, fi policy.ForwardingInfo) []switchmgr.Flow {
	switch epg.IntraPolicy {
	case modb.IntraAllow:
		return []switchmgr.Flow{buildFlow(ofconst.TablePolicy, ofconst.PriorityDefaultAllow, ofconst.CookieProactiveLearn,
			ofbuilder.NewMatch(ofconst.PriorityDefaultAllow).Reg(ofconst.RegSrcEPG, fi.Vnid, nil).Reg(ofconst.RegDstEPG, fi.Vnid, nil),
			ofbuilder.NewActions().WriteMetadata(ofconst.MetaPolicyApplied, ofconst.MetaPolicyApplied).GotoTable(ofconst.TableStats),
		)}
	case modb.IntraDeny:
		return nil
	default: // IntraRequireContract
		return nil
	}
}

func (m *Manager) clearEPGFlows(uri string) error {
	for _, t := range []uint8{ofconst.TableSource, ofconst.TablePolicy, ofconst.TableBridge, ofconst.TableOutput} {
		if err := m.sw.ClearFlows(epgObjKey(uri), t); err != nil {
			return err
		}
	}
	return nil
}
