package flowmgr

import (
	"github.com/contiv/ofnet/ofctrl"
	"github.com/pkg/errors"

	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/switchmgr"
)

const staticFlowsObjKey = "static"

// installStaticFlows installs the flows that exist once and are
// replayed identically on every reconnect (spec.md 4.6 "Static
// flows"): the SEC IPv4 floor, DHCP/RS admit, service-interface policy
// bypass, implicit ARP/ND allow, REV_NAT default, REMOTE_TUNNEL output,
// the terminal OUT default, ICMP-error punts and the EXP_DROP floor. No
// tunnel/uplink bypass flow is installed here, and no SEC flow here
// drops untagged L3 traffic.
func (m *Manager) installStaticFlows() error {
	var flows []switchmgr.Flow

	// T1 SEC: table-wide IPv4 floor below the per-endpoint allow rules.
	// It continues to SRC rather than dropping, so IPv4 traffic that no
	// port-security rule admitted is not dropped here.
	flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityTableMiss,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityTableMiss).EthType(0x0800),
		ofbuilder.NewActions().GotoTable(ofconst.TableSource), // permissive default; explicit drops are per-port-security-mode
	))

	// T1 SEC: allow DHCP requests (UDP 68->67) and IPv6 router
	// solicitation through regardless of port-security mode.
	flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityHighMatch).IPProto(17).UDPSrcPort(68, 0xffff).UDPDstPort(67, 0xffff),
		ofbuilder.NewActions().GotoTable(ofconst.TableSource),
	))
	flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityHighMatch).EthType(0x86dd).ICMPType(133), // router solicitation
		ofbuilder.NewActions().GotoTable(ofconst.TableSource),
	))

	// T14 OUT: policy-bypass for traffic tagged FROM_SERVICE_INTERFACE.
	flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityHighMatch,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityHighMatch).Metadata(ofconst.MetaFromServiceInterface, ofconst.MetaFromServiceInterface),
		ofbuilder.NewActions().OutputFromReg(ofconst.RegOutput),
	))

	// T1 SEC: implicit-allow for ARP/ND so proxy logic downstream
	// always sees the packet.
	flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityHighMatch).EthType(0x0806),
		ofbuilder.NewActions().GotoTable(ofconst.TableSource),
	))
	for _, ndType := range []uint8{135, 136} { // neighbor solicitation/advertisement
		flows = append(flows, buildFlow(ofconst.TableSecurity, ofconst.PriorityHighMatch,
			ofconst.CookieProactiveLearn,
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).EthType(0x86dd).ICMPType(ndType),
			ofbuilder.NewActions().GotoTable(ofconst.TableSource),
		))
	}

	// T14 OUT: default-OUT for REV_NAT disposition (output to REG7,
	// the ICMP-error interception happens in the packet-in handler,
	// not here).
	flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityNormalMatch,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Metadata(ofconst.OutRevNAT<<0, ofconst.MetaOutMask),
		ofbuilder.NewActions().OutputFromReg(ofconst.RegOutput),
	))

	// T14 OUT: output-to-tunnel for REMOTE_TUNNEL disposition.
	flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityNormalMatch,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityNormalMatch).Metadata(ofconst.OutRemoteTunnel, ofconst.MetaOutMask),
		ofbuilder.NewActions().OutputFromReg(ofconst.RegOutput),
	))

	// T14 OUT: terminal default outputs to REG7 (the implicit "out"
	// enum default).
	flows = append(flows, buildFlow(ofconst.TableOutput, ofconst.PriorityTableMiss,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityTableMiss),
		ofbuilder.NewActions().OutputFromReg(ofconst.RegOutput),
	))

	// T9 NAT_IN: reverse-NAT ICMP error punts (types 3 unreachable, 11
	// time-exceeded, 12 parameter-problem) so the packet-in handler can
	// rewrite the encapsulated packet's source address.
	for _, icmpType := range []uint8{3, 11, 12} {
		flows = append(flows, buildFlow(ofconst.TableNATIngress, ofconst.PriorityHighMatch,
			ofconst.PuntCookie(ofconst.CookieClassICMPErrorV4, 0),
			ofbuilder.NewMatch(ofconst.PriorityHighMatch).ICMPType(icmpType),
			ofbuilder.NewActions().Controller(),
		))
	}

	// Table-drop floor: every table defaults to go-to-next except the
	// terminal EXP_DROP table, which drops. Explicit drop flows at
	// priority 0 are owned by the stats manager (C8), not here.
	flows = append(flows, buildFlow(ofconst.TableExplicitDrop, ofconst.PriorityTableMiss,
		ofconst.CookieProactiveLearn,
		ofbuilder.NewMatch(ofconst.PriorityTableMiss),
		ofbuilder.NewActions(), // no next table: terminal drop
	))

	return writeFlowsByTable(m.sw, staticFlowsObjKey, flows)
}

// writeFlowsByTable groups flows by their own Table field before
// calling switchmgr.WriteFlow, since desired state is scoped
// (obj, table) and a single call site here spans several tables.
func writeFlowsByTable(sw *switchmgr.Manager, obj string, flows []switchmgr.Flow) error {
	byTable := make(map[uint8][]switchmgr.Flow)
	for _, f := range flows {
		byTable[f.Table] = append(byTable[f.Table], f)
	}
	for table, tflows := range byTable {
		if err := sw.WriteFlow(obj, table, tflows); err != nil {
			return err
		}
	}
	return nil
}

// buildFlow packages a match+action pair into a switchmgr.Flow whose
// Install closure defers actual ofctrl table/flow construction until
// the manager is connected, and whose MatchKey is stable across
// rebuilds so Reconcile's diff is never fooled by pointer identity.
func buildFlow(table uint8, priority uint16, cookie uint64, match *ofbuilder.Match, actions *ofbuilder.Actions) switchmgr.Flow {
	return switchmgr.Flow{
		Table:    table,
		Priority: priority,
		Cookie:   cookie,
		MatchKey: match.Key(),
		Install: func(sw *ofctrl.OFSwitch, tables map[uint8]*ofctrl.Table) (*ofctrl.Flow, error) {
			t, ok := tables[table]
			if !ok {
				return nil, errors.Errorf("flowmgr: table %s not initialized", ofconst.TableNames[table])
			}
			flow, err := t.NewFlow(match.FlowMatch())
			if err != nil {
				return nil, errors.Wrapf(err, "flowmgr: new flow table=%s", ofconst.TableNames[table])
			}
			if err := actions.Apply(flow, sw, tables); err != nil {
				return nil, errors.Wrapf(err, "flowmgr: apply actions table=%s", ofconst.TableNames[table])
			}
			return flow, nil
		},
	}
}
