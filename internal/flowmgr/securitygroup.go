package flowmgr

import (
	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/switchmgr"
)

// handleSecurityGroupUpdate reacts to a security-group rule-list
// change. A SecurityGroup owns no table slice of its own: like a
// domain, it's consumed by every endpoint that references it, so a
// change re-enqueues those endpoints rather than writing flows here
// directly (avoids a second writer racing the endpoint handler over
// the same (obj, table) desired-state key).
func (m *Manager) handleSecurityGroupUpdate(u modb.Update) error {
	for _, ep := range m.referencingEndpoints(u.URI) {
		upd := modb.Update{Kind: modb.KindEndpoint, URI: ep.UUID, Present: true}
		m.queue.Enqueue(queueKey(upd), upd)
	}
	return nil
}

func (m *Manager) referencingEndpoints(sgURI string) []modb.Endpoint {
	var out []modb.Endpoint
	for _, ep := range m.store.Endpoints() {
		for _, ref := range ep.SecurityGroups {
			if ref == sgURI {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

// securityGroupFlows expands every security group an endpoint
// references into SEC-table flows evaluated on its own port,
// independent of EPG/contract enforcement: rule order across all of
// an endpoint's security groups is significant (spec 8, property 4),
// so groups are concatenated before ranking rather than ranked
// per-group.
func (m *Manager) securityGroupFlows(ep modb.Endpoint, ofport uint32) []switchmgr.Flow {
	if len(ep.SecurityGroups) == 0 {
		return nil
	}

	var rules []modb.PolicyRule
	for _, sgURI := range ep.SecurityGroups {
		sg, ok := m.store.SecurityGroup(sgURI)
		if !ok {
			log.Debugf("flowmgr: endpoint %s: security group %s not ready", ep.UUID, sgURI)
			continue
		}
		rules = append(rules, sg.Rules...)
	}
	if len(rules) == 0 {
		return nil
	}

	// Ranked above PriorityHighMatch so a security-group deny always
	// pre-empts the endpoint's own MAC-admit flow, which shares that
	// band (spec 8, property 4: rule order always outranks other
	// content, here extended to outrank plain forwarding, too).
	ranked := policy.RankedRules(ofconst.PriorityHighMatch+uint16(len(rules)), rules)

	var flows []switchmgr.Flow
	for _, rr := range ranked {
		cls := rr.Rule.Classifier
		classifierID, err := m.ids.GetID(idalloc.NamespaceL24ClassifierRule, cls.URI)
		if err != nil {
			log.Warnf("flowmgr: endpoint %s: classifier %s: %v", ep.UUID, cls.URI, err)
			continue
		}
		cookie := ofconst.ClassifierCookie(classifierID)

		actionsFn := denyActions
		if rr.Rule.Allow {
			actionsFn = func() *ofbuilder.Actions { return ofbuilder.NewActions().GotoTable(ofconst.TableSource) }
		}

		for _, match := range accessPortMatches(rr.Priority, ofport, cls) {
			flows = append(flows, buildFlow(ofconst.TableSecurity, rr.Priority, cookie, match, actionsFn()))
		}
	}
	return flows
}

// accessPortMatches is classifierMatches' sibling for the per-port SEC
// table: it scopes on InPort rather than the src/dst EPG registers,
// since security-group rules evaluate before an endpoint's forwarding
// info is even loaded into the register file.
func accessPortMatches(priority uint16, ofport uint32, cls modb.Classifier) []*ofbuilder.Match {
	srcRanges := portValueMasks(cls.SrcPortMin, cls.SrcPortMax)
	dstRanges := portValueMasks(cls.DstPortMin, cls.DstPortMax)

	var matches []*ofbuilder.Match
	for _, sp := range srcRanges {
		for _, dp := range dstRanges {
			match := ofbuilder.NewMatch(priority).InPort(ofport)
			if cls.EtherType != 0 {
				match = match.EthType(cls.EtherType)
			}
			if cls.IPProto != 0 {
				match = match.IPProto(cls.IPProto)
			}
			if cls.ICMPType != nil {
				match = match.ICMPType(*cls.ICMPType)
				if cls.ICMPCode != nil {
					match = match.ICMPCode(*cls.ICMPCode)
				}
			}
			switch cls.IPProto {
			case 6:
				if sp.set {
					match = match.TCPSrcPort(sp.value, sp.mask)
				}
				if dp.set {
					match = match.TCPDstPort(dp.value, dp.mask)
				}
			case 17:
				if sp.set {
					match = match.UDPSrcPort(sp.value, sp.mask)
				}
				if dp.set {
					match = match.UDPDstPort(dp.value, dp.mask)
				}
			}
			matches = append(matches, match)
		}
	}
	return matches
}
