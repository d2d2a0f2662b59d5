package flowmgr

import (
	log "github.com/Sirupsen/logrus"
	"github.com/contiv/libOpenflow/openflow13"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofbuilder"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/switchmgr"
)

func contractObjKey(uri string) string { return "contract:" + uri }

// handleContractUpdate expands a contract's ordered rule list into POL
// flows for every provider x consumer EPG pair, plus every EPG that
// lists the contract as an intra-contract (spec.md 4.6, "Contract
// flows (on contractUpdated)"). A bidirectional provider/consumer pair
// (each providing and consuming the same contract) only gets one
// direction's worth of pair expansion; PolicyRule.Direction still
// covers both traffic directions within that one expansion (spec 8,
// property 5).
func (m *Manager) handleContractUpdate(u modb.Update) error {
	contract, ok := m.store.Contract(u.URI)
	if !ok || !u.Present {
		return m.sw.ClearFlows(contractObjKey(u.URI), ofconst.TablePolicy)
	}

	providers, consumers, intra := m.contractParticipants(u.URI)

	m.resolver.RebuildContractIndex(u.URI)
	for _, epg := range providers {
		m.resolver.NoteProvider(u.URI, epg.URI)
	}
	for _, epg := range consumers {
		m.resolver.NoteConsumer(u.URI, epg.URI)
	}

	ranked := policy.RankedRules(ofconst.PriorityNormalMatch, contract.Rules)

	var flows []switchmgr.Flow
	seenPair := make(map[string]bool)

	for _, p := range providers {
		pInfo, err := m.resolver.GroupForwardingInfo(p.URI)
		if err != nil {
			log.Debugf("flowmgr: contract %s: provider %s not ready: %v", u.URI, p.URI, err)
			continue
		}
		for _, c := range consumers {
			if p.URI == c.URI {
				continue
			}
			pair := pairKey(p.URI, c.URI)
			if seenPair[pair] {
				continue
			}
			if m.resolver.IsBidirectionalPair(u.URI, p.URI, c.URI) {
				seenPair[pair] = true
			}
			cInfo, err := m.resolver.GroupForwardingInfo(c.URI)
			if err != nil {
				log.Debugf("flowmgr: contract %s: consumer %s not ready: %v", u.URI, c.URI, err)
				continue
			}
			flows = append(flows, m.contractPairFlows(u.URI, ranked, pInfo, cInfo)...)
		}
	}

	for _, epg := range intra {
		info, err := m.resolver.GroupForwardingInfo(epg.URI)
		if err != nil {
			continue
		}
		flows = append(flows, m.contractPairFlows(u.URI, ranked, info, info)...)
	}

	return m.sw.WriteFlow(contractObjKey(u.URI), ofconst.TablePolicy, flows)
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// contractParticipants scans every known EPG for a reference to
// contractURI. MODB only exposes contract membership from the EPG side
// (ProviderContracts/ConsumerContracts/IntraContracts), so the flow
// manager derives the reverse index here rather than asking the
// resolver to keep a whole-store scan of its own.
func (m *Manager) contractParticipants(contractURI string) (providers, consumers, intra []modb.EndpointGroup) {
	for _, epg := range m.store.EPGs() {
		for _, uri := range epg.ProviderContracts {
			if uri == contractURI {
				providers = append(providers, epg)
			}
		}
		for _, uri := range epg.ConsumerContracts {
			if uri == contractURI {
				consumers = append(consumers, epg)
			}
		}
		for _, uri := range epg.IntraContracts {
			if uri == contractURI {
				intra = append(intra, epg)
			}
		}
	}
	return
}

// contractPairFlows expands every rule of a contract into POL-table
// flows for one (provider, consumer) forwarding-info pair, resolving
// each rule's Direction to the (fromVnid, toVnid) register match it
// applies to.
func (m *Manager) contractPairFlows(contractURI string, ranked []policy.RankedRule, provider, consumer policy.ForwardingInfo) []switchmgr.Flow {
	var flows []switchmgr.Flow
	for _, rr := range ranked {
		rule := rr.Rule
		classifierID, err := m.ids.GetID(idalloc.NamespaceL24ClassifierRule, rule.Classifier.URI)
		if err != nil {
			log.Warnf("flowmgr: contract %s: classifier %s: %v", contractURI, rule.Classifier.URI, err)
			continue
		}
		cookie := ofconst.ClassifierCookie(classifierID)

		if rule.Direction == modb.DirectionOut || rule.Direction == modb.DirectionBidirectional {
			flows = append(flows, m.ruleFlows(rr.Priority, cookie, provider.Vnid, consumer.Vnid, rule)...)
		}
		if rule.Direction == modb.DirectionIn || rule.Direction == modb.DirectionBidirectional {
			flows = append(flows, m.ruleFlows(rr.Priority, cookie, consumer.Vnid, provider.Vnid, rule)...)
		}
	}
	return flows
}

// ruleFlows expands one PolicyRule, already resolved to a concrete
// (srcVnid, dstVnid) direction, into its POL-table flows: a reflexive
// allow rule gets the full conntrack class expansion, everything else
// gets one flow per decomposed classifier match (port-range split,
// TCP established-flags split).
func (m *Manager) ruleFlows(priority uint16, cookie uint64, srcVnid, dstVnid uint32, rule modb.PolicyRule) []switchmgr.Flow {
	cls := rule.Classifier

	if rule.Allow && cls.Conntrack == modb.ConntrackReflexive {
		return m.reflexiveFlows(priority, cookie, srcVnid, dstVnid, cls, rule.RedirectDestGroup)
	}

	actionsFn := denyActions
	if rule.Allow {
		actionsFn = allowActions
	}

	var flows []switchmgr.Flow
	for _, match := range classifierMatches(priority, srcVnid, dstVnid, cls) {
		actions := actionsFn()
		if rule.Allow && rule.RedirectDestGroup != "" {
			actions = m.redirectActions(rule.RedirectDestGroup)
		}
		flows = append(flows, buildFlow(ofconst.TablePolicy, priority, cookie, match, actions))
	}
	return flows
}

func allowActions() *ofbuilder.Actions {
	return ofbuilder.NewActions().
		WriteMetadata(ofconst.MetaPolicyApplied, ofconst.MetaPolicyApplied).
		GotoTable(ofconst.TableStats)
}

func denyActions() *ofbuilder.Actions {
	return ofbuilder.NewActions().
		WriteMetadata(ofconst.MetaPolicyApplied, ofconst.MetaPolicyApplied).
		GotoTable(ofconst.TableExplicitDrop)
}

// tcpFlag values in the low byte of the TCP flags field, as matched by
// ofbuilder.Match.TCPFlags.
const (
	tcpFlagRST uint16 = 0x004
	tcpFlagACK uint16 = 0x010
)

type portRange struct {
	set         bool
	value, mask uint16
}

// portValueMasks decomposes [lo, hi] into the value/mask pairs
// RangeToMasks produces, or a single "don't care" entry when the
// classifier doesn't constrain that port at all.
func portValueMasks(lo, hi uint16) []portRange {
	if lo == 0 && hi == 0 {
		return []portRange{{set: false}}
	}
	if hi == 0 {
		hi = lo
	}
	vms := ofbuilder.RangeToMasks(lo, hi)
	out := make([]portRange, len(vms))
	for i, vm := range vms {
		out[i] = portRange{set: true, value: vm.Value, mask: vm.Mask}
	}
	return out
}

// classifierMatches builds one ofbuilder.Match per (src port range x
// dst port range x TCP-flags variant) combination a classifier
// decomposes into. A classifier whose TCP flags are exactly ACK/ACK —
// the "established" shorthand used for one-way allow rules — becomes
// two matches (ACK set, RST set), since a rejected or reset reply can
// carry a bare RST without ever completing the handshake.
func classifierMatches(priority uint16, srcVnid, dstVnid uint32, cls modb.Classifier) []*ofbuilder.Match {
	srcRanges := portValueMasks(cls.SrcPortMin, cls.SrcPortMax)
	dstRanges := portValueMasks(cls.DstPortMin, cls.DstPortMax)

	type flagVariant struct {
		set         bool
		flags, mask uint16
	}
	flagVariants := []flagVariant{{}}
	switch {
	case cls.IPProto == 6 && cls.TCPFlags == tcpFlagACK && cls.TCPFlagsMask == tcpFlagACK:
		flagVariants = []flagVariant{
			{set: true, flags: tcpFlagACK, mask: tcpFlagACK},
			{set: true, flags: tcpFlagRST, mask: tcpFlagRST},
		}
	case cls.TCPFlagsMask != 0:
		flagVariants = []flagVariant{{set: true, flags: cls.TCPFlags, mask: cls.TCPFlagsMask}}
	}

	var matches []*ofbuilder.Match
	for _, sp := range srcRanges {
		for _, dp := range dstRanges {
			for _, fv := range flagVariants {
				match := ofbuilder.NewMatch(priority).
					Reg(ofconst.RegSrcEPG, srcVnid, nil).
					Reg(ofconst.RegDstEPG, dstVnid, nil)
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
				if fv.set {
					match = match.TCPFlags(fv.flags, fv.mask)
				}
				matches = append(matches, match)
			}
		}
	}
	return matches
}

func ctStates(set func(*openflow13.CTStates)) *openflow13.CTStates {
	s := openflow13.NewCTStates()
	set(s)
	return s
}

func tablePtr(t uint8) *uint8 { return &t }

// reflexiveFlows implements the conntrack-reflexive expansion of an
// allow rule (spec.md 4.6/E3): the forward direction is split into
// untracked (recirculate through conntrack), new+tracked (commit) and
// established+tracked (pass straight through), and the reverse
// direction is allowed by conntrack state alone — never re-matched
// against the rule's own classifier — since the whole point of a
// reflexive rule is not needing a mirrored rule for the return leg.
func (m *Manager) reflexiveFlows(priority uint16, cookie uint64, srcVnid, dstVnid uint32, cls modb.Classifier, redirectGroup string) []switchmgr.Flow {
	zoneReg := ofconst.RegRD

	l3Match := func(p uint16, src, dst uint32) *ofbuilder.Match {
		match := ofbuilder.NewMatch(p).Reg(ofconst.RegSrcEPG, src, nil).Reg(ofconst.RegDstEPG, dst, nil)
		if cls.EtherType != 0 {
			match = match.EthType(cls.EtherType)
		}
		if cls.IPProto != 0 {
			match = match.IPProto(cls.IPProto)
		}
		return match
	}

	untracked := ctStates(func(s *openflow13.CTStates) { s.UnsetTrk() })
	newTrk := ctStates(func(s *openflow13.CTStates) { s.SetNew(); s.SetTrk() })
	estTrk := ctStates(func(s *openflow13.CTStates) { s.UnsetNew(); s.SetEst(); s.SetTrk() })
	relTrk := ctStates(func(s *openflow13.CTStates) { s.SetRel(); s.SetTrk() })

	recircActions := func() *ofbuilder.Actions {
		return ofbuilder.NewActions().Conntrack(ofbuilder.ConntrackSpec{ZoneReg: &zoneReg, NextTbl: tablePtr(ofconst.TablePolicy)})
	}

	fwdActions := allowActions()
	if redirectGroup != "" {
		fwdActions = m.redirectActions(redirectGroup)
	}
	fwdActions = fwdActions.Conntrack(ofbuilder.ConntrackSpec{Commit: true, ZoneReg: &zoneReg})

	var flows []switchmgr.Flow

	// FWD_TRACK: first packet of a forward flow, not yet conntrack
	// tracked - recirculate so the second pass sees ct state.
	flows = append(flows, buildFlow(ofconst.TablePolicy, priority+2, cookie,
		l3Match(priority+2, srcVnid, dstVnid).CtState(untracked, "untrk"), recircActions()))
	// FWD: new, tracked forward traffic is allowed and committed.
	flows = append(flows, buildFlow(ofconst.TablePolicy, priority+1, cookie,
		l3Match(priority+1, srcVnid, dstVnid).CtState(newTrk, "new+trk"), fwdActions))
	// FWD_EST: already-established forward traffic is allowed without
	// re-evaluating the classifier.
	flows = append(flows, buildFlow(ofconst.TablePolicy, priority, cookie,
		l3Match(priority, srcVnid, dstVnid).CtState(estTrk, "est+trk"), allowActions()))

	// REV_TRACK/REV_ALLOW/REV_RELATED: the reverse direction matches
	// only on conntrack state, not on the classifier's own L4 fields.
	flows = append(flows, buildFlow(ofconst.TablePolicy, priority+2, cookie,
		l3Match(priority+2, dstVnid, srcVnid).CtState(untracked, "untrk"), recircActions()))
	flows = append(flows, buildFlow(ofconst.TablePolicy, priority, cookie,
		l3Match(priority, dstVnid, srcVnid).CtState(estTrk, "est+trk"), allowActions()))
	flows = append(flows, buildFlow(ofconst.TablePolicy, priority, cookie,
		l3Match(priority, dstVnid, srcVnid).CtState(relTrk, "rel+trk"), allowActions()))

	return flows
}

// redirectActions resolves a PolicyRule's RedirectDestGroup (an EPG
// URI naming a service-chain node set) to a stable group id, installs
// or refreshes that group's bucket list from current endpoint
// membership, and returns the multipath-hash-then-group action pair
// spec.md 4.3's redirect vocabulary describes.
func (m *Manager) redirectActions(redirectGroupURI string) *ofbuilder.Actions {
	groupID, err := m.ids.GetID(idalloc.NamespaceRedirectGroup, redirectGroupURI)
	if err != nil {
		log.Warnf("flowmgr: redirect group %s: %v", redirectGroupURI, err)
		return allowActions()
	}
	n := m.installRedirectGroup(groupID, redirectGroupURI)
	if n == 0 {
		return allowActions()
	}
	return ofbuilder.NewActions().
		WriteMetadata(ofconst.MetaPolicyApplied, ofconst.MetaPolicyApplied).
		Multipath(ofbuilder.MultipathSpec{Fields: "symmetric_l3l4", NumLinks: uint16(n), DstReg: ofconst.RegOutput}).
		Group(groupID)
}

func (m *Manager) installRedirectGroup(groupID uint32, redirectEPGURI string) int {
	var buckets []uint32
	for _, ep := range m.store.EndpointsInEPG(redirectEPGURI) {
		if ofport, ok := m.ports.FindPort(ep.Iface); ok {
			buckets = append(buckets, ofport)
		}
	}
	if err := m.sw.WriteGroupMod(switchmgr.Group{ID: groupID, Buckets: buckets}); err != nil {
		log.Warnf("flowmgr: redirect group %s: %v", redirectEPGURI, err)
	}
	return len(buckets)
}
