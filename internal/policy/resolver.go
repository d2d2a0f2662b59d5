// Package policy implements the Policy Resolver (C5): derived views
// over the MODB that the Integration Flow Manager consumes, without
// ever touching OpenFlow itself.
package policy

import (
	cmap "github.com/streamrail/concurrent-map"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
)

// ForwardingInfo is the (vnid, rd, bd, fd) tuple a pure function of
// MODB state computes for an EPG URI.
type ForwardingInfo struct {
	Vnid uint32
	RDID uint32
	BDID uint32
	FDID uint32
}

// ErrNotReady is returned by GroupForwardingInfo when the EPG, or one
// of its required domains, hasn't appeared in the MODB yet.
var ErrNotReady = notReadyErr{}

type notReadyErr struct{}

func (notReadyErr) Error() string { return "policy: epg forwarding info not ready" }

// extVnidBit distinguishes an allocated L3ExternalNetwork id from a
// real EPG vnid in the same id space (spec 4.5).
const extVnidBit uint32 = 1 << 31

// Resolver computes derived forwarding and rule-list views over a
// modb.Store, using the shared idalloc.Allocator for BD/FD/RD/external
// network ids so they're stable across restart when persisted.
type Resolver struct {
	store *modb.Store
	ids   *idalloc.Allocator

	// contractIndex records, for a contract URI, which EPGs provide
	// and which consume it, so bidirectional collapse can recognize
	// the "A and B are each other's provider+consumer" case without
	// re-scanning every EPG on each call.
	contractIndex cmap.ConcurrentMap // contract URI -> *contractMembership
}

type contractMembership struct {
	providers map[string]bool
	consumers map[string]bool
}

// New constructs a Resolver. It does not subscribe itself; callers
// (typically the Integration Flow Manager) subscribe to the store and
// call Resolver methods from their own task-queue handlers so
// ID-generator allocation never happens on the MODB notifier
// goroutine (Design Notes).
func New(store *modb.Store, ids *idalloc.Allocator) *Resolver {
	return &Resolver{
		store:         store,
		ids:           ids,
		contractIndex: cmap.New(),
	}
}

// GroupForwardingInfo computes (vnid, rd, bd, fd) for an EPG URI.
func (r *Resolver) GroupForwardingInfo(epgURI string) (ForwardingInfo, error) {
	epg, ok := r.store.EPG(epgURI)
	if !ok {
		return ForwardingInfo{}, ErrNotReady
	}

	info := ForwardingInfo{Vnid: epg.Vnid}

	if epg.RD != "" {
		if _, ok := r.store.RD(epg.RD); !ok {
			return ForwardingInfo{}, ErrNotReady
		}
		rdID, err := r.ids.GetID(idalloc.NamespaceRoutingDomain, epg.RD)
		if err != nil {
			return ForwardingInfo{}, err
		}
		info.RDID = rdID
	}
	if epg.BD != "" {
		if _, ok := r.store.BD(epg.BD); !ok {
			return ForwardingInfo{}, ErrNotReady
		}
		bdID, err := r.ids.GetID(idalloc.NamespaceBridgeDomain, epg.BD)
		if err != nil {
			return ForwardingInfo{}, err
		}
		info.BDID = bdID
	}
	if epg.FD != "" {
		if _, ok := r.store.FD(epg.FD); !ok {
			return ForwardingInfo{}, ErrNotReady
		}
		fdID, err := r.ids.GetID(idalloc.NamespaceFloodDomain, epg.FD)
		if err != nil {
			return ForwardingInfo{}, err
		}
		info.FDID = fdID
	}
	return info, nil
}

// ExternalNetworkVnid allocates (or looks up) the id for an
// L3ExternalNetwork URI, with bit 31 set to distinguish it from a real
// EPG vnid sharing the same register field.
func (r *Resolver) ExternalNetworkVnid(extNetURI string) (uint32, error) {
	id, err := r.ids.GetID(idalloc.NamespaceExternalNetwork, extNetURI)
	if err != nil {
		return 0, err
	}
	return id | extVnidBit, nil
}

// IsExternalVnid reports whether a vnid value was produced by
// ExternalNetworkVnid rather than read directly off an EndpointGroup.
func IsExternalVnid(vnid uint32) bool {
	return vnid&extVnidBit != 0
}

// RDUnenforced reports whether rd's enforcement preference calls for
// the single "allow all within rd" flow installed above contract
// rules (spec 4.5).
func (r *Resolver) RDUnenforced(rdURI string) bool {
	rd, ok := r.store.RD(rdURI)
	if !ok {
		return false
	}
	return rd.Enforcement == modb.EnforcementUnenforced
}

// noteMembership records that epgURI provides and/or consumes
// contractURI, for later bidirectional-collapse queries.
func (r *Resolver) noteMembership(contractURI, epgURI string, provides, consumes bool) {
	var m *contractMembership
	if v, ok := r.contractIndex.Get(contractURI); ok {
		m = v.(*contractMembership)
	} else {
		m = &contractMembership{providers: map[string]bool{}, consumers: map[string]bool{}}
		r.contractIndex.Set(contractURI, m)
	}
	if provides {
		m.providers[epgURI] = true
	}
	if consumes {
		m.consumers[epgURI] = true
	}
}

// RebuildContractIndex recomputes the provider/consumer membership
// index for contractURI from current EPG state. Called by the flow
// manager's contract-update handler before rule expansion, since the
// index is a derived many-to-many relationship kept separate from the
// MODB's own tree-shaped ownership (Design Notes).
func (r *Resolver) RebuildContractIndex(contractURI string) {
	r.contractIndex.Remove(contractURI)
	// A real MODB would expose a reverse index (contract -> EPGs);
	// here the resolver derives it by scanning endpoints' EPGs is not
	// enough since EPG->contract is the authoritative direction, so
	// the flow manager feeds membership explicitly via NoteProvider/
	// NoteConsumer as it iterates EPGs. This keeps the resolver a pure
	// function of what's been told rather than re-deriving by a
	// MODB-wide scan it has no efficient index for.
}

// NoteProvider/NoteConsumer let the flow manager declare EPG
// membership in a contract as it iterates EPGs looking for providers
// and consumers, so RebuildContractIndex need not scan the whole MODB.
func (r *Resolver) NoteProvider(contractURI, epgURI string) {
	r.noteMembership(contractURI, epgURI, true, false)
}

func (r *Resolver) NoteConsumer(contractURI, epgURI string) {
	r.noteMembership(contractURI, epgURI, false, true)
}

// IsBidirectionalPair reports whether a and b are each other's
// provider AND consumer for contractURI, the precondition for
// collapsing a bidirectional rule's flows into a single direction
// pair (spec 4.5, testable property 5).
func (r *Resolver) IsBidirectionalPair(contractURI, a, b string) bool {
	v, ok := r.contractIndex.Get(contractURI)
	if !ok {
		return false
	}
	m := v.(*contractMembership)
	return m.providers[a] && m.consumers[a] && m.providers[b] && m.consumers[b]
}

// RankedRules returns rule's priority-ordered flow priority: the
// contract/security-group's base priority decreasing strictly by rule
// order, so an earlier rule always outranks a later one regardless of
// classifier content (spec 8, property 4).
func RankedRules(base uint16, rules []modb.PolicyRule) []RankedRule {
	out := make([]RankedRule, len(rules))
	for i, rule := range rules {
		priority := base
		if uint16(rule.Order) < base {
			priority = base - uint16(rule.Order)
		} else {
			priority = 1
		}
		out[i] = RankedRule{Rule: rule, Priority: priority}
	}
	return out
}

// RankedRule pairs a PolicyRule with its computed flow priority.
type RankedRule struct {
	Rule     modb.PolicyRule
	Priority uint16
}
