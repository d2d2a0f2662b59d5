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

package policy

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
)

func newTestResolver() (*Resolver, *modb.Store) {
	store := modb.NewStore()
	return New(store, idalloc.New()), store
}

// TestGroupForwardingInfoNotReadyBeforeEPGExists covers E1's precondition:
// an EPG URI that hasn't landed in the store yet must report
// ErrNotReady rather than silently allocating ids for it.
func TestGroupForwardingInfoNotReadyBeforeEPGExists(t *testing.T) {
	g := NewGomegaWithT(t)
	r, _ := newTestResolver()

	_, err := r.GroupForwardingInfo("/epg/g1")
	g.Expect(err).To(Equal(ErrNotReady))
}

func TestGroupForwardingInfoNotReadyWhenDomainMissing(t *testing.T) {
	g := NewGomegaWithT(t)
	r, store := newTestResolver()

	store.PutEPG(modb.EndpointGroup{URI: "/epg/g1", RD: "/rd/rd", BD: "/bd/bd", FD: "/fd/fd", Vnid: 1234})
	// None of rd/bd/fd exist yet.
	_, err := r.GroupForwardingInfo("/epg/g1")
	g.Expect(err).To(Equal(ErrNotReady))
}

// TestGroupForwardingInfoE1ResolvesVnidAndDomainIDs mirrors spec.md
// E1's RD/BD/FD/EPG fixture and checks the returned vnid and that
// BD/FD/RD each get a non-zero, stable id once installed.
func TestGroupForwardingInfoE1ResolvesVnidAndDomainIDs(t *testing.T) {
	g := NewGomegaWithT(t)
	r, store := newTestResolver()

	store.PutRD(modb.RoutingDomain{URI: "/rd/rd"})
	store.PutBD(modb.BridgeDomain{URI: "/bd/bd"})
	store.PutFD(modb.FloodDomain{URI: "/fd/fd"})
	store.PutEPG(modb.EndpointGroup{URI: "/epg/g1", RD: "/rd/rd", BD: "/bd/bd", FD: "/fd/fd", Vnid: 1234})

	info, err := r.GroupForwardingInfo("/epg/g1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Vnid).To(Equal(uint32(1234)))
	g.Expect(info.RDID).NotTo(BeZero())
	g.Expect(info.BDID).NotTo(BeZero())
	g.Expect(info.FDID).NotTo(BeZero())

	// Determinism (property 1): a second call against identical store
	// state returns byte-identical ids, not freshly re-allocated ones.
	again, err := r.GroupForwardingInfo("/epg/g1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(again).To(Equal(info))
}

func TestExternalNetworkVnidSetsBit31AndIsDetectable(t *testing.T) {
	g := NewGomegaWithT(t)
	r, _ := newTestResolver()

	vnid, err := r.ExternalNetworkVnid("/l3ext/n1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(vnid & (1 << 31)).NotTo(BeZero())
	g.Expect(IsExternalVnid(vnid)).To(BeTrue())
	g.Expect(IsExternalVnid(1234)).To(BeFalse())
}

func TestRDUnenforcedReflectsStoreState(t *testing.T) {
	g := NewGomegaWithT(t)
	r, store := newTestResolver()

	store.PutRD(modb.RoutingDomain{URI: "/rd/enforced"})
	store.PutRD(modb.RoutingDomain{URI: "/rd/unenforced", Enforcement: modb.EnforcementUnenforced})

	g.Expect(r.RDUnenforced("/rd/enforced")).To(BeFalse())
	g.Expect(r.RDUnenforced("/rd/unenforced")).To(BeTrue())
	g.Expect(r.RDUnenforced("/rd/missing")).To(BeFalse())
}

// TestIsBidirectionalPairRequiresBothSidesFullMembership exercises
// property 5 (bidirectional-collapse): only true when a and b are each
// other's provider AND consumer on the same contract.
func TestIsBidirectionalPairRequiresBothSidesFullMembership(t *testing.T) {
	g := NewGomegaWithT(t)
	r, _ := newTestResolver()

	r.NoteProvider("/contract/c1", "/epg/g1")
	r.NoteConsumer("/contract/c1", "/epg/g1")
	r.NoteProvider("/contract/c1", "/epg/g2")
	r.NoteConsumer("/contract/c1", "/epg/g2")

	g.Expect(r.IsBidirectionalPair("/contract/c1", "/epg/g1", "/epg/g2")).To(BeTrue())

	// g3 only consumes, never provides: not a bidirectional pair.
	r.NoteConsumer("/contract/c1", "/epg/g3")
	g.Expect(r.IsBidirectionalPair("/contract/c1", "/epg/g1", "/epg/g3")).To(BeFalse())

	g.Expect(r.IsBidirectionalPair("/contract/unknown", "/epg/g1", "/epg/g2")).To(BeFalse())
}

// TestRankedRulesStrictlyDecreasingByOrder is property 4 (rule-priority
// monotonicity): an earlier rule in a contract's rule list always gets
// a strictly higher flow priority than a later one, mirroring E2's
// {arp allow, icmpv4 allow} ordered pair.
func TestRankedRulesStrictlyDecreasingByOrder(t *testing.T) {
	g := NewGomegaWithT(t)

	rules := []modb.PolicyRule{
		{Order: 0, Allow: true, Classifier: modb.Classifier{EtherType: 0x0806}}, // arp
		{Order: 1, Allow: true, Classifier: modb.Classifier{EtherType: 0x0800, IPProto: 1}}, // icmpv4
		{Order: 2, Allow: true, Classifier: modb.Classifier{EtherType: 0x0800, IPProto: 6}}, // tcp
	}

	ranked := RankedRules(1000, rules)
	g.Expect(ranked).To(HaveLen(3))
	g.Expect(ranked[0].Priority).To(BeNumerically(">", ranked[1].Priority))
	g.Expect(ranked[1].Priority).To(BeNumerically(">", ranked[2].Priority))

	// Identity: the rule itself (compared by value), not just the
	// priority, is carried through in order.
	for i, rr := range ranked {
		g.Expect(rr.Rule).To(Equal(rules[i]))
	}
}
