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

package flowmgr

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/portmap"
	"github.com/opflexcore/agent/internal/switchmgr"
)

// TestHandleContractUpdateE2TwoClassifiersDescendingPriority mirrors
// spec.md E2: g1 (vnid 1234) provides, g2 (vnid 5678) consumes contract
// c1 with ordered rules {arp allow, icmpv4 allow}. Both rules must
// produce POL flows at strictly descending priority (property 4) and
// cookies equal to their classifier ids (property 7).
func TestHandleContractUpdateE2TwoClassifiersDescendingPriority(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutEPG(modb.EndpointGroup{URI: "/epg/g1", Vnid: 1234, ProviderContracts: []string{"/contract/c1"}})
	store.PutEPG(modb.EndpointGroup{URI: "/epg/g2", Vnid: 5678, ConsumerContracts: []string{"/contract/c1"}})
	store.PutContract(modb.Contract{
		URI: "/contract/c1",
		Rules: []modb.PolicyRule{
			{Direction: modb.DirectionOut, Allow: true, Order: 0, Classifier: modb.Classifier{URI: "/cls/arp", EtherType: 0x0806}},
			{Direction: modb.DirectionOut, Allow: true, Order: 1, Classifier: modb.Classifier{URI: "/cls/icmp", EtherType: 0x0800, IPProto: 1}},
		},
	})

	err := m.handleContractUpdate(modb.Update{Kind: modb.KindContract, URI: "/contract/c1", Present: true})
	g.Expect(err).NotTo(HaveOccurred())

	pol := desiredFlowsForTable(sw, ofconst.TablePolicy)
	g.Expect(pol).To(HaveLen(2))

	var arpFlow, icmpFlow switchmgr.Flow
	for _, f := range pol {
		if f.Priority == ofconst.PriorityNormalMatch {
			arpFlow = f
		} else {
			icmpFlow = f
		}
	}
	g.Expect(arpFlow.Priority).To(BeNumerically(">", icmpFlow.Priority), "the order-0 rule must outrank the order-1 rule")

	arpID, err := ids.GetID(idalloc.NamespaceL24ClassifierRule, "/cls/arp")
	g.Expect(err).NotTo(HaveOccurred())
	icmpID, err := ids.GetID(idalloc.NamespaceL24ClassifierRule, "/cls/icmp")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(arpFlow.Cookie).To(Equal(ofconst.ClassifierCookie(arpID)))
	g.Expect(icmpFlow.Cookie).To(Equal(ofconst.ClassifierCookie(icmpID)))
}

// TestHandleContractUpdateE3ReflexiveProducesTrackNewEstAndReverse
// mirrors spec.md E3: a reflexive tcp/80 allow rule must expand into
// the forward FWD_TRACK/FWD/FWD_EST triple and the reverse
// REV_TRACK/REV_ALLOW/REV_RELATED triple (property 6, conntrack
// pairing) — six flows total, none of them re-matching the classifier
// on the reverse leg.
func TestHandleContractUpdateE3ReflexiveProducesTrackNewEstAndReverse(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutEPG(modb.EndpointGroup{URI: "/epg/cons", Vnid: 100, ConsumerContracts: []string{"/contract/c1"}})
	store.PutEPG(modb.EndpointGroup{URI: "/epg/prov", Vnid: 200, ProviderContracts: []string{"/contract/c1"}})
	store.PutContract(modb.Contract{
		URI: "/contract/c1",
		Rules: []modb.PolicyRule{
			{
				Direction: modb.DirectionOut, Allow: true, Order: 0,
				Classifier: modb.Classifier{
					URI: "/cls/tcp80", EtherType: 0x0800, IPProto: 6,
					DstPortMin: 80, DstPortMax: 80, Conntrack: modb.ConntrackReflexive,
				},
			},
		},
	})

	err := m.handleContractUpdate(modb.Update{Kind: modb.KindContract, URI: "/contract/c1", Present: true})
	g.Expect(err).NotTo(HaveOccurred())

	pol := desiredFlowsForTable(sw, ofconst.TablePolicy)
	g.Expect(pol).To(HaveLen(6), "FWD_TRACK/FWD/FWD_EST + REV_TRACK/REV_ALLOW/REV_RELATED")

	classifierID, err := ids.GetID(idalloc.NamespaceL24ClassifierRule, "/cls/tcp80")
	g.Expect(err).NotTo(HaveOccurred())
	wantCookie := ofconst.ClassifierCookie(classifierID)
	for _, f := range pol {
		g.Expect(f.Cookie).To(Equal(wantCookie), "every reflexive-expansion flow shares the rule's classifier cookie")
	}
}

// TestHandleContractUpdateAbsentClearsPolicyFlows checks the contract
// lifecycle clear path.
func TestHandleContractUpdateAbsentClearsPolicyFlows(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutEPG(modb.EndpointGroup{URI: "/epg/g1", Vnid: 1, ProviderContracts: []string{"/contract/c1"}})
	store.PutEPG(modb.EndpointGroup{URI: "/epg/g2", Vnid: 2, ConsumerContracts: []string{"/contract/c1"}})
	store.PutContract(modb.Contract{URI: "/contract/c1", Rules: []modb.PolicyRule{
		{Direction: modb.DirectionOut, Allow: true, Classifier: modb.Classifier{URI: "/cls/arp", EtherType: 0x0806}},
	}})
	g.Expect(m.handleContractUpdate(modb.Update{Kind: modb.KindContract, URI: "/contract/c1", Present: true})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TablePolicy)).NotTo(BeEmpty())

	store.DeleteContract("/contract/c1")
	g.Expect(m.handleContractUpdate(modb.Update{Kind: modb.KindContract, URI: "/contract/c1", Present: false})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TablePolicy)).To(BeEmpty())
}
