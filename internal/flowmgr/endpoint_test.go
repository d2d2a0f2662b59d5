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
	"net"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/portmap"
	"github.com/opflexcore/agent/internal/switchmgr"
)

// newTestManager builds a Manager directly (bypassing New's store
// subscription) so handlers can be invoked synchronously, without a
// task-queue goroutine in the way of assertions.
func newTestManager(store *modb.Store, ids *idalloc.Allocator, ports *portmap.Mapper, sw *switchmgr.Manager) *Manager {
	return &Manager{
		store:        store,
		ids:          ids,
		resolver:     policy.New(store, ids),
		ports:        ports,
		sw:           sw,
		mcast:        newMcastSet(""),
		floodMembers: make(map[uint32]map[string]uint32),
	}
}

// desiredFlowsForTable collects every flow/cookie-pair currently
// written to table, regardless of cookie, using ForEachCookieMatch
// with a zero mask (cookie&0 == want&0 is always true).
func desiredFlowsForTable(sw *switchmgr.Manager, table uint8) []switchmgr.Flow {
	var out []switchmgr.Flow
	sw.ForEachCookieMatch(table, 0, 0, func(f switchmgr.Flow) {
		out = append(out, f)
	})
	return out
}

// TestHandleEndpointUpdateE1InstallsSecSrcBridgeRouteAndOutputFlows
// mirrors spec.md E1 (single local endpoint e1 in EPG g1/bd/fd/rd,
// ofport 7) and checks that the SEC admit, SRC register-load, BRIDGE
// dst-mac, ROUTE per-IP, and OUT hairpin flows this scenario calls for
// are all written to the switch manager's desired state.
func TestHandleEndpointUpdateE1InstallsSecSrcBridgeRouteAndOutputFlows(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutRD(modb.RoutingDomain{URI: "/rd/rd"})
	store.PutBD(modb.BridgeDomain{URI: "/bd/bd"})
	store.PutFD(modb.FloodDomain{URI: "/fd/fd"})
	store.PutEPG(modb.EndpointGroup{URI: "/epg/g1", RD: "/rd/rd", BD: "/bd/bd", FD: "/fd/fd", Vnid: 1234, MulticastIP: net.ParseIP("224.1.1.1")})
	ports.Set("veth1", 7, false)

	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	ep := modb.Endpoint{
		UUID: "e1", MAC: mac, IPs: []net.IP{net.ParseIP("10.0.0.5")},
		Iface: "veth1", EPG: "/epg/g1",
	}
	store.PutEndpoint(ep)

	err := m.handleEndpointUpdate(modb.Update{Kind: modb.KindEndpoint, URI: "e1", Present: true})
	g.Expect(err).NotTo(HaveOccurred())

	sec := desiredFlowsForTable(sw, ofconst.TableSecurity)
	g.Expect(sec).NotTo(BeEmpty())
	foundSecAdmit := false
	for _, f := range sec {
		if f.Cookie == ofconst.CookieProactiveLearn && f.Priority == ofconst.PriorityHighMatch {
			foundSecAdmit = true
		}
	}
	g.Expect(foundSecAdmit).To(BeTrue(), "expected a SEC port-security admit flow for in_port=7/ethSrc=e1's MAC")

	src := desiredFlowsForTable(sw, ofconst.TableSource)
	g.Expect(src).To(HaveLen(1))
	g.Expect(src[0].Cookie).To(Equal(ofconst.CookieProactiveLearn))

	bridge := desiredFlowsForTable(sw, ofconst.TableBridge)
	g.Expect(bridge).To(HaveLen(1))

	route := desiredFlowsForTable(sw, ofconst.TableRoute)
	g.Expect(route).To(HaveLen(1), "one ROUTE entry for e1's single IP 10.0.0.5")

	// proxy-ARP punt for 10.0.0.5 lands in SEC at mid priority.
	foundArpProxy := false
	for _, f := range sec {
		if f.Priority == ofconst.PriorityMidMatch {
			foundArpProxy = true
		}
	}
	g.Expect(foundArpProxy).To(BeTrue(), "expected a proxy-ARP punt flow for 10.0.0.5")

	out := desiredFlowsForTable(sw, ofconst.TableOutput)
	g.Expect(out).To(HaveLen(1), "OUT hairpin-reflect flow for ofport 7")
}

// TestHandleEndpointUpdateDeferredUntilPortMapped covers the case
// endpoint.go's FindPort guard exists for: a MODB endpoint update
// arriving before the access-bridge interface is known to the port
// mapper must not install any flow (it would have no in_port to match
// against), and must not error either — the flows are installed by the
// handler run for a later update of the endpoint, once the port is
// mapped.
func TestHandleEndpointUpdateDeferredUntilPortMapped(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New() // veth1 intentionally never mapped
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	store.PutEndpoint(modb.Endpoint{UUID: "e1", MAC: mac, Iface: "veth1", EPG: "/epg/g1"})

	err := m.handleEndpointUpdate(modb.Update{Kind: modb.KindEndpoint, URI: "e1", Present: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableSecurity)).To(BeEmpty())
}

// TestHandleEndpointUpdateAbsentClearsFlows covers the "Present: false"
// lifecycle clear: once an endpoint's flows are installed, an absent
// update must clear them from every table it touched.
func TestHandleEndpointUpdateAbsentClearsFlows(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutRD(modb.RoutingDomain{URI: "/rd/rd"})
	store.PutBD(modb.BridgeDomain{URI: "/bd/bd"})
	store.PutFD(modb.FloodDomain{URI: "/fd/fd"})
	store.PutEPG(modb.EndpointGroup{URI: "/epg/g1", RD: "/rd/rd", BD: "/bd/bd", FD: "/fd/fd", Vnid: 1234})
	ports.Set("veth1", 7, false)

	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	store.PutEndpoint(modb.Endpoint{UUID: "e1", MAC: mac, Iface: "veth1", EPG: "/epg/g1"})
	g.Expect(m.handleEndpointUpdate(modb.Update{Kind: modb.KindEndpoint, URI: "e1", Present: true})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableSource)).NotTo(BeEmpty())

	store.DeleteEndpoint("e1")
	g.Expect(m.handleEndpointUpdate(modb.Update{Kind: modb.KindEndpoint, URI: "e1", Present: false})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableSource)).To(BeEmpty())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableBridge)).To(BeEmpty())
}
