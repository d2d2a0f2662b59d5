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
	"github.com/opflexcore/agent/internal/portmap"
	"github.com/opflexcore/agent/internal/switchmgr"
)

// TestHandleEndpointUpdateE4FloatingIPInstallsRouteRewrite mirrors
// spec.md E4: an endpoint carrying an IPMapping (floating IP 203.0.113.9
// rewriting to its real 10.0.0.5) must get a ROUTE entry matching the
// floating address that rewrites destination back to the mapped
// address and continues into NAT_IN, in addition to its ordinary
// per-IP ROUTE entry.
func TestHandleEndpointUpdateE4FloatingIPInstallsRouteRewrite(t *testing.T) {
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
	nextHopMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	ep := modb.Endpoint{
		UUID: "e1", MAC: mac, IPs: []net.IP{net.ParseIP("10.0.0.5")},
		Iface: "veth1", EPG: "/epg/g1",
		IPMappings: []modb.IPMapping{
			{
				MappedIP:     net.ParseIP("10.0.0.5"),
				FloatingIP:   net.ParseIP("203.0.113.9"),
				NextHopIface: "uplink0",
				NextHopMAC:   nextHopMAC,
			},
		},
	}
	store.PutEndpoint(ep)

	err := m.handleEndpointUpdate(modb.Update{Kind: modb.KindEndpoint, URI: "e1", Present: true})
	g.Expect(err).NotTo(HaveOccurred())

	route := desiredFlowsForTable(sw, ofconst.TableRoute)
	// One ordinary per-IP ROUTE entry for 10.0.0.5 plus one floating-IP
	// rewrite entry for 203.0.113.9.
	g.Expect(route).To(HaveLen(2))

	var sawFloatingRoute bool
	for _, f := range route {
		if f.Priority == ofconst.PriorityHighMatch && f.Cookie == ofconst.CookieProactiveLearn {
			sawFloatingRoute = true
		}
	}
	g.Expect(sawFloatingRoute).To(BeTrue(), "expected a ROUTE rewrite entry for the floating IP")

	out := desiredFlowsForTable(sw, ofconst.TableOutput)
	g.Expect(len(out)).To(BeNumerically(">=", 2), "expected the hairpin-reflect flow plus the NextHopIface egress rewrite")
}

// TestHandleEndpointUpdateIPMappingWithoutFloatingIPIsANoop checks the
// mapping.FloatingIP == nil guard: a mapping entry with no floating
// address configured must not add any ROUTE/OUT flow beyond the
// endpoint's ordinary ones.
func TestHandleEndpointUpdateIPMappingWithoutFloatingIPIsANoop(t *testing.T) {
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
	store.PutEndpoint(modb.Endpoint{
		UUID: "e1", MAC: mac, IPs: []net.IP{net.ParseIP("10.0.0.5")},
		Iface: "veth1", EPG: "/epg/g1",
		IPMappings: []modb.IPMapping{{MappedIP: net.ParseIP("10.0.0.5")}},
	})

	g.Expect(m.handleEndpointUpdate(modb.Update{Kind: modb.KindEndpoint, URI: "e1", Present: true})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableRoute)).To(HaveLen(1), "only the ordinary per-IP ROUTE entry, no floating-IP rewrite")
}
