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

// TestHandleServiceUpdateE5LoadBalancerExpandsPerNextHop mirrors
// spec.md E5: a LoadBalancer-mode Service with two next hops must
// install one BRIDGE intercept/hash flow, one SERVICE_NH flow per next
// hop (selected via the multipath register), and one SERVICE_REV flow
// per next hop recognizing the reply and resubmitting back to BRIDGE.
func TestHandleServiceUpdateE5LoadBalancerExpandsPerNextHop(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutRD(modb.RoutingDomain{URI: "/rd/rd"})
	mac, _ := net.ParseMAC("00:aa:bb:cc:dd:ee")
	store.PutService(modb.Service{
		UUID:      "svc1",
		Mode:      modb.ServiceLoadBalancer,
		DomainURI: "/rd/rd",
		MAC:       mac,
		Mappings: []modb.ServiceMapping{
			{
				ServiceIP:   net.ParseIP("10.96.0.10"),
				ServicePort: 80,
				Proto:       6,
				NextHopIPs:  []net.IP{net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.6")},
				NextHopPort: 8080,
			},
		},
	})

	err := m.handleServiceUpdate(modb.Update{Kind: modb.KindService, URI: "svc1", Present: true})
	g.Expect(err).NotTo(HaveOccurred())

	bridge := desiredFlowsForTable(sw, ofconst.TableBridge)
	g.Expect(bridge).To(HaveLen(1), "one BRIDGE intercept/hash flow for the service vaddr")

	nh := desiredFlowsForTable(sw, ofconst.TableServiceNextHop)
	g.Expect(nh).To(HaveLen(2), "one SERVICE_NH flow per next hop")

	rev := desiredFlowsForTable(sw, ofconst.TableServiceReverse)
	g.Expect(rev).To(HaveLen(2), "one SERVICE_REV flow per next hop")
}

// TestHandleServiceUpdateLocalAnycastBypassesPolicy mirrors the
// LOCAL_ANYCAST mode: a bound host interface marks POLICY_APPLIED and
// outputs directly rather than hashing across next hops.
func TestHandleServiceUpdateLocalAnycastBypassesPolicy(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutRD(modb.RoutingDomain{URI: "/rd/rd"})
	ports.Set("svc-if0", 9, false)
	mac, _ := net.ParseMAC("00:aa:bb:cc:dd:ee")
	store.PutService(modb.Service{
		UUID:      "svc2",
		Mode:      modb.ServiceLocalAnycast,
		DomainURI: "/rd/rd",
		Iface:     "svc-if0",
		MAC:       mac,
		Mappings: []modb.ServiceMapping{
			{ServiceIP: net.ParseIP("169.254.169.254"), ServicePort: 80, Proto: 6},
		},
	})

	g.Expect(m.handleServiceUpdate(modb.Update{Kind: modb.KindService, URI: "svc2", Present: true})).To(Succeed())

	bridge := desiredFlowsForTable(sw, ofconst.TableBridge)
	g.Expect(bridge).To(HaveLen(1))
	g.Expect(desiredFlowsForTable(sw, ofconst.TableServiceNextHop)).To(BeEmpty(), "local-anycast doesn't hash across next hops")
}

// TestHandleServiceUpdateAbsentClearsAllServiceTables covers the
// lifecycle clear path across every table a Service can touch.
func TestHandleServiceUpdateAbsentClearsAllServiceTables(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	ids := idalloc.New()
	ports := portmap.New()
	sw := switchmgr.New("br-int", nil)
	m := newTestManager(store, ids, ports, sw)

	store.PutRD(modb.RoutingDomain{URI: "/rd/rd"})
	mac, _ := net.ParseMAC("00:aa:bb:cc:dd:ee")
	store.PutService(modb.Service{
		UUID: "svc1", Mode: modb.ServiceLoadBalancer, DomainURI: "/rd/rd", MAC: mac,
		Mappings: []modb.ServiceMapping{{
			ServiceIP: net.ParseIP("10.96.0.10"), ServicePort: 80, Proto: 6,
			NextHopIPs: []net.IP{net.ParseIP("10.0.0.5")},
		}},
	})
	g.Expect(m.handleServiceUpdate(modb.Update{Kind: modb.KindService, URI: "svc1", Present: true})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableBridge)).NotTo(BeEmpty())

	store.DeleteService("svc1")
	g.Expect(m.handleServiceUpdate(modb.Update{Kind: modb.KindService, URI: "svc1", Present: false})).To(Succeed())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableBridge)).To(BeEmpty())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableServiceNextHop)).To(BeEmpty())
	g.Expect(desiredFlowsForTable(sw, ofconst.TableServiceReverse)).To(BeEmpty())
}
