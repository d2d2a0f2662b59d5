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

package advertise

import (
	"net"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/opflexcore/agent/internal/modb"
)

func TestParseMode(t *testing.T) {
	g := NewGomegaWithT(t)

	g.Expect(ParseMode("")).To(Equal(Mode{}))
	g.Expect(ParseMode("off")).To(Equal(Mode{}))
	g.Expect(ParseMode("disabled")).To(Equal(Mode{}))
	g.Expect(ParseMode("45s")).To(Equal(Mode{Enabled: true, Interval: 45 * time.Second}))
	g.Expect(ParseMode("bogus")).To(Equal(Mode{Enabled: true, Interval: DefaultInterval}))
}

func TestAdvertiseEndpointsSkipsMissingIface(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	store.PutEndpoint(modb.Endpoint{
		UUID:  "e1",
		Iface: "does-not-exist0",
		IPs:   []net.IP{net.ParseIP("10.0.0.5"), net.ParseIP("fe80::1")},
	})

	var calls int
	m := New(store, Mode{}, Mode{})
	m.sendArping = func(ip net.IP, iface net.Interface) error {
		calls++
		return nil
	}

	m.advertiseEndpoints()
	g.Expect(calls).To(Equal(0), "no call expected: interface lookup fails before any send")
}

func TestAdvertiseTunnelsDedupesSharedNextHop(t *testing.T) {
	g := NewGomegaWithT(t)

	store := modb.NewStore()
	store.PutRemoteEndpoint(modb.RemoteEndpoint{UUID: "r1", NextHopTunnelIP: net.ParseIP("192.168.1.1")})
	store.PutRemoteEndpoint(modb.RemoteEndpoint{UUID: "r2", NextHopTunnelIP: net.ParseIP("192.168.1.1")})
	store.PutRemoteEndpoint(modb.RemoteEndpoint{UUID: "r3", NextHopTunnelIP: net.ParseIP("192.168.1.2")})

	var probed []string
	m := New(store, Mode{}, Mode{})
	m.probe = func(ip string) error {
		probed = append(probed, ip)
		return nil
	}

	m.advertiseTunnels()
	g.Expect(probed).To(ConsistOf("192.168.1.1", "192.168.1.2"))
}

func TestRunStopsWhenBothModesDisabled(t *testing.T) {
	g := NewGomegaWithT(t)
	m := New(modb.NewStore(), Mode{}, Mode{})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(stop)
		close(done)
	}()
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		g.Expect(false).To(BeTrue(), "Run did not return after stop was closed")
	}
}
