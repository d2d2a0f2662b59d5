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

// Package advertise is the Advertisement Manager (C9): on its own
// schedule it re-announces local endpoints' IPv4 addresses with
// gratuitous ARP (so upstream switches/routers refresh a stale MAC
// table entry after a failover) and liveness-probes remote tunnel
// endpoints so a dead VTEP can be logged before traffic silently black
// -holes into it. Both modes are independently enabled/timed through
// spec.md's `endpoint-advertisements`/`tunnel-advertisements` config
// keys.
package advertise

import (
	"net"
	"strings"
	"time"

	log "github.com/Sirupsen/logrus"
	probing "github.com/go-ping/ping"
	"github.com/j-keck/arping"
	"github.com/pkg/errors"

	"github.com/opflexcore/agent/internal/modb"
)

// Mode is a parsed `endpoint-advertisements`/`tunnel-advertisements`
// value: either "off" or a duration string ("30s", "1m") naming the
// re-announce interval.
type Mode struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultInterval is used when a mode is enabled but names no duration.
const DefaultInterval = 30 * time.Second

// ParseMode parses one config value. An empty string or "off"/
// "disabled" disables the mode; anything else is parsed as a
// time.Duration, falling back to DefaultInterval if it doesn't parse,
// since a malformed interval shouldn't silently turn the whole feature
// off.
func ParseMode(s string) Mode {
	s = strings.TrimSpace(s)
	if s == "" || s == "off" || s == "disabled" {
		return Mode{}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return Mode{Enabled: true, Interval: DefaultInterval}
	}
	return Mode{Enabled: true, Interval: d}
}

// Manager runs the two advertisement loops against a shared MODB
// store snapshot.
type Manager struct {
	store      *modb.Store
	endpoint   Mode
	tunnel     Mode
	sendArping func(ip net.IP, iface net.Interface) error
	probe      func(ip string) error
}

// New constructs a Manager. endpointMode/tunnelMode are normally
// produced by ParseMode against the two config.File string fields.
func New(store *modb.Store, endpointMode, tunnelMode Mode) *Manager {
	return &Manager{
		store:      store,
		endpoint:   endpointMode,
		tunnel:     tunnelMode,
		sendArping: arping.GratuitousArpOverIface,
		probe:      probeOnce,
	}
}

// Run starts both loops (whichever are enabled) and blocks until stop
// is closed. A disabled mode's ticker channel is left nil, which never
// fires in a select, so there's no need to branch on which subset of
// the two modes is active.
func (m *Manager) Run(stop <-chan struct{}) {
	var endpointTick, tunnelTick <-chan time.Time

	if m.endpoint.Enabled {
		t := time.NewTicker(m.endpoint.Interval)
		defer t.Stop()
		endpointTick = t.C
	}
	if m.tunnel.Enabled {
		t := time.NewTicker(m.tunnel.Interval)
		defer t.Stop()
		tunnelTick = t.C
	}

	for {
		select {
		case <-stop:
			return
		case <-endpointTick:
			m.advertiseEndpoints()
		case <-tunnelTick:
			m.advertiseTunnels()
		}
	}
}

// advertiseEndpoints sends one gratuitous ARP per local endpoint IPv4
// address, over the endpoint's own interface.
func (m *Manager) advertiseEndpoints() {
	for _, ep := range m.store.Endpoints() {
		if ep.Iface == "" {
			continue
		}
		iface, err := net.InterfaceByName(ep.Iface)
		if err != nil {
			log.Debugf("advertise: interface %s not found for endpoint %s: %v", ep.Iface, ep.UUID, err)
			continue
		}
		for _, ip := range ep.IPs {
			v4 := ip.To4()
			if v4 == nil {
				continue // gratuitous ARP has no IPv6 analogue; ND announce is out of scope here
			}
			if err := m.sendArping(v4, *iface); err != nil {
				log.Warnf("advertise: gratuitous ARP for %s on %s failed: %v", v4, ep.Iface, err)
			}
		}
	}
}

// advertiseTunnels liveness-probes every remote endpoint's tunnel
// next-hop and logs reachability; the Table-Drop Stats Manager and
// flow reconciliation don't react to this on their own (spec.md scopes
// that as a Non-goal), so this is observability only.
func (m *Manager) advertiseTunnels() {
	seen := make(map[string]bool)
	for _, re := range m.store.RemoteEndpoints() {
		if re.NextHopTunnelIP == nil || seen[re.NextHopTunnelIP.String()] {
			continue
		}
		seen[re.NextHopTunnelIP.String()] = true
		ip := re.NextHopTunnelIP.String()
		if err := m.probe(ip); err != nil {
			log.Warnf("advertise: tunnel endpoint %s unreachable: %v", ip, err)
			continue
		}
		log.Debugf("advertise: tunnel endpoint %s alive", ip)
	}
}

func probeOnce(ip string) error {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return err
	}
	pinger.Count = 1
	pinger.Timeout = time.Second
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return errors.New("advertise: no reply")
	}
	return nil
}
