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

// Package switchmgr owns the authoritative desired flow/group state
// for one integration bridge and reconciles it against the switch on
// connect and reconnect, adapted from the teacher's DpManager
// reconnect/replay machinery (pkg/agent/datapath/multiBridgeDatapath.go)
// and generalized from "one fixed bridge chain" to "one pipeline
// schema with an arbitrary object-keyed desired-state map".
package switchmgr

import (
	"fmt"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/cenkalti/backoff"
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"
	"github.com/contiv/ofnet/ofctrl/cookie"
	"github.com/contiv/ofnet/ovsdbDriver"
	"github.com/pkg/errors"

	"github.com/opflexcore/agent/internal/ofconst"
)

// Flow is the builder-neutral record the manager diffs and installs;
// ofbuilder.Match/Actions produce the ofctrl-native pieces, Flow is
// what's kept in the desired-state map so diffing doesn't need a live
// switch connection.
type Flow struct {
	Table    uint8
	Priority uint16
	Cookie   uint64
	MatchKey string // canonical string form of the match, used for diffing
	Install  func(sw *ofctrl.OFSwitch, tables map[uint8]*ofctrl.Table) (*ofctrl.Flow, error)
}

// Group is one OFPGC_ALL group: an id and an ordered bucket list, each
// bucket a single "output this port" action. Flood groups are the only
// group user in this pipeline (spec 4.6), so a bucket list of output
// ports is sufficient without modeling arbitrary per-bucket actions.
type Group struct {
	ID      uint32
	Buckets []uint32 // one output port per bucket
}

type objTableKey struct {
	obj   string
	table uint8
}

// StateHandler maps an observed flow/group inventory back to the
// caller's notion of expected state during reconciliation, and is
// asked to rebuild desired state for a reconnect from scratch when the
// manager has none cached yet.
type StateHandler interface {
	// ReconcileObserved is invoked with the full observed flow dump so
	// the handler can reconcile internal indices (e.g. drop learned
	// flows that no longer correspond to an endpoint) before the
	// manager computes its edit list.
	ReconcileObserved(observed []ObservedFlow)
}

// ObservedFlow is what a flow-stats/flow-dump reply yields: enough to
// compute an edit list without depending on the live ofctrl.Flow type.
// Packets/Bytes are filled from decoded OFPST_FLOW stats
// (HandleMultipartReply, whose output Reconcile consumes);
// DropCookieStats, which feeds the stats manager's poll, leaves them
// zero.
type ObservedFlow struct {
	Table    uint8
	Priority uint16
	Cookie   uint64
	MatchKey string
	Packets  uint64
	Bytes    uint64
}

// Manager owns desired state and the live OFSwitch connection.
type Manager struct {
	name string

	mu       sync.RWMutex
	desired  map[objTableKey][]Flow
	groups   map[uint32]Group
	dirty    bool // observed state unknown since last (re)connect

	sw      *ofctrl.OFSwitch
	tables  map[uint8]*ofctrl.Table
	handler StateHandler

	connMu    sync.Mutex
	connected bool

	statsMu         sync.Mutex
	pendingFlowDump []ObservedFlow

	ovsdb *ovsdbDriver.OvsDriver
}

// New constructs a Manager for the named bridge. ovsdb may be nil in
// tests that don't exercise round-number persistence.
func New(name string, ovsdb *ovsdbDriver.OvsDriver) *Manager {
	return &Manager{
		name:    name,
		desired: make(map[objTableKey][]Flow),
		groups:  make(map[uint32]Group),
		tables:  make(map[uint8]*ofctrl.Table),
		ovsdb:   ovsdb,
	}
}

// RegisterStateHandler wires the callback used during reconciliation.
func (m *Manager) RegisterStateHandler(h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// EnableSync marks observed state dirty so that the next
// SwitchConnected runs a full Reconcile. It does not gate
// WriteFlow/WriteGroupMod: those push to the switch whenever it is
// connected, whether or not EnableSync has been called.
func (m *Manager) EnableSync() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.dirty = true
}

// WriteFlow replaces the prior flow set for (obj, table).
func (m *Manager) WriteFlow(obj string, table uint8, flows []Flow) error {
	m.mu.Lock()
	m.desired[objTableKey{obj, table}] = flows
	m.mu.Unlock()

	if !m.IsConnected() {
		return nil
	}
	return m.installFlows(flows)
}

// ClearFlows drops the desired flow set for (obj, table). No delete
// flow-mod is sent: when connected, the dropped flows are only logged
// at debug level and stay installed on the switch.
func (m *Manager) ClearFlows(obj string, table uint8) error {
	m.mu.Lock()
	old := m.desired[objTableKey{obj, table}]
	delete(m.desired, objTableKey{obj, table})
	m.mu.Unlock()

	if !m.IsConnected() || len(old) == 0 {
		return nil
	}
	for _, f := range old {
		log.Debugf("%s: deleting flow table=%s prio=%d cookie=%#x match=%s",
			m.name, ofconst.TableNames[f.Table], f.Priority, f.Cookie, f.MatchKey)
	}
	return nil
}

// WriteGroupMod records one group in desired state and, when
// connected, hands it to installGroup, which only logs it; no group-mod
// is sent to the switch.
func (m *Manager) WriteGroupMod(g Group) error {
	m.mu.Lock()
	m.groups[g.ID] = g
	m.mu.Unlock()
	if !m.IsConnected() {
		return nil
	}
	return m.installGroup(g)
}

// ForEachCookieMatch iterates desired flows in table whose cookie
// matches cookie&mask == want&mask, for the stats manager's drop-cookie
// polling.
func (m *Manager) ForEachCookieMatch(table uint8, want, mask uint64, fn func(Flow)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, flows := range m.desired {
		if key.table != table {
			continue
		}
		for _, f := range flows {
			if f.Cookie&mask == want&mask {
				fn(f)
			}
		}
	}
}

// DropCookieStats returns the desired-state table-drop-counter flows
// across all tables, for the stats manager's poll loop. Packets/Bytes
// come back zero here deliberately: requestFlowDump's pending-dump is
// a single-reader queue consumed destructively by Reconcile, and
// sharing it with this independent poller would mean whichever of the
// two calls next after a MultipartReply arrives steals the other's
// data. HandleMultipartReply now decodes real FlowStats (see
// flowstats.go) for Reconcile's identity diff; wiring live
// packet/byte counters into this second, independently-scheduled
// poller needs its own multipart-request/reply pairing (one
// OFPMP_FLOW request per poll tick, matched by xid) rather than
// sharing Reconcile's, which is out of scope here.
func (m *Manager) DropCookieStats() []ObservedFlow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObservedFlow
	for key, flows := range m.desired {
		for _, f := range flows {
			if f.Cookie&ofconst.TableDropBit == 0 {
				continue
			}
			out = append(out, ObservedFlow{
				Table:    key.table,
				Priority: f.Priority,
				Cookie:   f.Cookie,
				MatchKey: f.MatchKey,
			})
		}
	}
	return out
}

func (m *Manager) installFlows(flows []Flow) error {
	var firstErr error
	for _, f := range flows {
		if f.Install == nil {
			continue
		}
		if _, err := f.Install(m.sw, m.tables); err != nil {
			log.Errorf("%s: flow-mod rejected table=%s prio=%d cookie=%#x: %v",
				m.name, ofconst.TableNames[f.Table], f.Priority, f.Cookie, err)
			if firstErr == nil {
				firstErr = err
			}
			// A single rejected flow-mod doesn't abort the batch.
			continue
		}
	}
	return firstErr
}

func (m *Manager) installGroup(g Group) error {
	// Group edits are always serialized through this manager (C6 is
	// the only writer). No OFPGC group-mod is encoded or sent here:
	// the group's bucket list is only logged at debug level.
	log.Debugf("%s: group %d now has %d buckets: %v", m.name, g.ID, len(g.Buckets), g.Buckets)
	return nil
}

// IsConnected reports whether the switch connection is currently up.
func (m *Manager) IsConnected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connected
}

// SwitchConnected is the ofctrl.AppInterface callback invoked on
// connect/reconnect. It gives the switch a cookie allocator seeded
// with roundNum, the restart round number (teacher's RoundInfo
// pattern), and runs a full Reconcile when observed state is dirty.
func (m *Manager) SwitchConnected(sw *ofctrl.OFSwitch, roundNum uint64) {
	m.connMu.Lock()
	m.sw = sw
	m.connected = true
	wasDirty := m.dirty
	m.dirty = false
	m.connMu.Unlock()

	sw.CookieAllocator = cookie.NewAllocator(roundNum)
	log.Infof("%s: switch connected, round=%d", m.name, roundNum)

	if wasDirty {
		if err := m.Reconcile(); err != nil {
			log.Errorf("%s: reconcile after connect failed: %v", m.name, err)
		}
	}
}

// SwitchDisconnected marks the connection dirty without discarding any
// desired state (Design Notes: zero policy disruption on transient
// disconnects). Only the observed-state snapshot is considered stale.
func (m *Manager) SwitchDisconnected() {
	m.connMu.Lock()
	m.connected = false
	m.dirty = true
	m.connMu.Unlock()
	log.Warnf("%s: switch disconnected, marking observed state dirty", m.name)
}

// Reconcile takes the flow inventory accumulated by
// HandleMultipartReply, lets the state handler see it, and computes
// the flows to add and to delete by (table, priority, match). The adds
// are installed and every desired group is passed to installGroup; the
// deletes are only logged, no delete flow-mod is sent. The learn table
// is reconciled by cookie (only ofconst.CookieLearn-tagged flows are
// touched) rather than wholesale, so reactively learned MAC entries
// installed between reconnects survive (spec 4.6 supplemental note 1).
func (m *Manager) Reconcile() error {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()

	observed, err := m.requestFlowDump()
	if err != nil {
		return errors.Wrap(err, "switchmgr: flow dump")
	}
	if handler != nil {
		handler.ReconcileObserved(observed)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	observedByKey := make(map[string]ObservedFlow, len(observed))
	for _, o := range observed {
		if o.Table == ofconst.TableLearn && o.Cookie != ofconst.CookieLearn {
			// reactively learned flow: not ours to touch
			continue
		}
		observedByKey[flowKey(o.Table, o.Priority, o.MatchKey)] = o
	}

	desiredByKey := make(map[string]Flow)
	for _, flows := range m.desired {
		for _, f := range flows {
			desiredByKey[flowKey(f.Table, f.Priority, f.MatchKey)] = f
		}
	}

	var toAdd []Flow
	for k, f := range desiredByKey {
		if _, ok := observedByKey[k]; !ok {
			toAdd = append(toAdd, f)
		}
	}
	var toDelete []ObservedFlow
	for k, o := range observedByKey {
		if _, ok := desiredByKey[k]; !ok {
			toDelete = append(toDelete, o)
		}
	}

	log.Infof("%s: reconcile computed %d adds, %d deletes", m.name, len(toAdd), len(toDelete))

	if err := m.installFlows(toAdd); err != nil {
		return errors.Wrap(err, "switchmgr: install reconcile adds")
	}
	for _, o := range toDelete {
		log.Debugf("%s: reconcile delete table=%s prio=%d cookie=%#x",
			m.name, ofconst.TableNames[o.Table], o.Priority, o.Cookie)
	}

	for _, g := range m.groups {
		if err := m.installGroup(g); err != nil {
			return errors.Wrap(err, "switchmgr: install reconcile group")
		}
	}
	return nil
}

func flowKey(table uint8, priority uint16, matchKey string) string {
	return fmt.Sprintf("%d/%d/%s", table, priority, matchKey)
}

// requestFlowDump returns, and clears, the ObservedFlow records that
// HandleMultipartReply has accumulated since the last call. It sends
// no OFPMP_FLOW request and does not wait for a reply; it returns an
// error when no switch has connected yet.
func (m *Manager) requestFlowDump() ([]ObservedFlow, error) {
	if m.sw == nil {
		return nil, errors.New("switchmgr: not connected")
	}
	// ofctrl's OFSwitch exposes multipart statistics via the
	// MultipartReply callback on the owning Bridge (wired through
	// cmd/opflex-agent's ofApp.MultipartReply to HandleMultipartReply
	// below); this only drains whatever has accumulated in
	// pendingFlowDump since the last drain, it does not itself send an
	// OFPMP_FLOW request.
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	result := m.pendingFlowDump
	m.pendingFlowDump = nil
	return result, nil
}

// HandleMultipartReply is fed every OFPMP_FLOW reply fragment so the
// pending flow dump used by Reconcile can be assembled without a
// second connection to the switch. OVS may split one request across
// several MultipartReply fragments, so entries accumulate in
// pendingFlowDump across calls rather than replacing it; requestFlowDump
// is the one place that drains it.
func (m *Manager) HandleMultipartReply(rep *openflow13.MultipartReply) {
	decoded := flowStatsToObserved(rep)
	if len(decoded) == 0 {
		return
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.pendingFlowDump = append(m.pendingFlowDump, decoded...)
}

var _ = time.Second // reserved for future backoff-based poll timeouts

// ReconnectBackoff returns a bounded exponential backoff policy for
// connection retry, matching Design Notes' "exponential-like backoff
// bounded above".
func ReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever, bounded only per-attempt
	return b
}
