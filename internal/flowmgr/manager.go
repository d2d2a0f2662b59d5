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

// Package flowmgr is the Integration Flow Manager (C6): it owns the
// fixed 16-table pipeline schema (spec.md 4.6) and translates MODB
// updates fanned in from the Policy Resolver into flow/group edits on
// the switchmgr.Manager. It is the core translator and the largest
// component, adapted from the teacher's policyBridge tier/table
// layout (pkg/agent/datapath/policyBridge.go) generalized from
// everoute's fixed 4-bridge endpoint-isolation pipeline to the
// EPG/BD/FD/RD/contract/service/NAT pipeline spec.md describes.
package flowmgr

import (
	"sync"

	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/portmap"
	"github.com/opflexcore/agent/internal/switchmgr"
	"github.com/opflexcore/agent/internal/taskqueue"
)

// Manager is the Integration Flow Manager.
type Manager struct {
	store    *modb.Store
	ids      *idalloc.Allocator
	resolver *policy.Resolver
	ports    *portmap.Mapper
	sw       *switchmgr.Manager

	queue *taskqueue.Queue

	mcast *mcastSet

	floodMu      sync.Mutex
	floodMembers map[uint32]map[string]uint32 // fd-id -> endpoint uuid -> ofport
}

// New wires a Manager over the given collaborators and subscribes it
// to every MODB notification kind it cares about. Each notification is
// enqueued by entity URI, never handled inline on the Store's notifier
// goroutine (Design Notes: reentrancy risk with ID-generator
// allocation).
func New(store *modb.Store, ids *idalloc.Allocator, resolver *policy.Resolver, ports *portmap.Mapper, sw *switchmgr.Manager, mcastFile string) *Manager {
	m := &Manager{
		store:        store,
		ids:          ids,
		resolver:     resolver,
		ports:        ports,
		sw:           sw,
		mcast:        newMcastSet(mcastFile),
		floodMembers: make(map[uint32]map[string]uint32),
	}
	m.queue = taskqueue.New(m.dispatch)

	store.Subscribe(func(u modb.Update) {
		m.queue.Enqueue(queueKey(u), u)
	})
	return m
}

// queueKey derives the per-entity task-queue key from an update,
// scoping distinct kinds into distinct key spaces so an EPG and an
// endpoint that happen to share a URI-like string never collide.
func queueKey(u modb.Update) string {
	return kindPrefix(u.Kind) + u.URI
}

func kindPrefix(k modb.Kind) string {
	switch k {
	case modb.KindEndpoint:
		return "ep:"
	case modb.KindEPG:
		return "epg:"
	case modb.KindBD:
		return "bd:"
	case modb.KindFD:
		return "fd:"
	case modb.KindRD:
		return "rd:"
	case modb.KindContract:
		return "contract:"
	case modb.KindSecurityGroup:
		return "sg:"
	case modb.KindService:
		return "svc:"
	case modb.KindSNAT:
		return "snat:"
	case modb.KindRemoteEndpoint:
		return "remote:"
	case modb.KindL3ExternalNetwork:
		return "extnet:"
	case modb.KindConfig:
		return "config"
	default:
		return "?:"
	}
}

// dispatch is the taskqueue.Handler: the sole mutator of an entity's
// flow set (spec.md section 3, Lifecycles).
func (m *Manager) dispatch(key string, value interface{}) error {
	u := value.(modb.Update)
	switch u.Kind {
	case modb.KindEndpoint:
		return m.handleEndpointUpdate(u)
	case modb.KindEPG:
		return m.handleEPGUpdate(u)
	case modb.KindContract:
		return m.handleContractUpdate(u)
	case modb.KindSecurityGroup:
		return m.handleSecurityGroupUpdate(u)
	case modb.KindService:
		return m.handleServiceUpdate(u)
	case modb.KindSNAT:
		return m.handleSNATUpdate(u)
	case modb.KindRemoteEndpoint:
		return m.handleRemoteEndpointUpdate(u)
	case modb.KindBD, modb.KindFD, modb.KindRD:
		// Domain objects don't own flows directly; they're consumed
		// through GroupForwardingInfo by EPG/endpoint handlers. A
		// domain change still needs its dependent EPGs recomputed.
		return m.handleDomainUpdate(u)
	case modb.KindConfig:
		return m.handleConfigUpdate()
	default:
		log.Warnf("flowmgr: unhandled update kind %v", u.Kind)
		return nil
	}
}

// Start installs the static, once-and-on-reconnect flows and enables
// syncing to the switch.
func (m *Manager) Start() error {
	if err := m.installStaticFlows(); err != nil {
		return err
	}
	m.sw.EnableSync()
	return nil
}

// Stop halts the task queue; no in-flight handler is interrupted, but
// no further updates are processed.
func (m *Manager) Stop() {
	m.queue.Stop()
}
