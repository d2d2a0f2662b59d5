package flowmgr

import (
	"github.com/opflexcore/agent/internal/switchmgr"
)

// setFloodMember records ofport as fdID's bucket entry for endpoint
// uuid and pushes the rebuilt group, satisfying the invariant that an
// endpoint appears in at most one flood-group bucket list at a time:
// if the endpoint previously belonged to a different fd, it's removed
// from that fd's bucket list first.
func (m *Manager) setFloodMember(fdID uint32, uuid string, ofport uint32) {
	m.floodMu.Lock()
	defer m.floodMu.Unlock()

	for otherFD, members := range m.floodMembers {
		if otherFD == fdID {
			continue
		}
		if _, ok := members[uuid]; ok {
			delete(members, uuid)
			m.installFloodGroupLocked(otherFD)
		}
	}
	members, ok := m.floodMembers[fdID]
	if !ok {
		members = make(map[string]uint32)
		m.floodMembers[fdID] = members
	}
	members[uuid] = ofport
	m.installFloodGroupLocked(fdID)
}

// removeFloodMember drops uuid from whichever fd it currently belongs
// to (a no-op if it belongs to none).
func (m *Manager) removeFloodMember(uuid string) {
	m.floodMu.Lock()
	defer m.floodMu.Unlock()
	for fdID, members := range m.floodMembers {
		if _, ok := members[uuid]; ok {
			delete(members, uuid)
			m.installFloodGroupLocked(fdID)
			return
		}
	}
}

// installFloodGroupLocked rebuilds fdID's OFPGC_ALL bucket list from
// current membership and writes it through the switch manager. Caller
// must hold floodMu. The uplink/tunnel bucket for external vs.
// tunnel-backed flood domains is appended by the FD-level flow (table
// BRIDGE's flood match sets REG7 to the EPG multicast tunnel IP
// directly, per spec 4.6 item 4), so this group only carries local
// member buckets.
func (m *Manager) installFloodGroupLocked(fdID uint32) {
	members := m.floodMembers[fdID]
	buckets := make([]uint32, 0, len(members))
	for _, ofport := range members {
		buckets = append(buckets, ofport)
	}
	if err := m.sw.WriteGroupMod(switchmgr.Group{ID: fdID, Buckets: buckets}); err != nil {
		// Logged by switchmgr itself; a group-mod rejection for one fd
		// must not prevent other fds from being reconciled.
		_ = err
	}
}
