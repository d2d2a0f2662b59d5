package flowmgr

import (
	"github.com/opflexcore/agent/internal/modb"
)

// handleSNATUpdate reacts to an SNATBinding change (spec.md 4.6,
// "SNAT flows (on snatUpdated)"). A binding owns no table slice of its
// own: its per-port-range NAT commit and unnat-catch-all flows are
// installed by whichever endpoint references it (endpointSNATFlows),
// scoped to that endpoint's egress port and its rd's conntrack zone.
// A binding-level change therefore just recomputes every referencing
// endpoint, the same pattern handleSecurityGroupUpdate and
// handleDomainUpdate use for their own non-owning entities.
func (m *Manager) handleSNATUpdate(u modb.Update) error {
	for _, ep := range m.referencingSNATEndpoints(u.URI) {
		upd := modb.Update{Kind: modb.KindEndpoint, URI: ep.UUID, Present: true}
		m.queue.Enqueue(queueKey(upd), upd)
	}
	return nil
}

func (m *Manager) referencingSNATEndpoints(bindingUUID string) []modb.Endpoint {
	var out []modb.Endpoint
	for _, ep := range m.store.Endpoints() {
		for _, ref := range ep.SNATBindings {
			if ref == bindingUUID {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}
