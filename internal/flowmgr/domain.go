package flowmgr

import (
	log "github.com/Sirupsen/logrus"

	"github.com/opflexcore/agent/internal/modb"
)

// handleDomainUpdate reacts to a BD/FD/RD change. Domain objects don't
// own flows directly (spec 4.6): every EPG that references the domain
// is re-enqueued so its forwarding-info-derived flows are recomputed
// against the new domain state.
func (m *Manager) handleDomainUpdate(u modb.Update) error {
	for _, epg := range m.referencingEPGs(u.URI) {
		upd := modb.Update{Kind: modb.KindEPG, URI: epg.URI, Present: true}
		m.queue.Enqueue(queueKey(upd), upd)
	}
	return nil
}

func (m *Manager) referencingEPGs(domainURI string) []modb.EndpointGroup {
	var out []modb.EndpointGroup
	for _, epg := range m.store.EPGs() {
		if epg.BD == domainURI || epg.FD == domainURI || epg.RD == domainURI {
			out = append(out, epg)
		}
	}
	return out
}

// handleConfigUpdate reacts to a daemon-config change (encap type,
// tunnel endpoint, router settings): every EPG's tunnel-disposition
// OUT flows depend on this state, so all EPGs are recomputed. This is
// the one update kind with no URI of its own (spec.md 4.5's
// configUpdated notification).
func (m *Manager) handleConfigUpdate() error {
	epgs := m.store.EPGs()
	log.Debugf("flowmgr: config changed, recomputing %d epgs", len(epgs))
	for _, epg := range epgs {
		upd := modb.Update{Kind: modb.KindEPG, URI: epg.URI, Present: true}
		m.queue.Enqueue(queueKey(upd), upd)
	}

	// Remote-endpoint disposition depends on EncapType/RemoteInventory,
	// neither of which is keyed off any single EPG.
	for _, re := range m.store.RemoteEndpoints() {
		upd := modb.Update{Kind: modb.KindRemoteEndpoint, URI: re.UUID, Present: true}
		m.queue.Enqueue(queueKey(upd), upd)
	}
	return nil
}
