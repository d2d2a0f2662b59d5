// Package portmap maintains the bidirectional mapping between OVS
// interface names and OpenFlow port numbers for one integration
// bridge, and fans out port-status changes to registered listeners.
package portmap

import (
	"strconv"
	"sync"

	log "github.com/Sirupsen/logrus"
	cmap "github.com/streamrail/concurrent-map"
	"github.com/vishvananda/netlink"
)

// Listener is notified whenever a port appears, disappears, or is
// renamed. fromDesc is true when the update originated from an
// OFPT_PORT_STATUS/feature-reply port description rather than an
// OVSDB interface-table change.
type Listener func(name string, ofport uint32, fromDesc bool)

// Mapper is safe for concurrent use; reads never block writes of
// unrelated ports (cmap is lock-striped).
type Mapper struct {
	byName cmap.ConcurrentMap // name -> ofport (uint32)
	byPort cmap.ConcurrentMap // ofport key -> name (string)

	mu        sync.Mutex
	listeners []Listener
}

// New returns an empty Mapper.
func New() *Mapper {
	return &Mapper{
		byName: cmap.New(),
		byPort: cmap.New(),
	}
}

// FindPort looks up the OpenFlow port number for an interface name.
// ok is false when the name is unknown.
func (m *Mapper) FindPort(name string) (ofport uint32, ok bool) {
	v, ok := m.byName.Get(name)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

// FindName looks up the interface name bound to an OpenFlow port.
func (m *Mapper) FindName(ofport uint32) (name string, ok bool) {
	v, ok := m.byPort.Get(portKey(ofport))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set records name<->ofport and notifies listeners. A rename (same
// name, new port) first clears the old reverse mapping.
func (m *Mapper) Set(name string, ofport uint32, fromDesc bool) {
	if old, ok := m.byName.Get(name); ok {
		if oldPort := old.(uint32); oldPort != ofport {
			m.byPort.Remove(portKey(oldPort))
		}
	}
	m.byName.Set(name, ofport)
	m.byPort.Set(portKey(ofport), name)
	m.notify(name, ofport, fromDesc)
}

// Remove drops the mapping for name, if present.
func (m *Mapper) Remove(name string) {
	if v, ok := m.byName.Get(name); ok {
		m.byPort.Remove(portKey(v.(uint32)))
	}
	m.byName.Remove(name)
	m.notify(name, 0, false)
}

// RegisterListener adds a callback fired on every Set/Remove.
func (m *Mapper) RegisterListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Mapper) notify(name string, ofport uint32, fromDesc bool) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(name, ofport, fromDesc)
	}
}

func portKey(ofport uint32) string {
	return strconv.FormatUint(uint64(ofport), 10)
}

// VerifyLinkExists confirms an interface the port mapper just learned
// about actually exists in the kernel's link table; a spurious OVSDB
// row (interface deleted mid-update) otherwise leaves a dangling
// mapping until the next reconcile.
func VerifyLinkExists(name string) bool {
	if _, err := netlink.LinkByName(name); err != nil {
		log.Debugf("portmap: link %s not present: %v", name, err)
		return false
	}
	return true
}
