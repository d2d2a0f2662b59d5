package flowmgr

import (
	"sync"

	log "github.com/Sirupsen/logrus"
)

// mcastSet tracks the set of multicast IPs currently referenced by any
// EPG or flood domain, keyed by the IP string with a reference count
// so one multicast address shared by several EPGs (uncommon, but not
// forbidden by the data model) isn't dropped while any owner remains.
//
// spec.md lists "multicast-group file emission" itself as an
// out-of-scope collaborator (the consuming joiner, and the act of
// serializing to that file, are both someone else's problem); this
// type only keeps the in-memory membership spec.md 4.6's BRIDGE-flood
// flow needs to pick an EPG's multicast tunnel IP for REG7. path is
// retained for diagnostics only.
type mcastSet struct {
	mu    sync.Mutex
	path  string
	count map[string]int
}

func newMcastSet(path string) *mcastSet {
	return &mcastSet{path: path, count: make(map[string]int)}
}

// add registers one reference to ip (a no-op if ip is empty, since not
// every EPG configures a multicast address).
func (s *mcastSet) add(ip string) {
	if ip == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existed := s.count[ip]; !existed {
		log.Debugf("flowmgr: multicast group %s now active", ip)
	}
	s.count[ip]++
}

// remove releases one reference to ip, dropping it from the set once
// its count reaches zero.
func (s *mcastSet) remove(ip string) {
	if ip == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count[ip] <= 1 {
		delete(s.count, ip)
		log.Debugf("flowmgr: multicast group %s now inactive", ip)
		return
	}
	s.count[ip]--
}

// active reports whether ip currently has at least one owner.
func (s *mcastSet) active(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count[ip] > 0
}
