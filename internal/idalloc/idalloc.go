// Package idalloc allocates stable 32-bit ids per (namespace, key),
// persists and restores them, and garbage-collects entries a caller no
// longer wants.
package idalloc

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	cmap "github.com/streamrail/concurrent-map"
)

// Namespace names recognized by the allocator. Unknown namespaces
// fail every operation with ErrBadNamespace.
const (
	NamespaceFloodDomain      = "floodDomain"
	NamespaceBridgeDomain     = "bridgeDomain"
	NamespaceRoutingDomain    = "routingDomain"
	NamespaceExternalNetwork  = "externalNetwork"
	NamespaceL24ClassifierRule = "l24classifierRule"
	NamespaceSvcStats         = "svcstats"
	NamespaceService          = "service"
	NamespaceRedirectGroup    = "redirectGroup"
)

var knownNamespaces = map[string]bool{
	NamespaceFloodDomain:       true,
	NamespaceBridgeDomain:      true,
	NamespaceRoutingDomain:     true,
	NamespaceExternalNetwork:   true,
	NamespaceL24ClassifierRule: true,
	NamespaceSvcStats:          true,
	NamespaceService:           true,
	NamespaceRedirectGroup:     true,
}

// NoID is returned by GetIDNoAlloc when a key has never been
// allocated.
const NoID uint32 = 0

// ErrBadNamespace is returned for any operation against an
// unregistered namespace.
var ErrBadNamespace = errors.New("idalloc: bad namespace")

// Allocator allocates monotonic per-namespace ids. Each namespace's
// forward (key->id) and reverse (id->key) maps are lock-striped
// concurrent maps, so looking up an already-allocated key takes no
// allocator-wide lock; allocating a new id takes the allocator's single
// mutex, shared by all namespaces.
type Allocator struct {
	mu         sync.Mutex
	namespaces map[string]*nsTable
}

type nsTable struct {
	forward cmap.ConcurrentMap // key (string) -> id (uint32)
	reverse cmap.ConcurrentMap // id (string form) -> key (string)
	next    uint32
}

// New constructs an Allocator with all recognized namespaces ready.
func New() *Allocator {
	a := &Allocator{namespaces: make(map[string]*nsTable, len(knownNamespaces))}
	for ns := range knownNamespaces {
		a.namespaces[ns] = newNsTable()
	}
	return a
}

func newNsTable() *nsTable {
	return &nsTable{
		forward: cmap.New(),
		reverse: cmap.New(),
		next:    1,
	}
}

func (a *Allocator) table(ns string) (*nsTable, error) {
	t, ok := a.namespaces[ns]
	if !ok {
		return nil, errors.Wrapf(ErrBadNamespace, "namespace %q", ns)
	}
	return t, nil
}

// GetID allocates an id for (ns, key) if one doesn't already exist,
// and returns it either way. Ids are monotonic per namespace and are
// only ever reused after an explicit Erase + GC cycle.
func (a *Allocator) GetID(ns, key string) (uint32, error) {
	t, err := a.table(ns)
	if err != nil {
		return 0, err
	}

	if v, ok := t.forward.Get(key); ok {
		return v.(uint32), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// re-check under the allocator lock: another goroutine may have
	// raced us between the optimistic Get above and the lock.
	if v, ok := t.forward.Get(key); ok {
		return v.(uint32), nil
	}

	id := t.next
	t.next++
	t.forward.Set(key, id)
	t.reverse.Set(idKey(id), key)
	return id, nil
}

// GetIDNoAlloc looks up (ns, key) without allocating. It returns
// (NoID, nil) when absent so callers can distinguish "not ready yet"
// from a transport failure.
func (a *Allocator) GetIDNoAlloc(ns, key string) (uint32, error) {
	t, err := a.table(ns)
	if err != nil {
		return 0, err
	}
	if v, ok := t.forward.Get(key); ok {
		return v.(uint32), nil
	}
	return NoID, nil
}

// Erase releases the id held for (ns, key), if any.
func (a *Allocator) Erase(ns, key string) error {
	t, err := a.table(ns)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := t.forward.Get(key); ok {
		t.reverse.Remove(idKey(v.(uint32)))
	}
	t.forward.Remove(key)
	return nil
}

// CollectGarbage iterates every (key, id) pair in ns and erases those
// for which keep returns false.
func (a *Allocator) CollectGarbage(ns string, keep func(key string) bool) error {
	t, err := a.table(ns)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var stale []string
	for entry := range t.forward.IterBuffered() {
		if !keep(entry.Key) {
			stale = append(stale, entry.Key)
		}
	}
	for _, key := range stale {
		if v, ok := t.forward.Get(key); ok {
			t.reverse.Remove(idKey(v.(uint32)))
		}
		t.forward.Remove(key)
	}
	return nil
}

// persistedNS is the on-disk shape of one namespace's table.
type persistedNS struct {
	Next    uint32            `json:"next"`
	Entries map[string]uint32 `json:"entries"`
}

// Persist serializes every namespace's (key, id) map so that stable
// ids survive a process restart.
func (a *Allocator) Persist(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]persistedNS, len(a.namespaces))
	for ns, t := range a.namespaces {
		entries := make(map[string]uint32)
		for entry := range t.forward.IterBuffered() {
			entries[entry.Key] = entry.Val.(uint32)
		}
		out[ns] = persistedNS{Next: t.next, Entries: entries}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "idalloc: create %s", path)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Restore loads a previously Persisted id store. Namespaces present on
// disk but no longer recognized are ignored; namespaces recognized now
// but absent on disk start empty.
func (a *Allocator) Restore(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "idalloc: open %s", path)
	}
	defer f.Close()

	var in map[string]persistedNS
	if err := json.NewDecoder(f).Decode(&in); err != nil {
		return errors.Wrap(err, "idalloc: decode id store")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for ns, pns := range in {
		if !knownNamespaces[ns] {
			continue
		}
		t := newNsTable()
		t.next = pns.Next
		for key, id := range pns.Entries {
			t.forward.Set(key, id)
			t.reverse.Set(idKey(id), key)
		}
		a.namespaces[ns] = t
	}
	return nil
}

func idKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
