package modb

import (
	"sync"
)

// Kind identifies which typed view changed, matching the notification
// list in spec.md 4.5.
type Kind int

const (
	KindEndpoint Kind = iota
	KindEPG
	KindBD
	KindFD
	KindRD
	KindContract
	KindSecurityGroup
	KindService
	KindSNAT
	KindRemoteEndpoint
	KindConfig
	KindL3ExternalNetwork
)

// Update is one change notification. URI is empty for KindConfig.
// Present is false when the MODB lookup for URI now resolves to
// "absent" — the signal that clears all flows keyed by that
// entity (spec 3, Lifecycles).
type Update struct {
	Kind    Kind
	URI     string
	Present bool
}

// Listener receives every Update fanned out by the Store. Per Design
// Notes, dispatch to listeners must be asynchronous to the
// TaskQueue — the Store here does the minimal work of enqueueing,
// never runs listener code inline on the notifier goroutine.
type Listener func(Update)

// Store is an observable, in-memory key/value view over typed policy
// objects. It stands in for the real MODB framework (an out-of-scope
// collaborator): a single mutex protects all maps, matching spec.md's
// "MODB is read-mostly with listener callbacks" resource note, since
// write volume here is bounded by policy churn, not data-plane rate.
type Store struct {
	mu sync.RWMutex

	endpoints      map[string]Endpoint
	epgs           map[string]EndpointGroup
	bds            map[string]BridgeDomain
	fds            map[string]FloodDomain
	rds            map[string]RoutingDomain
	contracts      map[string]Contract
	securityGroups map[string]SecurityGroup
	services       map[string]Service
	snatBindings   map[string]SNATBinding
	remoteEndpoints map[string]RemoteEndpoint
	extNetworks    map[string]L3ExternalNetwork
	config         AgentConfig

	listenerMu sync.Mutex
	listeners  []Listener
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		endpoints:       make(map[string]Endpoint),
		epgs:            make(map[string]EndpointGroup),
		bds:             make(map[string]BridgeDomain),
		fds:             make(map[string]FloodDomain),
		rds:             make(map[string]RoutingDomain),
		contracts:       make(map[string]Contract),
		securityGroups:  make(map[string]SecurityGroup),
		services:        make(map[string]Service),
		snatBindings:    make(map[string]SNATBinding),
		remoteEndpoints: make(map[string]RemoteEndpoint),
		extNetworks:     make(map[string]L3ExternalNetwork),
	}
}

// Subscribe registers a listener for every future Update.
func (s *Store) Subscribe(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) emit(u Update) {
	s.listenerMu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()

	// Dispatched via goroutine so a slow/blocking listener (the
	// task-queue enqueue, typically) never stalls the writer that
	// produced this Update, and so a listener's own re-entrant
	// mutation of the Store can't deadlock against s.mu.
	for _, l := range listeners {
		go l(u)
	}
}

func (s *Store) PutEndpoint(ep Endpoint) {
	s.mu.Lock()
	s.endpoints[ep.UUID] = ep
	s.mu.Unlock()
	s.emit(Update{Kind: KindEndpoint, URI: ep.UUID, Present: true})
}

func (s *Store) DeleteEndpoint(uuid string) {
	s.mu.Lock()
	delete(s.endpoints, uuid)
	s.mu.Unlock()
	s.emit(Update{Kind: KindEndpoint, URI: uuid, Present: false})
}

func (s *Store) Endpoint(uuid string) (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[uuid]
	return ep, ok
}

func (s *Store) Endpoints() []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}
	return out
}

func (s *Store) PutEPG(epg EndpointGroup) {
	s.mu.Lock()
	s.epgs[epg.URI] = epg
	s.mu.Unlock()
	s.emit(Update{Kind: KindEPG, URI: epg.URI, Present: true})
}

func (s *Store) DeleteEPG(uri string) {
	s.mu.Lock()
	delete(s.epgs, uri)
	s.mu.Unlock()
	s.emit(Update{Kind: KindEPG, URI: uri, Present: false})
}

func (s *Store) EPG(uri string) (EndpointGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	epg, ok := s.epgs[uri]
	return epg, ok
}

// EPGs returns every currently-known EndpointGroup, for handlers that
// must recompute state affecting all of them (a domain or config
// change).
func (s *Store) EPGs() []EndpointGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EndpointGroup, 0, len(s.epgs))
	for _, epg := range s.epgs {
		out = append(out, epg)
	}
	return out
}

func (s *Store) PutBD(bd BridgeDomain) {
	s.mu.Lock()
	s.bds[bd.URI] = bd
	s.mu.Unlock()
	s.emit(Update{Kind: KindBD, URI: bd.URI, Present: true})
}

func (s *Store) BD(uri string) (BridgeDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.bds[uri]
	return bd, ok
}

func (s *Store) PutFD(fd FloodDomain) {
	s.mu.Lock()
	s.fds[fd.URI] = fd
	s.mu.Unlock()
	s.emit(Update{Kind: KindFD, URI: fd.URI, Present: true})
}

func (s *Store) FD(uri string) (FloodDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fd, ok := s.fds[uri]
	return fd, ok
}

func (s *Store) PutRD(rd RoutingDomain) {
	s.mu.Lock()
	s.rds[rd.URI] = rd
	s.mu.Unlock()
	s.emit(Update{Kind: KindRD, URI: rd.URI, Present: true})
}

func (s *Store) RD(uri string) (RoutingDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd, ok := s.rds[uri]
	return rd, ok
}

func (s *Store) PutContract(c Contract) {
	s.mu.Lock()
	s.contracts[c.URI] = c
	s.mu.Unlock()
	s.emit(Update{Kind: KindContract, URI: c.URI, Present: true})
}

func (s *Store) DeleteContract(uri string) {
	s.mu.Lock()
	delete(s.contracts, uri)
	s.mu.Unlock()
	s.emit(Update{Kind: KindContract, URI: uri, Present: false})
}

func (s *Store) Contract(uri string) (Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[uri]
	return c, ok
}

func (s *Store) PutSecurityGroup(sg SecurityGroup) {
	s.mu.Lock()
	s.securityGroups[sg.URI] = sg
	s.mu.Unlock()
	s.emit(Update{Kind: KindSecurityGroup, URI: sg.URI, Present: true})
}

func (s *Store) SecurityGroup(uri string) (SecurityGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.securityGroups[uri]
	return sg, ok
}

func (s *Store) PutService(svc Service) {
	s.mu.Lock()
	s.services[svc.UUID] = svc
	s.mu.Unlock()
	s.emit(Update{Kind: KindService, URI: svc.UUID, Present: true})
}

func (s *Store) DeleteService(uuid string) {
	s.mu.Lock()
	delete(s.services, uuid)
	s.mu.Unlock()
	s.emit(Update{Kind: KindService, URI: uuid, Present: false})
}

func (s *Store) Service(uuid string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[uuid]
	return svc, ok
}

func (s *Store) PutSNATBinding(b SNATBinding) {
	s.mu.Lock()
	s.snatBindings[b.UUID] = b
	s.mu.Unlock()
	s.emit(Update{Kind: KindSNAT, URI: b.UUID, Present: true})
}

func (s *Store) SNATBinding(uuid string) (SNATBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.snatBindings[uuid]
	return b, ok
}

func (s *Store) PutRemoteEndpoint(re RemoteEndpoint) {
	s.mu.Lock()
	s.remoteEndpoints[re.UUID] = re
	s.mu.Unlock()
	s.emit(Update{Kind: KindRemoteEndpoint, URI: re.UUID, Present: true})
}

func (s *Store) RemoteEndpoint(uuid string) (RemoteEndpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	re, ok := s.remoteEndpoints[uuid]
	return re, ok
}

func (s *Store) RemoteEndpoints() []RemoteEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteEndpoint, 0, len(s.remoteEndpoints))
	for _, re := range s.remoteEndpoints {
		out = append(out, re)
	}
	return out
}

func (s *Store) PutL3ExternalNetwork(n L3ExternalNetwork) {
	s.mu.Lock()
	s.extNetworks[n.URI] = n
	s.mu.Unlock()
	s.emit(Update{Kind: KindL3ExternalNetwork, URI: n.URI, Present: true})
}

func (s *Store) L3ExternalNetwork(uri string) (L3ExternalNetwork, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.extNetworks[uri]
	return n, ok
}

func (s *Store) PutConfig(cfg AgentConfig) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	s.emit(Update{Kind: KindConfig, Present: true})
}

func (s *Store) Config() AgentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// EndpointsInEPG returns every endpoint currently bound to epgURI.
func (s *Store) EndpointsInEPG(epgURI string) []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Endpoint
	for _, ep := range s.endpoints {
		if ep.EPG == epgURI {
			out = append(out, ep)
		}
	}
	return out
}
