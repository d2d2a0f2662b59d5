// Package modb models the managed-object database as an observable
// key/value store of typed policy objects, per spec.md section 1: the
// MODB framework itself is an out-of-scope collaborator, but its
// shape — typed objects, URIs, and change notifications — is the
// contract the rest of this module is built against.
package modb

import "net"

// Direction of a PolicyRule.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
	DirectionBidirectional
)

// IntraPolicy controls traffic between members of the same EPG.
type IntraPolicy int

const (
	IntraAllow IntraPolicy = iota
	IntraDeny
	IntraRequireContract
)

// ConntrackMode selects whether a classifier's return traffic is
// automatically permitted.
type ConntrackMode int

const (
	ConntrackNone ConntrackMode = iota
	ConntrackReflexive
)

// Subnet is an address/prefix pair with an optional virtual-router IP.
type Subnet struct {
	Address    net.IP
	PrefixLen  int
	VirtualRouterIP net.IP
}

// RoutingEnforcement is the RD-level contract-enforcement preference.
type RoutingEnforcement int

const (
	EnforcementEnforced RoutingEnforcement = iota
	EnforcementUnenforced
)

// RoutingDomain (RD / VRF).
type RoutingDomain struct {
	URI             string
	Enforcement     RoutingEnforcement
	InternalSubnets []Subnet
}

// FloodMode controls how a flood domain handles a traffic class.
type FloodMode int

const (
	FloodModeDrop FloodMode = iota
	FloodModeFlood
)

// FloodDomain (FD): a multicast/broadcast scope within a BD.
type FloodDomain struct {
	URI               string
	ARPMode           FloodMode
	NDMode            FloodMode
	UnknownFloodMode  FloodMode
	BroadcastFloodMode FloodMode
	IsLocalExternal   bool // uses the uplink port rather than the tunnel for its flood group
}

// BridgeDomain (BD): an L2 broadcast domain.
type BridgeDomain struct {
	URI string
}

// EndpointGroup (EPG).
type EndpointGroup struct {
	URI              string
	BD               string // BridgeDomain URI, optional ("" = none)
	FD               string // FloodDomain URI, optional
	RD               string // RoutingDomain URI, optional
	Vnid             uint32 // 24-bit encap id
	MulticastIP      net.IP // optional
	IntraPolicy      IntraPolicy
	ProviderContracts []string
	ConsumerContracts []string
	IntraContracts    []string
	NatEPG            string // optional back-reference
}

// Classifier is an L2/L3/L4 predicate.
type Classifier struct {
	URI           string
	EtherType     uint16
	IPProto       uint8
	SrcPortMin, SrcPortMax uint16
	DstPortMin, DstPortMax uint16
	ICMPType      *uint8
	ICMPCode      *uint8
	TCPFlags      uint16
	TCPFlagsMask  uint16
	Conntrack     ConntrackMode
}

// PolicyRule is one ordered entry in a Contract or SecurityGroup.
type PolicyRule struct {
	Direction  Direction
	Allow      bool
	Order      int // position within the rule list; lower order = higher priority
	Classifier Classifier
	RedirectDestGroup string // optional
}

// Contract is an ordered rule list shared between a provider and
// consumer EPG (or applied intra-EPG).
type Contract struct {
	URI   string
	Rules []PolicyRule
}

// SecurityGroup has the same rule shape as Contract but is applied
// per-endpoint on the access bridge.
type SecurityGroup struct {
	URI   string
	Rules []PolicyRule
}

// ServiceMode selects a Service's forwarding behavior.
type ServiceMode int

const (
	ServiceLocalAnycast ServiceMode = iota
	ServiceLoadBalancer
)

// ServiceMapping is one virtual-IP:port entry of a Service.
type ServiceMapping struct {
	ServiceIP   net.IP
	ServicePort uint16
	Proto       uint8
	GatewayIP   net.IP // optional
	NextHopIPs  []net.IP
	NextHopPort uint16
	Conntrack   ConntrackMode
}

// Service is a load-balanced or local-anycast virtual address.
type Service struct {
	UUID      string
	Mode      ServiceMode
	DomainURI string // RoutingDomain URI
	Iface     string // optional
	VlanID    uint16 // optional, 0 = untagged
	MAC       net.HardwareAddr
	IP        net.IP
	Mappings  []ServiceMapping
}

// IPMapping is an endpoint-scoped bidirectional NAT rewrite.
type IPMapping struct {
	MappedIP  net.IP
	FloatingIP net.IP
	NextHopIface string // optional
	NextHopMAC   net.HardwareAddr
	TargetEPG    string
}

// VirtualIP is a MAC+CIDR an endpoint answers ARP/ND for.
type VirtualIP struct {
	MAC  net.HardwareAddr
	CIDR *net.IPNet
}

// DHCPv4Config is an endpoint's proxied DHCPv4 lease.
type DHCPv4Config struct {
	IP      net.IP
	Prefix  int
	Routers []net.IP
	DNS     []net.IP
	Domain  string
	LeaseSeconds uint32
}

// DHCPv6Config is an endpoint's proxied DHCPv6 lease.
type DHCPv6Config struct {
	Addresses []net.IP
	DNS       []net.IP
	Domain    string
}

// EndpointFlags are the explicit bypass flags Design Notes ask for,
// rather than inferring external/AAP behavior from tangled state.
type EndpointFlags struct {
	Promiscuous         bool
	DiscoveryProxy      bool
	NATMode             bool
	External            bool
	AAPMode             bool
	AccessAllowUntagged bool
}

// Endpoint is a workload interface.
type Endpoint struct {
	UUID          string
	MAC           net.HardwareAddr
	IPs           []net.IP
	Iface         string // maps to an OF port via portmap
	AccessIface   string // optional access-bridge side of an access/uplink pair
	UplinkIface   string // optional
	EPG           string // optional EPG URI
	DHCPv4        *DHCPv4Config
	DHCPv6        *DHCPv6Config
	VirtualIPs    []VirtualIP
	IPMappings    []IPMapping
	AnycastReturnIPs []net.IP
	SecurityGroups []string
	SNATBindings   []string
	Attributes     map[string]string
	Flags          EndpointFlags
}

// RemoteEndpointNextHop is one routed prefix reachable via an
// optional next-hop IP/MAC override.
type RemoteEndpointNextHop struct {
	IP         net.IP
	PrefixLen  int
	NextHopIP  net.IP
	NextHopMAC net.HardwareAddr
}

// RemoteEndpoint is reachable through a remote VTEP.
type RemoteEndpoint struct {
	UUID       string
	MAC        net.HardwareAddr
	NextHopTunnelIP net.IP
	Routes     []RemoteEndpointNextHop
	EPG        string
}

// SNATBinding associates an endpoint-visible SNAT uuid with an
// external IP and port-range pool.
type SNATBinding struct {
	UUID    string
	SNATIP  net.IP
	IfaceMAC net.HardwareAddr
	PortRangeMin, PortRangeMax uint16
	IsLocal bool // false = bounce to a remote peer's MAC out the same port
	RemotePeerMAC net.HardwareAddr
}

// L3ExternalNetwork is the external-network object whose vnid carries
// bit 31 set to distinguish it from a real EPG vnid (spec 4.5).
type L3ExternalNetwork struct {
	URI string
	RD  string
}

// RemoteInventory controls whether remote-endpoint/tunnel flows are
// installed at all.
type RemoteInventory int

const (
	RemoteInventoryNone RemoteInventory = iota
	RemoteInventoryPartial
	RemoteInventoryComplete
)

// AgentConfig is the subset of MODB-resident daemon configuration
// C5/C6 read (encap mode, tunnel endpoint, router settings); the rest
// of the JSON config keys in spec.md section 6 live in
// internal/config and are not MODB objects.
type AgentConfig struct {
	EncapType        string // vlan | vxlan | ivxlan | none
	EncapIface       string // OVS port name for the tunnel/VLAN uplink
	UplinkIface      string // OVS port name for the external uplink
	TunnelRemoteIP   net.IP
	TunnelRemotePort uint16
	VirtualRouter    bool
	VirtualRouterMAC net.HardwareAddr
	RouterAdv        bool
	VirtualDHCPMAC   net.HardwareAddr
	RemoteInventory  RemoteInventory
}
