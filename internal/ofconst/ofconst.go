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

// Package ofconst is the single shared header of table ids, register
// numbers, metadata bits and cookie classes that the rest of the
// pipeline treats as an API between tables, rather than ad-hoc
// literals scattered across flow construction call sites.
package ofconst

// Table ids, ordinal and fixed. The default action of every table is
// "go to next table" unless a flow installed in it overrides that.
const (
	TableDropLog uint8 = iota
	TableSecurity
	TableSource
	TableSNATReverse
	TableServiceReverse
	TableBridge
	TableServiceNextHop
	TableRoute
	TableSNAT
	TableNATIngress
	TableLearn
	TableServiceDest
	TablePolicy
	TableStats
	TableOutput
	TableExplicitDrop
)

// TableNames indexes table ids to their spec.md names, for logging.
var TableNames = map[uint8]string{
	TableDropLog:        "DROP_LOG",
	TableSecurity:       "SEC",
	TableSource:         "SRC",
	TableSNATReverse:    "SNAT_REV",
	TableServiceReverse: "SERVICE_REV",
	TableBridge:         "BRIDGE",
	TableServiceNextHop: "SERVICE_NH",
	TableRoute:          "ROUTE",
	TableSNAT:           "SNAT",
	TableNATIngress:     "NAT_IN",
	TableLearn:          "LEARN",
	TableServiceDest:    "SERVICE_DST",
	TablePolicy:         "POL",
	TableStats:          "STATS",
	TableOutput:         "OUT",
	TableExplicitDrop:   "EXP_DROP",
}

// AllTables is the ordinal T0-T15 table list, for callers (the stats
// manager's drop-flow install) that need to walk every table rather
// than name one.
var AllTables = []uint8{
	TableDropLog, TableSecurity, TableSource, TableSNATReverse,
	TableServiceReverse, TableBridge, TableServiceNextHop, TableRoute,
	TableSNAT, TableNATIngress, TableLearn, TableServiceDest,
	TablePolicy, TableStats, TableOutput, TableExplicitDrop,
}

// Register numbers. REG0/REG2 carry source/destination EPG vnid,
// REG4-REG6 carry bd/fd/rd id, REG7 carries the output port or remote
// tunnel target, REG8-REG11 carry a service virtual address split for
// v6.
const (
	RegSrcEPG uint8 = iota
	RegReserved1
	RegDstEPG
	RegReserved3
	RegBD
	RegFD
	RegRD
	RegOutput
	RegSvcAddr0
	RegSvcAddr1
	RegSvcAddr2
	RegSvcAddr3
)

// PktMark carries the rd-id on the host-stack reverse path.
const PktMarkIsRD = true

// Metadata bit layout. Bits 0-7 are the 3-bit-wide "out" enum (room
// left for future actions); bit 8 POLICY_APPLIED; bit 9
// FROM_SERVICE_INTERFACE; bit 10 ROUTED; bit 11 DROP_LOG. Remaining
// bits may carry an endpoint MAC when punting a neighbor-discovery
// message.
const (
	MetaOutMask uint64 = 0xff

	MetaPolicyApplied       uint64 = 1 << 8
	MetaFromServiceInterface uint64 = 1 << 9
	MetaRouted              uint64 = 1 << 10
	MetaDropLog             uint64 = 1 << 11
)

// "out" enum values, packed into MetaOutMask.
const (
	OutDefault uint64 = iota // output to REG7
	OutResubmitDst
	OutNAT
	OutRevNAT
	OutTunnel
	OutFlood
	OutRemoteTunnel
	OutHostAccess
)

// Cookie classes. The high bit of every installed cookie distinguishes
// control-plane flows from reactively learned ones; bits 48-55 encode
// the punt class for packet-in cookies (the class does not sit directly
// below the high bit). TableDrop (bit 62) is the reserved bit the stats
// manager filters flow-stats requests by.
const (
	cookieControlBit uint64 = 1 << 63
	// TableDropBit marks a table's priority-0 drop-counter flow.
	TableDropBit uint64 = 1 << 62

	CookieProactiveLearn uint64 = cookieControlBit | 1
	CookieLearn          uint64 = cookieControlBit | 2

	cookieClassShift = 48

	CookieClassNeighDisc    uint64 = cookieControlBit | (1 << cookieClassShift)
	CookieClassDHCPv4       uint64 = cookieControlBit | (2 << cookieClassShift)
	CookieClassDHCPv6       uint64 = cookieControlBit | (3 << cookieClassShift)
	CookieClassVIPv4        uint64 = cookieControlBit | (4 << cookieClassShift)
	CookieClassVIPv6        uint64 = cookieControlBit | (5 << cookieClassShift)
	CookieClassICMPErrorV4  uint64 = cookieControlBit | (6 << cookieClassShift)
	CookieClassICMPErrorV6  uint64 = cookieControlBit | (7 << cookieClassShift)
	CookieClassICMPEchoV4   uint64 = cookieControlBit | (8 << cookieClassShift)
	CookieClassICMPEchoV6   uint64 = cookieControlBit | (9 << cookieClassShift)

	// TableDropFlowCookie is installed at priority 0 of every table by
	// the table-drop stats manager.
	TableDropFlowCookie uint64 = cookieControlBit | TableDropBit
)

// ClassifierCookie builds the cookie carried by POL-stage flows: the
// classifier's generated id in the low 32 bits, so that flow-removed
// and stats replies can be attributed back to a classifier URI without
// a side table.
func ClassifierCookie(classifierID uint32) uint64 {
	return cookieControlBit | uint64(classifierID)
}

// PuntCookie builds the wire-visible cookie for a packet-in class,
// optionally carrying additional low bits (e.g. an endpoint id) for
// attribution in the handler.
func PuntCookie(class uint64, low32 uint32) uint64 {
	return class | uint64(low32)
}

// Flow priority bands, descending. Per-rule priorities within a
// contract or security-group rule list are computed as a base priority
// minus ruleOrder (PriorityNormalMatch for contracts, PriorityHighMatch
// plus the rule count for security groups), so earlier rules in MODB order always
// win ties deterministically (spec 8, property 4).
const (
	PriorityHighMatch    uint16 = 300
	PriorityMidMatch     uint16 = 200
	PriorityNormalMatch  uint16 = 100
	PriorityDefaultAllow uint16 = 40
	PriorityTableMiss    uint16 = 10
	PriorityTableDrop    uint16 = 0
)

// ConntrackZoneForRD is the stable invariant from Design Notes:
// conntrack zone equals the rd-id, shared by reverse flows and
// services.
func ConntrackZoneForRD(rdID uint32) uint16 {
	return uint16(rdID)
}
