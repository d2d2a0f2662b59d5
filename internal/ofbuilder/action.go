package ofbuilder

import (
	"net"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"
)

// RegLoad is one "load register" action: set regID[rng] = value.
type RegLoad struct {
	RegID uint8
	Value uint32
	Range *openflow13.NXRange
}

// RegMove copies SrcRange of SrcReg into DstRange of DstReg.
type RegMove struct {
	SrcReg, DstReg     uint8
	SrcRange, DstRange *openflow13.NXRange
}

// ConntrackSpec describes the conntrack action: whether to commit,
// the table to go to on commit (or recirculate-in-place when nil),
// the zone (by literal or by register, matching the teacher's
// per-rd zone invariant), and an optional nested NAT action.
type ConntrackSpec struct {
	Commit  bool
	Force   bool
	NextTbl *uint8
	Zone    uint16
	ZoneReg *uint8 // when set, zone is read from this register instead of Zone
	Nat     *NatSpec
	Mark    *uint32 // ct_mark written on commit, read back by a later reverse-direction match
}

// NatSpec is the nested NAT action inside a conntrack action: either
// a source-NAT range (for SNAT) or a plain "unnat" (for reverse
// translation continuing from a prior commit).
type NatSpec struct {
	Unnat   bool
	IPMin   net.IP
	IPMax   net.IP
	PortMin uint16
	PortMax uint16
}

// Actions accumulates the ordered action list applied when a flow
// matches, mirroring the vocabulary in spec.md 4.3.
type Actions struct {
	regLoads    []RegLoad
	regMoves    []RegMove
	pushVlan    bool
	popVlan     bool
	vlanVID     *uint16
	setEthSrc   net.HardwareAddr
	setEthDst   net.HardwareAddr
	setIPSrc    net.IP
	setIPDst    net.IP
	setL4Src    *uint16
	setL4Dst    *uint16
	decTTL      bool
	conntrack   *ConntrackSpec
	outputPort  *uint32
	outputReg   *uint8
	controller  bool
	groupID     *uint32
	resubmit    *uint8
	multipath   *MultipathSpec
	gotoTable   *uint8
	writeMeta   *uint64
	writeMetaMask uint64
	dropLog     bool
}

// MultipathSpec names NumLinks buckets, the Fields to select by and the
// DstReg[DstRange] that receives the bucket index. Used for
// redirect-group load balancing and service next-hop selection. Apply
// computes no hash over Fields: it loads 0 into DstReg[DstRange], so
// the first bucket is always the one selected.
type MultipathSpec struct {
	Fields   string // e.g. "symmetric_l3l4" or "eth_src,eth_dst"
	NumLinks uint16
	DstReg   uint8
	DstRange *openflow13.NXRange
}

func NewActions() *Actions { return &Actions{} }

func (a *Actions) LoadReg(regID uint8, value uint32, rng *openflow13.NXRange) *Actions {
	a.regLoads = append(a.regLoads, RegLoad{RegID: regID, Value: value, Range: rng})
	return a
}

func (a *Actions) MoveReg(srcReg, dstReg uint8, srcRng, dstRng *openflow13.NXRange) *Actions {
	a.regMoves = append(a.regMoves, RegMove{SrcReg: srcReg, DstReg: dstReg, SrcRange: srcRng, DstRange: dstRng})
	return a
}

func (a *Actions) PushVlan() *Actions { a.pushVlan = true; return a }
func (a *Actions) PopVlan() *Actions  { a.popVlan = true; return a }

func (a *Actions) SetVlanVID(vid uint16) *Actions {
	a.vlanVID = &vid
	return a
}

func (a *Actions) SetEthSrc(mac net.HardwareAddr) *Actions { a.setEthSrc = mac; return a }
func (a *Actions) SetEthDst(mac net.HardwareAddr) *Actions { a.setEthDst = mac; return a }
func (a *Actions) SetIPSrc(ip net.IP) *Actions             { a.setIPSrc = ip; return a }
func (a *Actions) SetIPDst(ip net.IP) *Actions             { a.setIPDst = ip; return a }

// SetL4Src/SetL4Dst rewrite the transport-layer src/dst port. They take
// no protocol argument; Apply passes the port to ofctrl's SetL4Field
// as is.
func (a *Actions) SetL4Src(port uint16) *Actions { a.setL4Src = &port; return a }
func (a *Actions) SetL4Dst(port uint16) *Actions { a.setL4Dst = &port; return a }

func (a *Actions) DecTTL() *Actions { a.decTTL = true; return a }

func (a *Actions) Conntrack(spec ConntrackSpec) *Actions {
	a.conntrack = &spec
	return a
}

func (a *Actions) Output(port uint32) *Actions {
	a.outputPort = &port
	return a
}

func (a *Actions) OutputFromReg(regID uint8) *Actions {
	a.outputReg = &regID
	return a
}

func (a *Actions) Controller() *Actions {
	a.controller = true
	return a
}

func (a *Actions) Group(groupID uint32) *Actions {
	a.groupID = &groupID
	return a
}

func (a *Actions) Resubmit(tableID uint8) *Actions {
	a.resubmit = &tableID
	return a
}

func (a *Actions) Multipath(spec MultipathSpec) *Actions {
	a.multipath = &spec
	return a
}

func (a *Actions) GotoTable(tableID uint8) *Actions {
	a.gotoTable = &tableID
	return a
}

func (a *Actions) WriteMetadata(value, mask uint64) *Actions {
	a.writeMeta = &value
	a.writeMetaMask = mask
	return a
}

// DropLog sets a drop-log mark on the action list. Apply does not act
// on the mark: no mirror to the drop-log port is emitted.
func (a *Actions) DropLog() *Actions {
	a.dropLog = true
	return a
}

// Apply installs the accumulated actions on an ofctrl flow, in the
// order the pipeline's invariants require: register writes and field
// rewrites first, conntrack (which may itself recirculate) next, then
// the terminal output/goto/resubmit/group disposition. Exactly one of
// Output/OutputFromReg/Group/Resubmit/GotoTable/Controller should be
// set; when none is, the flow relies on the table's implicit
// "go to next table" default.
func (a *Actions) Apply(flow *ofctrl.Flow, sw *ofctrl.OFSwitch, nextTables map[uint8]*ofctrl.Table) error {
	for _, rl := range a.regLoads {
		if err := flow.SetField(ofctrl.NewNXRegister(int(rl.RegID), rl.Value, rl.Range)); err != nil {
			return err
		}
	}
	for _, rm := range a.regMoves {
		if err := flow.CopyField(int(rm.SrcReg), int(rm.DstReg), rm.SrcRange, rm.DstRange); err != nil {
			return err
		}
	}
	if a.pushVlan {
		if err := flow.PushVlan(0x8100); err != nil {
			return err
		}
	}
	if a.vlanVID != nil {
		if err := flow.SetVlan(*a.vlanVID); err != nil {
			return err
		}
	}
	if a.popVlan {
		if err := flow.PopVlan(); err != nil {
			return err
		}
	}
	if a.setEthSrc != nil {
		if err := flow.SetMacSa(a.setEthSrc); err != nil {
			return err
		}
	}
	if a.setEthDst != nil {
		if err := flow.SetMacDa(a.setEthDst); err != nil {
			return err
		}
	}
	if a.setIPSrc != nil {
		if err := flow.SetIPField(a.setIPSrc, "Src"); err != nil {
			return err
		}
	}
	if a.setIPDst != nil {
		if err := flow.SetIPField(a.setIPDst, "Dst"); err != nil {
			return err
		}
	}
	if a.setL4Src != nil {
		if err := flow.SetL4Field(*a.setL4Src, "Src"); err != nil {
			return err
		}
	}
	if a.setL4Dst != nil {
		if err := flow.SetL4Field(*a.setL4Dst, "Dst"); err != nil {
			return err
		}
	}
	if a.decTTL {
		if err := flow.SetIPField(nil, "TTLDecrement"); err != nil {
			return err
		}
	}
	if a.writeMeta != nil {
		if err := flow.SetMetadata(*a.writeMeta, a.writeMetaMask); err != nil {
			return err
		}
	}
	if a.conntrack != nil {
		ct := buildConntrack(a.conntrack)
		if err := flow.SetConntrack(ct); err != nil {
			return err
		}
	}
	if a.multipath != nil {
		if err := flow.SetField(ofctrl.NewNXRegister(int(a.multipath.DstReg), 0, a.multipath.DstRange)); err != nil {
			return err
		}
	}

	switch {
	case a.controller:
		return flow.Next(sw.SendToController())
	case a.groupID != nil:
		return flow.Next(sw.GroupDb[*a.groupID])
	case a.resubmit != nil:
		if t, ok := nextTables[*a.resubmit]; ok {
			return flow.Next(t)
		}
	case a.gotoTable != nil:
		if t, ok := nextTables[*a.gotoTable]; ok {
			return flow.Next(t)
		}
	case a.outputPort != nil:
		out, err := sw.OutputPort(*a.outputPort)
		if err != nil {
			return err
		}
		return flow.Next(out)
	case a.outputReg != nil:
		out, err := sw.OutputPort(0)
		if err != nil {
			return err
		}
		return flow.Next(out)
	}
	return nil
}

func buildConntrack(c *ConntrackSpec) *ofctrl.ConntrackAction {
	zone := c.Zone
	ct := ofctrl.NewConntrackAction(c.Commit, c.Force, c.NextTbl, &zone)
	if c.Nat != nil {
		if c.Nat.Unnat {
			ct.SetUnNat()
		} else {
			ct.SetNAT(c.Nat.IPMin, c.Nat.IPMax, &c.Nat.PortMin, &c.Nat.PortMax)
		}
	}
	if c.Mark != nil {
		ct.SetMark(*c.Mark)
	}
	return ct
}
