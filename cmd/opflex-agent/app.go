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

package main

import (
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"

	"github.com/opflexcore/agent/internal/packetin"
	"github.com/opflexcore/agent/internal/switchmgr"
)

// ofApp is the single ofctrl.AppInterface registered with the
// controller: it fans connection/stats callbacks to the Integration
// Flow Manager's switchmgr.Manager and punted packets to the Packet-In
// Handler, the two halves the teacher keeps fused on one Bridge type
// (pkg/agent/datapath/policyBridge.go) but which this design keeps as
// separate, independently-tested components.
type ofApp struct {
	sw      *switchmgr.Manager
	packets *packetin.Handler
}

func newOFApp(sw *switchmgr.Manager, packets *packetin.Handler) *ofApp {
	return &ofApp{sw: sw, packets: packets}
}

func (a *ofApp) SwitchConnected(sw *ofctrl.OFSwitch, roundNum uint64) {
	a.sw.SwitchConnected(sw, roundNum)
}

func (a *ofApp) SwitchDisconnected(sw *ofctrl.OFSwitch) {
	a.sw.SwitchDisconnected()
}

func (a *ofApp) PacketRcvd(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn) {
	a.packets.PacketRcvd(sw, pkt)
}

func (a *ofApp) MultipartReply(sw *ofctrl.OFSwitch, rep *openflow13.MultipartReply) {
	a.sw.HandleMultipartReply(rep)
}
