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

package statsmgr

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/switchmgr"
)

func newTestManager() *Manager {
	return New(switchmgr.New("test-br", nil), []uint8{ofconst.TableSecurity, ofconst.TableRoute})
}

func TestPollNewEntryStartsInNewBucket(t *testing.T) {
	g := NewGomegaWithT(t)
	m := newTestManager()

	m.Poll([]switchmgr.ObservedFlow{
		{Table: ofconst.TableSecurity, Priority: 0, MatchKey: "m1", Packets: 5, Bytes: 500},
	})

	key := entryKey{table: ofconst.TableSecurity, priority: 0, matchKey: "m1"}
	g.Expect(m.entries).To(HaveKey(key))
	g.Expect(m.entries[key].bucket).To(Equal(bucketNew))
	g.Expect(m.RollupFor(ofconst.TableSecurity).Packets).To(BeNumerically("==", 0))
}

func TestPollAccumulatesDeltasAcrossRounds(t *testing.T) {
	g := NewGomegaWithT(t)
	m := newTestManager()

	m.Poll([]switchmgr.ObservedFlow{
		{Table: ofconst.TableSecurity, Priority: 0, MatchKey: "m1", Packets: 5, Bytes: 500},
	})
	m.Poll([]switchmgr.ObservedFlow{
		{Table: ofconst.TableSecurity, Priority: 0, MatchKey: "m1", Packets: 9, Bytes: 900},
	})

	key := entryKey{table: ofconst.TableSecurity, priority: 0, matchKey: "m1"}
	g.Expect(m.entries[key].bucket).To(Equal(bucketOld))
	g.Expect(m.entries[key].packets).To(BeNumerically("==", 4))
	g.Expect(m.entries[key].bytes).To(BeNumerically("==", 400))
	g.Expect(m.RollupFor(ofconst.TableSecurity).Packets).To(BeNumerically("==", 4))
}

func TestPollMarksMissingEntriesRemovedAfterMaxAge(t *testing.T) {
	g := NewGomegaWithT(t)
	m := newTestManager()

	m.Poll([]switchmgr.ObservedFlow{
		{Table: ofconst.TableRoute, Priority: 0, MatchKey: "m2", Packets: 1, Bytes: 64},
	})

	key := entryKey{table: ofconst.TableRoute, priority: 0, matchKey: "m2"}
	for i := 0; i < MaxAge; i++ {
		m.Poll(nil)
		g.Expect(m.entries[key].bucket).ToNot(Equal(bucketRemoved))
	}
	m.Poll(nil)
	g.Expect(m.entries[key].bucket).To(Equal(bucketRemoved))
}

func TestPollGarbageCollectsLongAbsentEntries(t *testing.T) {
	g := NewGomegaWithT(t)
	m := newTestManager()

	m.Poll([]switchmgr.ObservedFlow{
		{Table: ofconst.TableRoute, Priority: 0, MatchKey: "m3", Packets: 1, Bytes: 64},
	})
	key := entryKey{table: ofconst.TableRoute, priority: 0, matchKey: "m3"}

	for i := 0; i < MaxAge*2+1; i++ {
		m.Poll(nil)
	}
	g.Expect(m.entries).ToNot(HaveKey(key))
}

func TestPollReappearedEntryResetsDeltas(t *testing.T) {
	g := NewGomegaWithT(t)
	m := newTestManager()
	key := entryKey{table: ofconst.TableSecurity, priority: 0, matchKey: "m4"}

	m.Poll([]switchmgr.ObservedFlow{{Table: ofconst.TableSecurity, MatchKey: "m4", Packets: 10, Bytes: 1000}})
	for i := 0; i < MaxAge+1; i++ {
		m.Poll(nil)
	}
	g.Expect(m.entries[key].bucket).To(Equal(bucketRemoved))

	m.Poll([]switchmgr.ObservedFlow{{Table: ofconst.TableSecurity, MatchKey: "m4", Packets: 3, Bytes: 300}})
	g.Expect(m.entries[key].bucket).To(Equal(bucketNew))
	g.Expect(m.entries[key].packets).To(BeNumerically("==", 0))
}

func TestInstallDropFlowsIsNoopWithoutConnection(t *testing.T) {
	g := NewGomegaWithT(t)
	m := newTestManager()
	g.Expect(m.InstallDropFlows()).To(Succeed())
}
