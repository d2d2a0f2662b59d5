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

package ofbuilder

import (
	"testing"

	. "github.com/onsi/gomega"
)

// covered returns every uint16 in [0, 0xffff] that vms matches, by
// brute-force evaluation of (v & mask) == (value & mask). Only used
// against small ranges in these tests.
func covered(vms []ValueMask) map[uint16]bool {
	out := map[uint16]bool{}
	for v := 0; v <= 0xffff; v++ {
		val := uint16(v)
		for _, vm := range vms {
			if val&vm.Mask == vm.Value&vm.Mask {
				out[val] = true
				break
			}
		}
	}
	return out
}

func TestRangeToMasksSingleValue(t *testing.T) {
	g := NewGomegaWithT(t)

	vms := RangeToMasks(80, 80)
	g.Expect(vms).To(Equal([]ValueMask{{Value: 80, Mask: 0xffff}}))
}

func TestRangeToMasksFullRangeIsWildcard(t *testing.T) {
	g := NewGomegaWithT(t)

	vms := RangeToMasks(0, 0xffff)
	g.Expect(vms).To(Equal([]ValueMask{{Value: 0, Mask: 0}}))
}

func TestRangeToMasksPowerOfTwoAlignedBlock(t *testing.T) {
	g := NewGomegaWithT(t)

	// [0, 15] is exactly one aligned /28-equivalent 16-wide block.
	vms := RangeToMasks(0, 15)
	g.Expect(vms).To(Equal([]ValueMask{{Value: 0, Mask: 0xfff0}}))
}

func TestRangeToMasksSwapsInvertedBounds(t *testing.T) {
	g := NewGomegaWithT(t)

	g.Expect(RangeToMasks(80, 1)).To(Equal(RangeToMasks(1, 80)))
}

// TestRangeToMasksCoversExactlyTheRangeNoMoreNoLess checks the
// covering-algorithm invariant RangeToMasks exists for: the emitted
// (value, mask) pairs match every port in [lo, hi] and nothing
// outside it, with no redundant overlapping entries needed.
func TestRangeToMasksCoversExactlyTheRangeNoMoreNoLess(t *testing.T) {
	g := NewGomegaWithT(t)

	cases := []struct{ lo, hi uint16 }{
		{1, 65535},
		{20, 21},
		{100, 200},
		{0, 0},
		{1024, 65535},
		{443, 443},
		{5000, 5999},
	}
	for _, c := range cases {
		vms := RangeToMasks(c.lo, c.hi)
		got := covered(vms)
		for v := 0; v <= 0xffff; v++ {
			val := uint16(v)
			want := val >= c.lo && val <= c.hi
			g.Expect(got[val]).To(Equal(want), "lo=%d hi=%d val=%d", c.lo, c.hi, val)
		}
	}
}

func TestRangeToMasksWellKnownPortRangeMatchesSpecExample(t *testing.T) {
	g := NewGomegaWithT(t)

	// spec.md E3 reflexive TCP/80: a single literal port still must
	// round-trip through the same range decomposition path other
	// classifiers with a real min/max span use.
	vms := RangeToMasks(80, 80)
	g.Expect(vms).To(HaveLen(1))
	g.Expect(vms[0].Value).To(Equal(uint16(80)))
	g.Expect(vms[0].Mask).To(Equal(uint16(0xffff)))
}
