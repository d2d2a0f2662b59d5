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

package config

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestStripLineCommentRespectsQuotedStrings(t *testing.T) {
	g := NewGomegaWithT(t)

	g.Expect(stripLineComment(`"domain-search": "example.com" # trailing`)).To(Equal(`"domain-search": "example.com" `))
	g.Expect(stripLineComment(`"note": "has // inside"`)).To(Equal(`"note": "has // inside"`))
	g.Expect(stripLineComment(`// whole line comment`)).To(Equal(""))
	g.Expect(stripLineComment(`"a": 1,`)).To(Equal(`"a": 1,`))
}

func TestLoadStripsCommentsAndParsesJSON(t *testing.T) {
	g := NewGomegaWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "agent.conf")
	content := "{\n" +
		"  # encap settings\n" +
		"  \"encap-type\": \"vxlan\", // tunnel mode\n" +
		"  \"tunnel-remote-port\": 4789\n" +
		"}\n"
	g.Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())

	f, err := Load(dir)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.EncapType).To(Equal("vxlan"))
	g.Expect(f.TunnelRemotePort).To(BeNumerically("==", 4789))
}

func TestLoadAllLaterPathOverridesEarlier(t *testing.T) {
	g := NewGomegaWithT(t)

	dir1 := t.TempDir()
	dir2 := t.TempDir()
	g.Expect(os.WriteFile(filepath.Join(dir1, "a.conf"), []byte(`{"encap-type":"vlan","virtual-router":true}`), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(dir2, "b.conf"), []byte(`{"encap-type":"vxlan"}`), 0o644)).To(Succeed())

	merged, err := LoadAll([]string{dir1, dir2})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(merged.EncapType).To(Equal("vxlan"))
	g.Expect(merged.VirtualRouter).To(BeTrue(), "booleans OR across paths rather than being overwritten by a later false")
}

func TestIsReboot(t *testing.T) {
	g := NewGomegaWithT(t)
	g.Expect(IsReboot("/etc/opflex/reboot-01.conf")).To(BeTrue())
	g.Expect(IsReboot("/etc/opflex/agent.conf")).To(BeFalse())
}
