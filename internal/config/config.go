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

// Package config loads the agent's JSON configuration (spec.md
// section 6): line comments stripped before parse, a fixed set of
// top-level keys, and a directory watch that distinguishes a full
// restart (reboot*.conf) from an in-process reload (any other
// *.conf).
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/opflexcore/agent/internal/modb"
)

// File is the on-disk shape of a config file; fields map 1:1 onto
// spec.md's recognized top-level keys.
type File struct {
	EncapType              string `json:"encap-type"`
	EncapIface             string `json:"encap-iface"`
	UplinkIface            string `json:"uplink-iface"`
	TunnelRemoteIP         string `json:"tunnel-remote-ip"`
	TunnelRemotePort       uint16 `json:"tunnel-remote-port"`
	VirtualRouter          bool   `json:"virtual-router"`
	VirtualRouterMAC       string `json:"virtual-router-mac"`
	RouterAdv              bool   `json:"router-adv"`
	VirtualDHCPMAC         string `json:"virtual-dhcp-mac"`
	EndpointAdvertisements string `json:"endpoint-advertisements"`
	TunnelAdvertisements   string `json:"tunnel-advertisements"`
	MulticastGroupFile     string `json:"multicast-group-file"`
	DropLog                struct {
		Port      string `json:"port"`
		RemoteIP  string `json:"remote-ip"`
		RemotePort uint16 `json:"remote-port"`
	} `json:"drop-log"`
	ServiceStatsFlowDisabled bool `json:"service-stats-flow-disabled"`
	RemoteInventory          string `json:"remote-inventory"`
}

// Load reads every *.conf file under dir (or the single file if dir
// names a file), strips `#`/`//` line comments, and merges them in
// lexical filename order so a later file's keys override an earlier
// one's.
func Load(path string) (*File, error) {
	files, err := confFiles(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if len(files) == 0 {
		return nil, errors.Errorf("config: no *.conf files found under %s", path)
	}

	merged := &File{}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "config: reading %s", f)
		}
		stripped := stripComments(raw)
		if err := json.Unmarshal(stripped, merged); err != nil {
			return nil, errors.Wrapf(err, "config: parsing %s", f)
		}
	}
	return merged, nil
}

// LoadAll merges config.Load across several --config paths in order.
// A later path's non-empty string and non-zero port values win over an
// earlier one's; an empty or zero later value does not clear an earlier
// one. The booleans virtual-router, router-adv and
// service-stats-flow-disabled are ORed across paths, and drop-log is
// taken whole from a path whose drop-log port is set.
func LoadAll(paths []string) (*File, error) {
	merged := &File{}
	for _, p := range paths {
		f, err := Load(p)
		if err != nil {
			return nil, err
		}
		if f.EncapType != "" {
			merged.EncapType = f.EncapType
		}
		if f.EncapIface != "" {
			merged.EncapIface = f.EncapIface
		}
		if f.UplinkIface != "" {
			merged.UplinkIface = f.UplinkIface
		}
		if f.TunnelRemoteIP != "" {
			merged.TunnelRemoteIP = f.TunnelRemoteIP
		}
		if f.TunnelRemotePort != 0 {
			merged.TunnelRemotePort = f.TunnelRemotePort
		}
		merged.VirtualRouter = merged.VirtualRouter || f.VirtualRouter
		if f.VirtualRouterMAC != "" {
			merged.VirtualRouterMAC = f.VirtualRouterMAC
		}
		merged.RouterAdv = merged.RouterAdv || f.RouterAdv
		if f.VirtualDHCPMAC != "" {
			merged.VirtualDHCPMAC = f.VirtualDHCPMAC
		}
		if f.EndpointAdvertisements != "" {
			merged.EndpointAdvertisements = f.EndpointAdvertisements
		}
		if f.TunnelAdvertisements != "" {
			merged.TunnelAdvertisements = f.TunnelAdvertisements
		}
		if f.MulticastGroupFile != "" {
			merged.MulticastGroupFile = f.MulticastGroupFile
		}
		if f.DropLog.Port != "" {
			merged.DropLog = f.DropLog
		}
		merged.ServiceStatsFlowDisabled = merged.ServiceStatsFlowDisabled || f.ServiceStatsFlowDisabled
		if f.RemoteInventory != "" {
			merged.RemoteInventory = f.RemoteInventory
		}
	}
	return merged, nil
}

func confFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	return files, nil
}

// stripComments removes a `#` or `//` to end-of-line, ignoring either
// inside a quoted JSON string so a DNS search string or label
// containing "//" survives.
func stripComments(raw []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out.WriteString(stripLineComment(scanner.Text()))
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func stripLineComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			if i == 0 || line[i-1] != '\\' {
				inString = !inString
			}
		case '#':
			if !inString {
				return line[:i]
			}
		case '/':
			if !inString && i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
	}
	return line
}

// ToAgentConfig projects the MODB-resident subset of File onto
// modb.AgentConfig; everything else (advertisements, drop-log,
// multicast file path) is consumed directly by the components that
// care (C8/C9) rather than stored in MODB.
func ToAgentConfig(f *File) modb.AgentConfig {
	cfg := modb.AgentConfig{
		EncapType:        f.EncapType,
		EncapIface:       f.EncapIface,
		UplinkIface:      f.UplinkIface,
		TunnelRemotePort: f.TunnelRemotePort,
		VirtualRouter:    f.VirtualRouter,
		RouterAdv:        f.RouterAdv,
	}
	if ip := net.ParseIP(f.TunnelRemoteIP); ip != nil {
		cfg.TunnelRemoteIP = ip
	}
	if mac, err := net.ParseMAC(f.VirtualRouterMAC); err == nil {
		cfg.VirtualRouterMAC = mac
	}
	if mac, err := net.ParseMAC(f.VirtualDHCPMAC); err == nil {
		cfg.VirtualDHCPMAC = mac
	}
	switch f.RemoteInventory {
	case "partial":
		cfg.RemoteInventory = modb.RemoteInventoryPartial
	case "complete":
		cfg.RemoteInventory = modb.RemoteInventoryComplete
	default:
		cfg.RemoteInventory = modb.RemoteInventoryNone
	}
	return cfg
}

// IsReboot reports whether a changed config filename forces a full
// restart rather than an in-process reload.
func IsReboot(name string) bool {
	return strings.HasPrefix(filepath.Base(name), "reboot")
}
