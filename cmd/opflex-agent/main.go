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

// Command opflex-agent is the CLI entry point (spec.md section 6): it
// loads configuration, wires the MODB store to the Policy Resolver and
// Integration Flow Manager, and connects to the local OVS switch over
// OpenFlow 1.3.
package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/contiv/ofnet/ofctrl"
	"github.com/contiv/ofnet/ovsdbDriver"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opflexcore/agent/internal/advertise"
	"github.com/opflexcore/agent/internal/config"
	"github.com/opflexcore/agent/internal/flowmgr"
	"github.com/opflexcore/agent/internal/idalloc"
	"github.com/opflexcore/agent/internal/modb"
	"github.com/opflexcore/agent/internal/ofconst"
	"github.com/opflexcore/agent/internal/packetin"
	"github.com/opflexcore/agent/internal/policy"
	"github.com/opflexcore/agent/internal/portmap"
	"github.com/opflexcore/agent/internal/statsmgr"
	"github.com/opflexcore/agent/internal/switchmgr"
)

// Exit codes per spec.md section 6.
const (
	exitOK           = 0
	exitBadOptions   = 1
	exitFatal        = 2
	exitUnknownFatal = 3
	exitConfigParse  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := rootCommand()
	if err := cmd.Execute(); err != nil {
		if exitCode != exitOK {
			return exitCode
		}
		return exitBadOptions
	}
	return exitCode
}

// exitCode is set by runAgent before returning, since cobra's RunE
// only carries an error, not a specific exit code.
var exitCode = exitOK

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opflex-agent",
		Short: "OpenFlow policy agent",
		RunE:  runAgent,
	}
	cmd.PersistentFlags().StringArray("config", nil, "config file or directory (repeatable)")
	cmd.PersistentFlags().Bool("watch", false, "watch config directory for changes")
	cmd.PersistentFlags().String("log", "", "log file path (stderr if empty)")
	cmd.PersistentFlags().String("level", "info", "log level: debug|info|warn|error")
	cmd.PersistentFlags().Bool("syslog", false, "accepted; no syslog output is produced")
	cmd.PersistentFlags().Bool("daemon", false, "accepted; the process does not daemonize")
	cmd.PersistentFlags().String("bridge", "br-int", "OVS integration bridge name")

	cmd.SilenceUsage = true
	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	level, err := log.ParseLevel(mustFlag(cmd, "level"))
	if err != nil {
		exitCode = exitBadOptions
		return err
	}
	log.SetLevel(level)
	if logPath := mustFlag(cmd, "log"); logPath != "" {
		log.SetOutput(&lumberjack.Logger{Filename: logPath, MaxSize: 100, MaxBackups: 5})
	}

	configPaths, _ := cmd.Flags().GetStringArray("config")
	if len(configPaths) == 0 {
		exitCode = exitBadOptions
		return fmt.Errorf("opflex-agent: at least one --config path is required")
	}

	store := modb.NewStore()
	if err := loadConfig(store, configPaths); err != nil {
		color.Red("opflex-agent: config error: %v", err)
		exitCode = exitConfigParse
		return err
	}
	merged, err := config.LoadAll(configPaths)
	if err != nil {
		color.Red("opflex-agent: config error: %v", err)
		exitCode = exitConfigParse
		return err
	}

	bridge, _ := cmd.Flags().GetString("bridge")
	watch, _ := cmd.Flags().GetBool("watch")

	if err := startAgent(store, bridge, merged); err != nil {
		exitCode = exitFatal
		return err
	}

	if watch && len(configPaths) > 0 {
		watchConfig(store, configPaths[0])
	}

	select {}
}

func loadConfig(store *modb.Store, paths []string) error {
	for _, p := range paths {
		f, err := config.Load(p)
		if err != nil {
			return err
		}
		store.PutConfig(config.ToAgentConfig(f))
	}
	return nil
}

// dropStatsInterval is the table-drop flow-stats poll period (spec.md
// section 5 default).
const dropStatsInterval = 30 * time.Second

// startAgent wires the static collaborator graph and opens the
// OpenFlow connection. Everything downstream of the switch connection
// (flow install, packet-in dispatch) runs off MODB notifications and
// the ofctrl.AppInterface callbacks from here on.
func startAgent(store *modb.Store, bridge string, cfg *config.File) error {
	ids := idalloc.New()
	ports := portmap.New()
	resolver := policy.New(store, ids)
	ovsdb := ovsdbDriver.NewOvsDriverForExistBridge(bridge)
	sw := switchmgr.New(bridge, ovsdb)
	fm := flowmgr.New(store, ids, resolver, ports, sw, "")
	packets := packetin.New(store)
	stats := statsmgr.New(sw, ofconst.AllTables)
	ads := advertise.New(store, advertise.ParseMode(cfg.EndpointAdvertisements), advertise.ParseMode(cfg.TunnelAdvertisements))

	app := newOFApp(sw, packets)
	ctrl := ofctrl.NewControllerAsOFClient(app, 1)
	go ctrl.Connect(fmt.Sprintf("/var/run/openvswitch/%s.mgmt", bridge))

	if err := fm.Start(); err != nil {
		return err
	}

	if err := stats.InstallDropFlows(); err != nil {
		log.Warnf("opflex-agent: table-drop flow install failed: %v", err)
	}
	go stats.Run(dropStatsInterval, sw.DropCookieStats, nil)
	go ads.Run(nil)

	return nil
}

func watchConfig(store *modb.Store, dir string) {
	w, err := config.NewWatcher(dir)
	if err != nil {
		log.Warnf("opflex-agent: config watch disabled: %v", err)
		return
	}
	go func() {
		for {
			select {
			case name := <-w.Restart:
				log.Warnf("opflex-agent: %s triggers full restart, exiting for supervisor restart", name)
				os.Exit(exitOK)
			case name := <-w.Reload:
				log.Infof("opflex-agent: reloading config from %s", name)
				if err := loadConfig(store, []string{dir}); err != nil {
					log.Errorf("opflex-agent: reload failed: %v", err)
				}
			}
		}
	}()
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
