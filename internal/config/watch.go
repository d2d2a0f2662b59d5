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
	"strings"

	log "github.com/Sirupsen/logrus"
	"github.com/fsnotify/fsnotify"
)

// Watcher reports config-directory changes on two distinct channels
// (Design Notes open question: reload and restart must not share one
// condition variable, since a fast reboot+reload pair racing on a
// single channel can drop one of the two signals).
type Watcher struct {
	fsw     *fsnotify.Watcher
	Reload  chan string
	Restart chan string
}

// NewWatcher starts watching dir for *.conf changes. Callers select on
// Reload/Restart; a non-directory path is accepted too, so a
// single-file --config invocation can still watch with --watch.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		Reload:  make(chan string, 1),
		Restart: make(chan string, 1),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".conf") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if IsReboot(ev.Name) {
				w.Restart <- ev.Name
			} else {
				w.Reload <- ev.Name
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watch error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
