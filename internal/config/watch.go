// Copyright 2024 The corehost Authors
// This file is part of the corehost library.
//
// The corehost library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The corehost library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the corehost library. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"github.com/rjeczalik/notify"

	"github.com/vdsm-project/corehost/log"
)

// Watch reloads the config file at path into a fresh Config on every
// write and calls onReload with it. Detector registration and the
// listening socket are not reopened by a reload; corehostd applies
// only the accept rate limit, accept burst and handshake timeout
// without a restart (the inflight bound keeps its startup value).
// Returns a stop function.
func Watch(path string, onReload func(Config)) (stop func(), err error) {
	events := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, events, notify.Write); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Event() != notify.Write {
					continue
				}
				cfg := Default()
				if err := Load(path, &cfg); err != nil {
					log.Warn("config reload failed", "path", path, "err", err)
					continue
				}
				log.Info("config reloaded", "path", path)
				onReload(cfg)
			}
		}
	}()

	return func() {
		notify.Stop(events)
		close(done)
	}, nil
}
