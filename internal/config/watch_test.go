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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corehostd.toml")
	initial := "[Acceptor]\nHost = \"0.0.0.0\"\nPort = 9090\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var mu sync.Mutex
	var last Config
	reloads := 0

	stop, err := Watch(path, func(cfg Config) {
		mu.Lock()
		defer mu.Unlock()
		last = cfg
		reloads++
	})
	if err != nil {
		t.Skipf("file watching unavailable in this environment: %v", err)
	}
	defer stop()

	updated := "[Acceptor]\nHost = \"0.0.0.0\"\nPort = 9876\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := reloads
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if reloads == 0 {
		t.Fatalf("onReload was never called after a write to %s", path)
	}
	if last.Acceptor.Port != 9876 {
		t.Fatalf("reloaded config Port = %d, want 9876", last.Acceptor.Port)
	}
}
