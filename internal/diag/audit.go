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

//go:build linux || darwin

// Package diag holds operational introspection for a running
// corehost daemon: a ring buffer of unrecognized connection prefixes
// (for offline protocol-detector debugging) and a host resource
// snapshot for the admin API.
package diag

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"

	"github.com/vdsm-project/corehost/log"
)

const (
	recordHeaderSize = 12 // uint32 length + uint64 unix-nano timestamp... split below
	slotSize         = 256
)

// AuditRing is a fixed-size, memory-mapped ring buffer recording
// snappy-compressed previews of connection prefixes that no
// registered detector recognized. It implements
// acceptor.AuditRecorder.
type AuditRing struct {
	mu   sync.Mutex
	f    *os.File
	data mmap.MMap
	next int
	slots int
}

// OpenAuditRing creates (or truncates) path to hold n fixed-size
// slots and memory-maps it.
func OpenAuditRing(path string, n int) (*AuditRing, error) {
	if n <= 0 {
		n = 256
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("diag: open audit ring: %w", err)
	}
	size := int64(n * slotSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("diag: truncate audit ring: %w", err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diag: mmap audit ring: %w", err)
	}
	return &AuditRing{f: f, data: m, slots: n}, nil
}

// Record compresses prefix with snappy and writes it into the next
// ring slot, overwriting the oldest entry once the ring has wrapped.
// A record whose compressed form does not fit in a slot is dropped
// rather than corrupting a neighboring slot.
func (r *AuditRing) Record(prefix []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	compressed := snappy.Encode(nil, prefix)
	if len(compressed) > slotSize-recordHeaderSize {
		log.Debug("diag: audit record too large for ring slot, dropping", "len", len(compressed))
		return
	}

	slot := r.data[r.next*slotSize : (r.next+1)*slotSize]
	binary.BigEndian.PutUint32(slot[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint64(slot[4:12], uint64(time.Now().UnixNano()))
	copy(slot[recordHeaderSize:], compressed)

	r.next = (r.next + 1) % r.slots
}

// Entries decodes every populated slot in ring order (oldest first).
func (r *AuditRing) Entries() ([]AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AuditEntry, 0, r.slots)
	for k := 0; k < r.slots; k++ {
		i := (r.next + k) % r.slots
		slot := r.data[i*slotSize : (i+1)*slotSize]
		n := binary.BigEndian.Uint32(slot[0:4])
		if n == 0 || int(n) > slotSize-recordHeaderSize {
			continue
		}
		ts := int64(binary.BigEndian.Uint64(slot[4:12]))
		decoded, err := snappy.Decode(nil, slot[recordHeaderSize:recordHeaderSize+int(n)])
		if err != nil {
			continue
		}
		out = append(out, AuditEntry{At: time.Unix(0, ts), Prefix: decoded})
	}
	return out, nil
}

// AuditEntry is one decoded ring-buffer record.
type AuditEntry struct {
	At     time.Time
	Prefix []byte
}

// Close unmaps and closes the backing file.
func (r *AuditRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.data.Unmap(); err != nil {
		return err
	}
	return r.f.Close()
}
