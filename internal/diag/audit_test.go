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

package diag

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

func TestAuditRingRecordAndEntries(t *testing.T) {
	dir := t.TempDir()
	ring, err := OpenAuditRing(filepath.Join(dir, "audit.ring"), 4)
	if err != nil {
		t.Fatalf("OpenAuditRing: %v", err)
	}
	defer ring.Close()

	ring.Record([]byte("ABCD"))
	ring.Record([]byte("unrecognized-prefix"))

	entries, err := ring.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if !bytes.Equal(entries[0].Prefix, []byte("ABCD")) {
		t.Errorf("entries[0].Prefix = %q, want ABCD", entries[0].Prefix)
	}
	if !bytes.Equal(entries[1].Prefix, []byte("unrecognized-prefix")) {
		t.Errorf("entries[1].Prefix = %q, want unrecognized-prefix", entries[1].Prefix)
	}
}

func TestAuditRingWrapsAfterCapacity(t *testing.T) {
	dir := t.TempDir()
	ring, err := OpenAuditRing(filepath.Join(dir, "audit.ring"), 2)
	if err != nil {
		t.Fatalf("OpenAuditRing: %v", err)
	}
	defer ring.Close()

	ring.Record([]byte("first"))
	ring.Record([]byte("second"))
	ring.Record([]byte("third")) // wraps, overwrites "first"

	entries, err := ring.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 after wrap", len(entries))
	}
	for _, e := range entries {
		if bytes.Equal(e.Prefix, []byte("first")) {
			t.Fatalf("entry %q should have been overwritten by wraparound", e.Prefix)
		}
	}
}

// TestAuditRingEntriesStructuralDiff compares the recorded prefixes
// against the expected set with cmp.Diff rather than a field-by-field
// check, so a future field added to AuditEntry is covered by this test
// without edits; go-spew dumps the full decoded state on mismatch.
func TestAuditRingEntriesStructuralDiff(t *testing.T) {
	dir := t.TempDir()
	ring, err := OpenAuditRing(filepath.Join(dir, "audit.ring"), 4)
	if err != nil {
		t.Fatalf("OpenAuditRing: %v", err)
	}
	defer ring.Close()

	ring.Record([]byte("alpha"))
	ring.Record([]byte("beta"))

	entries, err := ring.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}

	got := make([][]byte, len(entries))
	for i, e := range entries {
		got[i] = e.Prefix
	}
	want := [][]byte{[]byte("alpha"), []byte("beta")}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recorded prefixes mismatch (-want +got):\n%s\nfull entries:\n%s", diff, spew.Sdump(entries))
	}
}

func TestAuditRingDropsOversizedRecord(t *testing.T) {
	dir := t.TempDir()
	ring, err := OpenAuditRing(filepath.Join(dir, "audit.ring"), 1)
	if err != nil {
		t.Fatalf("OpenAuditRing: %v", err)
	}
	defer ring.Close()

	// Pseudo-random bytes barely compress, so the snappy record stays
	// larger than a slot (a run of one repeated byte would not).
	huge := make([]byte, slotSize*4)
	x := uint32(2463534242)
	for i := range huge {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		huge[i] = byte(x)
	}
	ring.Record(huge) // must be dropped, not corrupt the ring

	entries, err := ring.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 for dropped oversized record", len(entries))
	}
}
