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

package admin

import (
	"context"

	"github.com/vdsm-project/corehost/internal/diag"
)

const graphqlSchema = `
	schema {
		query: Query
	}

	type Query {
		host: HostSnapshot!
		auditEntries: [AuditEntry!]!
	}

	type HostSnapshot {
		hostname: String!
		uptimeSeconds: Float!
		cpuPercent: Float!
		memUsedPercent: Float!
		memTotalBytes: Float!
	}

	type AuditEntry {
		at: String!
		prefixHex: String!
	}
`

type resolver struct {
	audit AuditSource
}

type hostSnapshotResolver struct{ snap diag.HostSnapshot }

func (r *resolver) Host(ctx context.Context) (*hostSnapshotResolver, error) {
	snap, err := diag.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &hostSnapshotResolver{snap: snap}, nil
}

func (h *hostSnapshotResolver) Hostname() string       { return h.snap.Hostname }
func (h *hostSnapshotResolver) UptimeSeconds() float64 { return float64(h.snap.Uptime) }
func (h *hostSnapshotResolver) CpuPercent() float64    { return h.snap.CPUPercent }
func (h *hostSnapshotResolver) MemUsedPercent() float64 { return h.snap.MemUsedPct }
func (h *hostSnapshotResolver) MemTotalBytes() float64 { return float64(h.snap.MemTotalBytes) }

type auditEntryResolver struct{ entry diag.AuditEntry }

func (r *resolver) AuditEntries() ([]*auditEntryResolver, error) {
	if r.audit == nil {
		return nil, nil
	}
	entries, err := r.audit.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]*auditEntryResolver, len(entries))
	for i, e := range entries {
		out[i] = &auditEntryResolver{entry: e}
	}
	return out, nil
}

func (a *auditEntryResolver) At() string        { return a.entry.At.Format("2006-01-02T15:04:05Z07:00") }
func (a *auditEntryResolver) PrefixHex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(a.entry.Prefix)*2)
	for i, b := range a.entry.Prefix {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
