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

package diag

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is a point-in-time resource summary surfaced by the
// admin diagnostics API.
type HostSnapshot struct {
	Hostname      string  `json:"hostname"`
	Uptime        uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedPct    float64 `json:"mem_used_percent"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
}

// Snapshot collects a HostSnapshot, grounded on gopsutil/v3's
// cpu/mem/host probes.
func Snapshot(ctx context.Context) (HostSnapshot, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("diag: host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("diag: virtual memory: %w", err)
	}
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("diag: cpu percent: %w", err)
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	return HostSnapshot{
		Hostname:      info.Hostname,
		Uptime:        info.Uptime,
		CPUPercent:    cpuPct,
		MemUsedPct:    vm.UsedPercent,
		MemTotalBytes: vm.Total,
	}, nil
}
