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

// Package lvmfilter describes the LVM filter configuration CLI
// collaborator named after vdsm's
// lib/vdsm/tool/config_lvm_filter.py. Rewriting lvm.conf's filter
// rule is explicitly out of scope for this core; only the interface
// shape is kept here as documentation.
package lvmfilter

// Configurator rewrites the LVM device filter so the host agent's
// managed devices are visible to LVM and unrelated devices are not.
// No implementation ships in this core.
type Configurator interface {
	CurrentFilter() ([]string, error)
	ProposeFilter(devices []string) ([]string, error)
	ApplyFilter(filter []string) error
}
