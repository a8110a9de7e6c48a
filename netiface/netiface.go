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

// Package netiface describes the sysfs/netlink network interface
// introspection collaborator, named after vdsm's
// lib/vdsm/network/link/iface.py. Introspecting real interface state
// is out of scope for this core; only the interface shape is kept
// here as documentation.
package netiface

// State mirrors iface.py's STATE_UP / STATE_DOWN constants.
type State string

const (
	StateUp   State = "up"
	StateDown State = "down"
)

// Type mirrors iface.py's Type enumeration of interface kinds the
// host agent distinguishes between when deciding how to bind a
// listening address.
type Type string

const (
	TypeNIC    Type = "nic"
	TypeBond   Type = "bond"
	TypeBridge Type = "bridge"
	TypeVlan   Type = "vlan"
)

// Introspector answers questions about a named network interface. No
// implementation ships in this core.
type Introspector interface {
	State(name string) (State, error)
	Type(name string) (Type, error)
}
