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

// Package portmap optionally punches the acceptor's listening port
// through a NAT gateway with NAT-PMP. For UPnP IGD it only runs
// discovery; it does not create a UPnP mapping. Either may
// legitimately be absent (no NAT, or a gateway that speaks neither
// protocol); failure to map is logged, not fatal.
package portmap

import (
	"context"
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/vdsm-project/corehost/log"
)

const defaultLeaseSeconds = 3600

// Mapper holds whichever NAT traversal client answered discovery.
type Mapper struct {
	pmp *natpmp.Client

	externalPort int
	internalPort int
	renewEvery   time.Duration
	stop         chan struct{}
}

// DiscoverNATPMP probes gatewayIP for NAT-PMP support.
func DiscoverNATPMP(gatewayIP net.IP) (*Mapper, error) {
	client := natpmp.NewClient(gatewayIP)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("portmap: NAT-PMP gateway %s unreachable: %w", gatewayIP, err)
	}
	return &Mapper{pmp: client}, nil
}

// Map requests a TCP mapping from internalPort to the same
// externally, renewing it periodically for the life of the process.
// Call Close to release the mapping.
func (m *Mapper) Map(internalPort int) error {
	if m.pmp == nil {
		return fmt.Errorf("portmap: no NAT-PMP client")
	}
	res, err := m.pmp.AddPortMapping("tcp", internalPort, internalPort, defaultLeaseSeconds)
	if err != nil {
		return fmt.Errorf("portmap: add mapping: %w", err)
	}
	m.internalPort = internalPort
	m.externalPort = int(res.MappedExternalPort)
	m.renewEvery = time.Duration(res.PortMappingLifetimeInSeconds) * time.Second / 2
	m.stop = make(chan struct{})

	go m.renewLoop()
	log.Info("port mapped via NAT-PMP", "internal", internalPort, "external", m.externalPort)
	return nil
}

func (m *Mapper) renewLoop() {
	t := time.NewTicker(m.renewEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if _, err := m.pmp.AddPortMapping("tcp", m.internalPort, m.externalPort, defaultLeaseSeconds); err != nil {
				log.Warn("NAT-PMP mapping renewal failed", "err", err)
			}
		}
	}
}

// ExternalPort returns the externally visible port once Map has
// succeeded.
func (m *Mapper) ExternalPort() int { return m.externalPort }

// Close stops renewal and releases the mapping (lease 0).
func (m *Mapper) Close(ctx context.Context) error {
	if m.stop != nil {
		close(m.stop)
	}
	if m.pmp == nil {
		return nil
	}
	_, err := m.pmp.AddPortMapping("tcp", m.internalPort, m.externalPort, 0)
	return err
}
