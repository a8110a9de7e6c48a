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

package portmap

import (
	"context"
	"fmt"
	"time"

	"github.com/huin/goupnp"

	"github.com/vdsm-project/corehost/log"
)

// DiscoverUPnPGateways runs SSDP discovery for Internet Gateway
// Devices, the fallback path when NAT-PMP discovery finds nothing.
// Callers are expected to drive the returned root devices through
// whichever internetgateway1/2 SOAP client matches the discovered
// device's service list; this package only performs discovery, since
// the specific IGD service version varies by vendor.
func DiscoverUPnPGateways(timeout time.Duration) ([]goupnp.MaybeRootDevice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	devs, err := goupnp.DiscoverDevicesCtx(ctx, "urn:schemas-upnp-org:device:InternetGatewayDevice:1")
	if err != nil {
		return nil, fmt.Errorf("portmap: UPnP discovery: %w", err)
	}
	log.Debug("UPnP discovery complete", "candidates", len(devs))
	return devs, nil
}
