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

// Package tlscontext describes the collaborator that builds the
// *tls.Config the acceptor uses, mirroring vdsm.sslutils. Building
// that config — certificate loading, CA bundles, client-auth policy —
// is explicitly out of scope for this core; only the narrow interface
// it must satisfy lives here.
package tlscontext

import "crypto/tls"

// Provider builds the TLS server configuration for the acceptor. A
// real implementation might load certificates from disk or a secrets
// store and is deliberately not part of this package.
type Provider interface {
	Config() (*tls.Config, error)
}
