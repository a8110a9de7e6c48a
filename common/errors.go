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

// Package common holds small sentinel errors and helpers shared across
// the corehost packages.
package common

import "errors"

var (
	// ErrNoDetectorMatch is logged when a full required-size peek
	// matched no registered detector and the connection is closed.
	ErrNoDetectorMatch = errors.New("no protocol detector matched")

	// ErrHandshakeTimeout is logged when a TLS handshake or protocol
	// detection did not complete within the shared deadline and the
	// connection is closed.
	ErrHandshakeTimeout = errors.New("handshake or detection timed out")

	// ErrReactorStopped is returned by the reactor's ProcessRequests
	// when its loop ends because Stop was called.
	ErrReactorStopped = errors.New("reactor stopped")
)
