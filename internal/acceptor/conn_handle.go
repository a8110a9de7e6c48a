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

package acceptor

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdsm-project/corehost/internal/reactor"
)

// innerHandle is the behavioral vtable a connHandle delegates to. A
// connHandle's impl is swapped in place by SwitchImplementation as
// the connection moves Handshaking -> Detecting, the Go analogue of
// vdsm's Dispatcher.switch_implementation: the underlying socket and
// reactor registration never change, only the behavior bound to them.
type innerHandle interface {
	Readable() bool
	Writable() bool
	NextCheckInterval() time.Duration
	HandleRead(h *connHandle)
	HandleWrite(h *connHandle)
	HandleError(h *connHandle)
}

// connHandle is the reactor.Handle for one accepted connection. Its
// impl field holds whichever phase (TLS handshake or detector) is
// currently driving it.
type connHandle struct {
	conn   *net.TCPConn
	fd     uintptr
	peer   net.Addr
	corrID uuid.UUID

	reactor *reactor.Reactor

	mu   sync.Mutex
	impl innerHandle

	closeOnce sync.Once
}

func (h *connHandle) currentImpl() innerHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.impl
}

// SwitchImplementation atomically replaces h's behavior. Safe to call
// from within impl's own callback (the reactor always re-reads impl
// before the next callback).
func (h *connHandle) SwitchImplementation(impl innerHandle) {
	h.mu.Lock()
	h.impl = impl
	h.mu.Unlock()
}

func (h *connHandle) FD() uintptr                        { return h.fd }
func (h *connHandle) Readable() bool                      { return h.currentImpl().Readable() }
func (h *connHandle) Writable() bool                      { return h.currentImpl().Writable() }
func (h *connHandle) NextCheckInterval() time.Duration    { return h.currentImpl().NextCheckInterval() }
func (h *connHandle) HandleRead()                         { h.currentImpl().HandleRead(h) }
func (h *connHandle) HandleWrite()                        { h.currentImpl().HandleWrite(h) }
func (h *connHandle) HandleError()                        { h.currentImpl().HandleError(h) }
func (h *connHandle) HandleClose()                        { h.Close() }

// Close terminates the connection exactly once: deregisters from the
// reactor, releases its inflight slot, and closes the socket.
func (h *connHandle) Close() {
	h.closeOnce.Do(func() {
		h.reactor.RemoveHandle(h)
		h.reactor.ReleaseInflight()
		_ = h.conn.Close()
	})
}

// handOff deregisters h from the reactor (without closing the
// socket — the detector's handler now owns it) and releases its
// inflight slot.
func (h *connHandle) handOff() {
	h.closeOnce.Do(func() {
		h.reactor.RemoveHandle(h)
		h.reactor.ReleaseInflight()
	})
}
