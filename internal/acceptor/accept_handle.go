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
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vdsm-project/corehost/internal/reactor"
	"github.com/vdsm-project/corehost/internal/sockopt"
	"github.com/vdsm-project/corehost/log"
)

// acceptorHandle is the reactor.Handle bound to the listening socket.
// It is always readable; handle_read accepts one pending connection
// (or returns silently on EAGAIN) and invokes the dispatcher factory.
type acceptorHandle struct {
	ln      *net.TCPListener
	fd      uintptr
	limiter *rate.Limiter
	peers   *lru.Cache

	dispatch func(conn *net.TCPConn, peer net.Addr, corrID uuid.UUID)
}

func (a *acceptorHandle) FD() uintptr                     { return a.fd }
func (a *acceptorHandle) Readable() bool                  { return true }
func (a *acceptorHandle) Writable() bool                  { return false }
func (a *acceptorHandle) NextCheckInterval() time.Duration { return reactor.NoDeadline }
func (a *acceptorHandle) HandleWrite()                    {}
func (a *acceptorHandle) HandleError()                    { log.Error("listening socket error") }
func (a *acceptorHandle) HandleClose()                    { _ = a.ln.Close() }

func (a *acceptorHandle) HandleRead() {
	if !a.limiter.Allow() {
		return
	}

	conn, err := sockopt.Accept(a.ln)
	if err != nil {
		log.Warn("accept failed", "err", err)
		return
	}
	if conn == nil {
		return
	}

	if err := sockopt.SetNonblocking(conn); err != nil {
		log.Warn("cannot set accepted socket non-blocking", "err", err)
		conn.Close()
		return
	}

	peer := conn.RemoteAddr()
	if host, _, err := net.SplitHostPort(peer.String()); err == nil {
		a.peers.Add(host, time.Now())
	}

	corrID := uuid.New()
	log.Info("accepted connection", "peer", peer, "corr", corrID)
	a.dispatch(conn, peer, corrID)
}
