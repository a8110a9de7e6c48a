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
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/vdsm-project/corehost/common"
	"github.com/vdsm-project/corehost/log"
)

// handshakePollInterval is how often the reactor re-invokes a pending
// handshake's HandleRead to check whether the background Handshake
// call has finished. crypto/tls has no incremental, non-blocking
// handshake API, so the handshake itself runs on its own goroutine;
// this interval is the cost of bridging that back into cooperative
// scheduling.
const handshakePollInterval = 5 * time.Millisecond

type handshakeOutcome struct{ err error }

// tlsHandshakeHandle drives a TLS server handshake to completion
// off the reactor goroutine (crypto/tls.Conn.Handshake blocks), then
// hands the result back on the next reactor tick. deadline is the
// single budget spanning handshake and the subsequent detection phase
// — it is not extended here and must be passed through unchanged to
// the detector handle that replaces this one.
type tlsHandshakeHandle struct {
	tlsConn  *tls.Conn
	deadline time.Time
	onDone   func(h *connHandle, tlsConn *tls.Conn, deadline time.Time)

	done    int32
	outcome atomic.Value
}

func newTLSHandshakeHandle(conn *net.TCPConn, cfg *tls.Config, deadline time.Time, onDone func(*connHandle, *tls.Conn, time.Time)) *tlsHandshakeHandle {
	t := &tlsHandshakeHandle{
		tlsConn:  tls.Server(conn, cfg),
		deadline: deadline,
		onDone:   onDone,
	}
	go t.run()
	return t
}

func (t *tlsHandshakeHandle) run() {
	_ = t.tlsConn.SetDeadline(t.deadline)
	err := t.tlsConn.Handshake()
	t.outcome.Store(handshakeOutcome{err: err})
	atomic.StoreInt32(&t.done, 1)
}

// IsHandshaking reports whether the TLS phase is still in progress,
// mirroring vdsm's SSLHandshakeDispatcher.is_handshaking getter.
func (t *tlsHandshakeHandle) IsHandshaking() bool {
	return atomic.LoadInt32(&t.done) == 0
}

func (t *tlsHandshakeHandle) Readable() bool { return false }
func (t *tlsHandshakeHandle) Writable() bool { return false }

func (t *tlsHandshakeHandle) NextCheckInterval() time.Duration {
	if atomic.LoadInt32(&t.done) == 1 {
		return 0
	}
	if d := deadlineRemaining(t.deadline); d < handshakePollInterval {
		return d
	}
	return handshakePollInterval
}

func (t *tlsHandshakeHandle) HandleRead(h *connHandle) {
	if atomic.LoadInt32(&t.done) != 1 {
		if time.Now().After(t.deadline) {
			log.Debug("TLS handshake timed out", "err", common.ErrHandshakeTimeout, "peer", h.peer, "corr", h.corrID)
			h.Close()
		}
		return
	}

	outcome, _ := t.outcome.Load().(handshakeOutcome)
	if outcome.err != nil {
		log.Warn("TLS handshake failed", "err", outcome.err, "peer", h.peer, "corr", h.corrID)
		h.Close()
		return
	}

	log.Debug("TLS handshake complete", "peer", h.peer, "corr", h.corrID)
	t.onDone(h, t.tlsConn, t.deadline)
}

func (t *tlsHandshakeHandle) HandleWrite(h *connHandle) {}
func (t *tlsHandshakeHandle) HandleError(h *connHandle) { h.Close() }
