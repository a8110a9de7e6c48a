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

// Package acceptor implements a single-port, multi-protocol TCP
// listener: accept, optional TLS handshake, byte-prefix protocol
// sniffing, handoff. It is vdsm's MultiProtocolAcceptor ported to a
// Go reactor built on internal/reactor and internal/sockopt.
package acceptor

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/vdsm-project/corehost/internal/reactor"
	"github.com/vdsm-project/corehost/internal/sockopt"
	"github.com/vdsm-project/corehost/log"
)

const peerCacheSize = 4096
const hexPreviewMax = 32

// Detector is a registered protocol plug-in. Match must be a pure
// function over a prefix of length RequiredBytes and must not depend
// on external state. Handoff takes ownership of conn and is
// responsible for eventually closing it.
type Detector interface {
	Name() string
	RequiredBytes() int
	Match(prefix []byte) bool
	Handoff(conn net.Conn, peer net.Addr) error
}

// AuditRecorder records the prefix of a connection that no detector
// recognized, for offline inspection. Optional; a nil AuditRecorder is
// a no-op.
type AuditRecorder interface {
	Record(prefix []byte)
}

// Config parameterizes a MultiProtocolAcceptor.
type Config struct {
	Host string
	Port int

	// TLSConfig, if non-nil, makes every accepted connection undergo a
	// TLS server handshake before protocol detection.
	TLSConfig *tls.Config

	// HandshakeTimeout is the single deadline spanning both the TLS
	// handshake (if any) and protocol detection for a connection. It is
	// anchored once, at connection acceptance, and never reset.
	HandshakeTimeout time.Duration

	// MaxInflight bounds how many connections may be concurrently in
	// the Handshaking or Detecting phase.
	MaxInflight int64

	// AcceptRatePerSec and AcceptBurst throttle the acceptor handle's
	// accept(2) calls.
	AcceptRatePerSec float64
	AcceptBurst      int

	AuditSink AuditRecorder
}

// MultiProtocolAcceptor binds a single port and listens. It accepts
// connections, optionally drives a TLS handshake, then peeks the
// first bytes of each connection to dispatch it to whichever
// registered detector recognizes the prefix.
type MultiProtocolAcceptor struct {
	cfg Config

	ln      *net.TCPListener
	reactor *reactor.Reactor
	limiter *rate.Limiter
	peers   *lru.Cache

	// handshakeTimeout mirrors Config.HandshakeTimeout but is held as
	// a duration-in-nanoseconds atomic so UpdateLimits can apply a
	// reloaded config without a lock on the dispatch hot path.
	handshakeTimeout atomic.Int64

	detectors    []Detector
	requiredSize int
}

// New binds the listening socket and constructs the acceptor. Call
// AddDetector for each protocol before ServeForever.
func New(cfg Config) (*MultiProtocolAcceptor, error) {
	ln, err := sockopt.Listen(cfg.Host, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}
	peers, err := lru.New(peerCacheSize)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("acceptor: peer cache: %w", err)
	}

	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 256
	}

	m := &MultiProtocolAcceptor{
		cfg:     cfg,
		ln:      ln,
		reactor: reactor.New(maxInflight),
		limiter: rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSec), cfg.AcceptBurst),
		peers:   peers,
	}
	m.handshakeTimeout.Store(int64(cfg.HandshakeTimeout))
	log.Info("listening", "addr", ln.Addr())
	return m, nil
}

// UpdateLimits applies a reloaded configuration's per-tick parameters
// without reopening the listening socket or re-registering detectors:
// the accept-rate limiter and the handshake/detection deadline budget
// used by every connection accepted from this point on.
func (m *MultiProtocolAcceptor) UpdateLimits(acceptRatePerSec float64, acceptBurst int, handshakeTimeout time.Duration) {
	m.limiter.SetLimit(rate.Limit(acceptRatePerSec))
	m.limiter.SetBurst(acceptBurst)
	m.handshakeTimeout.Store(int64(handshakeTimeout))
	log.Info("acceptor limits reloaded", "accept_rate", acceptRatePerSec, "accept_burst", acceptBurst, "handshake_timeout", handshakeTimeout)
}

// Addr returns the effective bound address (useful when Config.Port
// is 0).
func (m *MultiProtocolAcceptor) Addr() net.Addr { return m.ln.Addr() }

// AddDetector registers d. Detectors must be registered before
// ServeForever; registration order decides tie-breaking (spec: first
// match wins).
func (m *MultiProtocolAcceptor) AddDetector(d Detector) {
	m.detectors = append(m.detectors, d)
	if d.RequiredBytes() > m.requiredSize {
		m.requiredSize = d.RequiredBytes()
	}
	log.Debug("registered detector", "name", d.Name(), "required_bytes", d.RequiredBytes())
}

// ServeForever runs the reactor loop until Stop is called or ctx is
// done.
func (m *MultiProtocolAcceptor) ServeForever(ctx context.Context) error {
	fd, err := sockopt.FD(m.ln)
	if err != nil {
		return fmt.Errorf("acceptor: listener fd: %w", err)
	}
	ah := &acceptorHandle{
		ln:       m.ln,
		fd:       fd,
		limiter:  m.limiter,
		peers:    m.peers,
		dispatch: m.dispatch,
	}
	m.reactor.AddHandle(ah)

	return m.reactor.ProcessRequests(ctx)
}

// Stop halts the reactor; pending connections are dropped and closed.
func (m *MultiProtocolAcceptor) Stop() { m.reactor.Stop() }

func (m *MultiProtocolAcceptor) dispatch(conn *net.TCPConn, peer net.Addr, corrID uuid.UUID) {
	if !m.reactor.TryAcquireInflight() {
		log.Warn("rejecting connection: inflight bound reached", "peer", peer, "corr", corrID)
		conn.Close()
		return
	}

	fd, err := sockopt.FD(conn)
	if err != nil {
		log.Warn("cannot obtain connection fd", "err", err, "peer", peer, "corr", corrID)
		conn.Close()
		m.reactor.ReleaseInflight()
		return
	}

	h := &connHandle{
		conn:    conn,
		fd:      fd,
		peer:    peer,
		corrID:  corrID,
		reactor: m.reactor,
	}
	deadline := time.Now().Add(time.Duration(m.handshakeTimeout.Load()))

	if m.cfg.TLSConfig != nil {
		h.impl = newTLSHandshakeHandle(conn, m.cfg.TLSConfig, deadline, func(hh *connHandle, tlsConn *tls.Conn, dl time.Time) {
			hh.SwitchImplementation(newDetectorHandle(&tlsPrefixSource{conn: tlsConn}, m.detectors, m.requiredSize, dl, m.cfg.AuditSink))
		})
	} else {
		h.impl = newDetectorHandle(&plainPrefixSource{conn: conn}, m.detectors, m.requiredSize, deadline, m.cfg.AuditSink)
	}

	m.reactor.AddHandle(h)
}

func deadlineRemaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

func hexPreview(b []byte) string {
	if len(b) > hexPreviewMax {
		b = b[:hexPreviewMax]
	}
	return hex.EncodeToString(b)
}
