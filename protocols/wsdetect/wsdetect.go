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

// Package wsdetect recognizes WebSocket upgrade requests bound for
// the "/ws" path prefix and completes the upgrade with
// gorilla/websocket. It must be registered ahead of httpdetect:
// both match on a "GET " prefix, and tie-breaking is strictly
// first-match-wins.
package wsdetect

import (
	"bufio"
	"bytes"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vdsm-project/corehost/log"
)

const requiredBytes = 8

var magic = []byte("GET /ws")

// Handler implements acceptor.Detector for WebSocket connections.
type Handler struct {
	upgrader  websocket.Upgrader
	onConnect func(conn *websocket.Conn, peer net.Addr)
}

// New returns a detector that upgrades matched connections and
// invokes onConnect with the established WebSocket connection.
func New(onConnect func(*websocket.Conn, net.Addr)) *Handler {
	return &Handler{
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		onConnect: onConnect,
	}
}

func (h *Handler) Name() string       { return "websocket" }
func (h *Handler) RequiredBytes() int { return requiredBytes }

func (h *Handler) Match(prefix []byte) bool {
	return len(prefix) >= requiredBytes && bytes.HasPrefix(prefix, magic)
}

// Handoff reads the upgrade request and completes the upgrade on its
// own goroutine, so the reactor goroutine never waits on the client.
func (h *Handler) Handoff(conn net.Conn, peer net.Addr) error {
	go func() {
		if err := h.serve(conn, peer); err != nil {
			log.Warn("websocket handoff failed", "peer", peer, "err", err)
		}
	}()
	return nil
}

func (h *Handler) serve(conn net.Conn, peer net.Addr) error {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Close()
		return err
	}

	rw := &hijackResponseWriter{conn: conn, br: br, header: make(http.Header)}
	wsConn, err := h.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		conn.Close()
		return err
	}

	log.Info("websocket connection established", "peer", peer, "path", req.URL.Path)
	if h.onConnect != nil {
		h.onConnect(wsConn, peer)
	} else {
		wsConn.Close()
	}
	return nil
}

// hijackResponseWriter adapts the already-accepted net.Conn to the
// http.ResponseWriter+http.Hijacker pair gorilla/websocket requires
// to complete the upgrade handshake.
type hijackResponseWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
	status int
}

func (w *hijackResponseWriter) Header() http.Header { return w.header }
func (w *hijackResponseWriter) Write(b []byte) (int, error) { return w.conn.Write(b) }
func (w *hijackResponseWriter) WriteHeader(status int)       { w.status = status }

func (w *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(w.br, bufio.NewWriter(w.conn))
	return w.conn, rw, nil
}
