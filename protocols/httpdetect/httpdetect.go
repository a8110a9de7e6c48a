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

// Package httpdetect recognizes plain HTTP request lines and routes
// them through an httprouter.Router. Register it after wsdetect: a
// WebSocket upgrade request also starts with "GET ", and tie-breaking
// is strictly first-match-wins in registration order.
package httpdetect

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/vdsm-project/corehost/log"
)

const requiredBytes = 4

var methodPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("DELE"), // DELETE
	[]byte("PATC"), // PATCH
	[]byte("OPTI"), // OPTIONS
}

// Handler implements acceptor.Detector for plain HTTP/1.x.
type Handler struct {
	router *httprouter.Router
}

// New returns a detector that serves matched connections through
// router, reading one or more pipelined requests per connection.
func New(router *httprouter.Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) Name() string       { return "http" }
func (h *Handler) RequiredBytes() int { return requiredBytes }

func (h *Handler) Match(prefix []byte) bool {
	if len(prefix) < requiredBytes {
		return false
	}
	for _, m := range methodPrefixes {
		if bytes.Equal(prefix[:requiredBytes], m) {
			return true
		}
	}
	return false
}

func (h *Handler) Handoff(conn net.Conn, peer net.Addr) error {
	go func() {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			req.RemoteAddr = peer.String()

			rw := &responseWriterConn{conn: conn, header: make(http.Header)}
			h.router.ServeHTTP(rw, req)

			if req.Close {
				return
			}
		}
	}()
	return nil
}

// responseWriterConn is a minimal http.ResponseWriter writing
// directly to the handed-off connection.
type responseWriterConn struct {
	conn   net.Conn
	header http.Header
	status int
	wrote  bool
}

func (w *responseWriterConn) Header() http.Header { return w.header }

func (w *responseWriterConn) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = status
	fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if err := w.header.Write(w.conn); err != nil {
		log.Debug("http response header write failed", "err", err)
	}
	io.WriteString(w.conn, "\r\n")
}

func (w *responseWriterConn) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(b)
}
