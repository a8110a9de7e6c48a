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

// Package admin exposes a small JSON + GraphQL diagnostics API over a
// running corehostd: host resource snapshot, audit ring contents, and
// a liveness probe. It is read-only — nothing here can reconfigure
// the acceptor.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/vdsm-project/corehost/internal/diag"
)

// AuditSource is the subset of diag.AuditRing the admin API reads.
type AuditSource interface {
	Entries() ([]diag.AuditEntry, error)
}

// Server wires the diagnostics endpoints into an *http.Server-ready
// handler.
type Server struct {
	router *httprouter.Router
	audit  AuditSource
}

// New builds the admin handler. audit may be nil (audit endpoints
// then report an empty ring).
func New(audit AuditSource) *Server {
	s := &Server{router: httprouter.New(), audit: audit}

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/v1/host", s.handleHost)
	s.router.GET("/v1/audit", s.handleAudit)

	schema := graphql.MustParseSchema(graphqlSchema, &resolver{audit: audit})
	s.router.Handler(http.MethodPost, "/graphql", &relay.Handler{Schema: schema})

	return s
}

// Handler returns the CORS-wrapped http.Handler to serve.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	snap, err := diag.Snapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.audit == nil {
		writeJSON(w, []diag.AuditEntry{})
		return
	}
	entries, err := s.audit.Entries()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
