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

// Package sshdetect recognizes the SSH protocol's required
// "SSH-" version-exchange prefix and drives the server side of the
// handshake via golang.org/x/crypto/ssh once a connection is handed
// off.
package sshdetect

import (
	"bytes"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/vdsm-project/corehost/log"
)

const requiredBytes = 4

var magic = []byte("SSH-")

// Handler implements acceptor.Detector for SSH.
type Handler struct {
	config *ssh.ServerConfig
}

// New returns a detector that completes the SSH handshake with cfg
// for every connection it is handed.
func New(cfg *ssh.ServerConfig) *Handler {
	return &Handler{config: cfg}
}

func (h *Handler) Name() string       { return "ssh" }
func (h *Handler) RequiredBytes() int { return requiredBytes }

func (h *Handler) Match(prefix []byte) bool {
	return len(prefix) >= requiredBytes && bytes.Equal(prefix[:requiredBytes], magic)
}

// Handoff completes the SSH handshake on its own goroutine; this
// package does not implement session multiplexing, only the
// handshake and request rejection, since connection lifecycle after
// handoff is out of scope.
func (h *Handler) Handoff(conn net.Conn, peer net.Addr) error {
	go func() {
		defer conn.Close()

		sconn, chans, reqs, err := ssh.NewServerConn(conn, h.config)
		if err != nil {
			log.Warn("ssh handshake failed", "peer", peer, "err", err)
			return
		}
		defer sconn.Close()
		log.Info("ssh session established", "peer", peer, "user", sconn.User())

		go ssh.DiscardRequests(reqs)
		for newChannel := range chans {
			newChannel.Reject(ssh.Prohibited, "corehost: interactive sessions not served by this listener")
		}
	}()
	return nil
}
