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
	"time"

	"github.com/vdsm-project/corehost/common"
	"github.com/vdsm-project/corehost/internal/sockopt"
	"github.com/vdsm-project/corehost/log"
)

// detectorHandle peeks a connection's leading bytes and dispatches it
// to the first registered detector whose Match returns true. Not a
// literal transcription of control flow, but the same five-step
// contract vdsm's _ProtocolDetector.handle_read documents:
// try-again on partial data, close on deadline, first-match-wins
// handoff, close with a logged preview on no match.
type detectorHandle struct {
	src       prefixSource
	detectors []Detector
	required  int
	deadline  time.Time
	audit     AuditRecorder
}

func newDetectorHandle(src prefixSource, detectors []Detector, required int, deadline time.Time, audit AuditRecorder) *detectorHandle {
	return &detectorHandle{src: src, detectors: detectors, required: required, deadline: deadline, audit: audit}
}

func (d *detectorHandle) Readable() bool { return true }
func (d *detectorHandle) Writable() bool { return false }

func (d *detectorHandle) NextCheckInterval() time.Duration {
	return deadlineRemaining(d.deadline)
}

func (d *detectorHandle) HandleRead(h *connHandle) {
	data, err := d.src.peek(d.required)
	if err != nil {
		if sockopt.EWouldBlock(err) {
			return
		}
		log.Warn("detector peek failed", "err", err, "peer", h.peer, "corr", h.corrID)
		h.Close()
		return
	}

	if len(data) < d.required {
		if time.Now().Before(d.deadline) {
			return
		}
		log.Debug("detector timed out waiting for data", "err", common.ErrHandshakeTimeout, "peer", h.peer, "corr", h.corrID)
		h.Close()
		return
	}

	for _, det := range d.detectors {
		if !det.Match(data) {
			continue
		}
		log.Info("detected protocol", "name", det.Name(), "peer", h.peer, "corr", h.corrID)
		conn := d.src.wrap()
		h.handOff()
		if err := det.Handoff(conn, h.peer); err != nil {
			log.Warn("handoff failed", "name", det.Name(), "err", err, "peer", h.peer, "corr", h.corrID)
		}
		return
	}

	log.Warn("unrecognized protocol prefix", "err", common.ErrNoDetectorMatch, "preview", hexPreview(data), "peer", h.peer, "corr", h.corrID)
	if d.audit != nil {
		d.audit.Record(data)
	}
	h.Close()
}

func (d *detectorHandle) HandleWrite(h *connHandle) {}
func (d *detectorHandle) HandleError(h *connHandle) { h.Close() }
