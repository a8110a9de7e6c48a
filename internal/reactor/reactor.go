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

// Package reactor is a single-threaded cooperative event loop over a
// set of registered handles, in the spirit of vdsm's
// yajsonrpc.betterAsyncore.Reactor: one goroutine, poll(2)-driven,
// every callback serialized on that goroutine so it must never block.
package reactor

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/vdsm-project/corehost/common"
	"github.com/vdsm-project/corehost/log"
)

// NoDeadline is returned by Handle.NextCheckInterval to mean "this
// handle has no pending deadline" — it never shortens the reactor's
// poll timeout.
const NoDeadline = time.Duration(math.MaxInt64)

// idleTick bounds how long ProcessRequests blocks in poll(2) when no
// registered handle has a pending deadline, so Stop is always noticed
// promptly.
const idleTick = time.Second

// Handle is one reactor-registered I/O participant: a listener or a
// connection. Callbacks run on the reactor goroutine and must not
// block; a handle "suspends" simply by returning and being re-polled.
type Handle interface {
	FD() uintptr
	Readable() bool
	Writable() bool
	// NextCheckInterval returns how long this handle can go without
	// being reconsidered — the corrected max(deadline-now, 0) form
	// (spec.md §9 flags the source's min(...) as a bug; this does not
	// reproduce it). Return NoDeadline if nothing is pending.
	NextCheckInterval() time.Duration
	HandleRead()
	HandleWrite()
	HandleError()
	HandleClose()
}

// Reactor is a single-threaded poll(2) event loop. The zero value is
// not usable; construct with New.
type Reactor struct {
	mu      sync.Mutex
	handles map[uintptr]Handle

	inflight *semaphore.Weighted

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Reactor that admits at most maxInflight connections
// into the Handshaking/Detecting phases concurrently (the reactor
// still runs every callback on one goroutine; this only bounds how
// much per-tick work can be outstanding, spec.md §5).
func New(maxInflight int64) *Reactor {
	return &Reactor{
		handles:  make(map[uintptr]Handle),
		inflight: semaphore.NewWeighted(maxInflight),
		stopCh:   make(chan struct{}),
	}
}

// AddHandle registers h. Per spec.md §5, registration must happen on
// the reactor goroutine once ProcessRequests is running; the acceptor
// handle's HandleRead (itself running on the reactor goroutine) is the
// only caller that registers handles after startup.
func (r *Reactor) AddHandle(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.FD()] = h
}

// RemoveHandle deregisters h. Safe to call from within a callback.
func (r *Reactor) RemoveHandle(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h.FD())
}

// TryAcquireInflight reserves one slot of the inflight bound. Callers
// (the acceptor handle, admitting a freshly accepted connection) must
// release it via ReleaseInflight once the connection reaches a
// terminal state (HandedOff or Closed).
func (r *Reactor) TryAcquireInflight() bool {
	return r.inflight.TryAcquire(1)
}

// ReleaseInflight returns one slot reserved by TryAcquireInflight.
func (r *Reactor) ReleaseInflight() {
	r.inflight.Release(1)
}

// Stop halts ProcessRequests. Pending handles are dropped and their
// sockets closed, per spec.md §5.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ProcessRequests runs the event loop until Stop is called or ctx is
// done.
func (r *Reactor) ProcessRequests(ctx context.Context) error {
	for {
		select {
		case <-r.stopCh:
			r.closeAll()
			return common.ErrReactorStopped
		case <-ctx.Done():
			r.closeAll()
			return ctx.Err()
		default:
		}

		if err := r.tick(); err != nil {
			log.Warn("reactor poll error", "err", err)
		}
	}
}

func (r *Reactor) tick() error {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	timeout := idleTick
	pollfds := make([]unix.PollFd, 0, len(handles))
	fdIndex := make(map[uintptr]int, len(handles))
	for _, h := range handles {
		if d := h.NextCheckInterval(); d != NoDeadline && d < timeout {
			timeout = d
		}
		var events int16
		if h.Readable() {
			events |= unix.POLLIN
		}
		if h.Writable() {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		fdIndex[h.FD()] = len(pollfds)
		pollfds = append(pollfds, unix.PollFd{Fd: int32(h.FD()), Events: events})
	}

	if timeout < 0 {
		timeout = 0
	}
	millis := int(timeout / time.Millisecond)
	if millis == 0 && timeout > 0 {
		millis = 1
	}

	_, err := unix.Poll(pollfds, millis)
	if err != nil && err != unix.EINTR {
		return err
	}

	serviced := make(map[uintptr]bool, len(handles))
	for _, h := range handles {
		idx, ok := fdIndex[h.FD()]
		if !ok {
			continue
		}
		revents := pollfds[idx].Revents
		if revents == 0 {
			continue
		}
		if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			h.HandleError()
			h.HandleClose()
			r.RemoveHandle(h)
			serviced[h.FD()] = true
			continue
		}
		if revents&unix.POLLIN != 0 {
			h.HandleRead()
			serviced[h.FD()] = true
		}
		if revents&unix.POLLOUT != 0 {
			h.HandleWrite()
			serviced[h.FD()] = true
		}
	}

	// Handles past their deadline must be reconsidered even if poll(2)
	// never reported them readable (e.g. a client that never sends
	// anything — spec.md §8 S6).
	for _, h := range handles {
		if serviced[h.FD()] {
			continue
		}
		if d := h.NextCheckInterval(); d != NoDeadline && d <= 0 {
			h.HandleRead()
		}
	}

	return nil
}

func (r *Reactor) closeAll() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[uintptr]Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.HandleClose()
	}
}
