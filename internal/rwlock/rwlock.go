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

// Package rwlock implements a fair, FIFO-ordered readers-writer lock
// with recursion on the same caller and a write-to-read demotion path.
//
// Unlike sync.RWMutex, waiters are granted strictly in arrival order:
// a shared request that arrives behind a queued exclusive waiter must
// wait for that writer, even though other readers may already be
// running. This is the property that distinguishes it from the
// starvation-prone stdlib lock.
//
// Callers are identified by a HolderID rather than a goroutine id —
// Go deliberately has no stable goroutine-identity primitive, so the
// caller must mint one (NewHolderID) and keep it for the lifetime of
// its acquire/release pairs (e.g. in a per-goroutine struct field).
package rwlock

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotHolder is returned by Release when the calling identity holds
// neither a shared nor an exclusive entry in the lock.
var ErrNotHolder = errors.New("rwlock: release by non-holder")

// ErrPromotionForbidden is returned by AcquireExclusive when the
// calling identity already holds the lock in shared mode. Promoting
// shared to exclusive could deadlock against other shared holders, so
// it is refused rather than attempted.
var ErrPromotionForbidden = errors.New("rwlock: shared-to-exclusive promotion forbidden")

// HolderID identifies a caller across an acquire/release pair. It must
// be stable for the duration those calls are outstanding.
type HolderID struct{ id uint64 }

var holderSeq uint64

// NewHolderID mints a fresh, process-unique holder identity. Callers
// typically mint one per goroutine and reuse it for every acquire.
func NewHolderID() HolderID {
	return HolderID{atomic.AddUint64(&holderSeq, 1)}
}

type mode int

const (
	modeShared mode = iota
	modeExclusive
)

type waiter struct {
	mode   mode
	holder HolderID
	ready  chan struct{}
}

// RWLock is a fair, recursive, demotable readers-writer lock. The zero
// value is not usable; construct with New.
type RWLock struct {
	mu sync.Mutex

	exclusiveHolder *HolderID
	exclusiveCount  int
	sharedCounts    map[HolderID]int
	queue           []*waiter
}

// New returns a ready-to-use RWLock.
func New() *RWLock {
	return &RWLock{sharedCounts: make(map[HolderID]int)}
}

// AcquireShared blocks until h may be granted shared access, then
// registers it as a shared holder. Recursive re-entry (h already holds
// shared or exclusive) grants immediately without blocking.
func (l *RWLock) AcquireShared(h HolderID) {
	l.mu.Lock()

	// Demotion preparation: an exclusive holder may additionally take
	// a shared entry for the same identity.
	if l.exclusiveHolder != nil && *l.exclusiveHolder == h {
		l.sharedCounts[h]++
		l.mu.Unlock()
		return
	}

	// Recursive shared re-entry.
	if l.sharedCounts[h] > 0 {
		l.sharedCounts[h]++
		l.mu.Unlock()
		return
	}

	// Fresh request: grant immediately only if no one holds the lock
	// exclusively and no one is already queued ahead (other readers may
	// be holding it) (FIFO fairness, spec.md §4.1 rule 3).
	if l.exclusiveHolder == nil && len(l.queue) == 0 {
		l.sharedCounts[h] = 1
		l.mu.Unlock()
		return
	}

	w := &waiter{mode: modeShared, holder: h, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	<-w.ready
}

// AcquireExclusive blocks until h may be granted sole exclusive
// access. Recursive re-entry by an existing exclusive holder grants
// immediately. A caller that already holds the lock in shared mode
// gets ErrPromotionForbidden instead of blocking.
func (l *RWLock) AcquireExclusive(h HolderID) error {
	l.mu.Lock()

	if l.exclusiveHolder != nil && *l.exclusiveHolder == h {
		l.exclusiveCount++
		l.mu.Unlock()
		return nil
	}

	if l.sharedCounts[h] > 0 {
		l.mu.Unlock()
		return ErrPromotionForbidden
	}

	if l.exclusiveHolder == nil && len(l.sharedCounts) == 0 && len(l.queue) == 0 {
		owner := h
		l.exclusiveHolder = &owner
		l.exclusiveCount = 1
		l.mu.Unlock()
		return nil
	}

	w := &waiter{mode: modeExclusive, holder: h, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	<-w.ready
	return nil
}

// Release decrements h's recursion count for whichever mode it holds
// (exclusive takes priority, so releasing a demoted holder's exclusive
// entry first leaves it holding only the shared entry), removing h
// from the holder set once its count reaches zero. It wakes whatever
// waiters the resulting state makes eligible.
func (l *RWLock) Release(h HolderID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.exclusiveHolder != nil && *l.exclusiveHolder == h:
		l.exclusiveCount--
		if l.exclusiveCount == 0 {
			l.exclusiveHolder = nil
		}
	case l.sharedCounts[h] > 0:
		l.sharedCounts[h]--
		if l.sharedCounts[h] == 0 {
			delete(l.sharedCounts, h)
		}
	default:
		return ErrNotHolder
	}

	l.grantLocked()
	return nil
}

// grantLocked re-runs the FIFO granting rule against the head of the
// queue. Must be called with l.mu held.
func (l *RWLock) grantLocked() {
	for len(l.queue) > 0 {
		w := l.queue[0]

		if w.mode == modeExclusive {
			if l.exclusiveHolder == nil && len(l.sharedCounts) == 0 {
				l.queue = l.queue[1:]
				owner := w.holder
				l.exclusiveHolder = &owner
				l.exclusiveCount = 1
				close(w.ready)
			}
			// Whether granted or still blocked, an exclusive waiter at
			// the head blocks everything behind it.
			return
		}

		// Shared waiter: grantable as soon as no one holds exclusive,
		// regardless of how many other readers are already running —
		// this is what lets demotion wake readers blocked behind the
		// demoted caller's now-released exclusive entry.
		if l.exclusiveHolder != nil {
			return
		}
		l.queue = l.queue[1:]
		l.sharedCounts[w.holder]++
		close(w.ready)
	}
}

// WithShared runs fn while holding the shared lock for h, releasing it
// on every exit path (including panics propagated from fn).
func (l *RWLock) WithShared(h HolderID, fn func() error) error {
	l.AcquireShared(h)
	defer l.Release(h)
	return fn()
}

// WithExclusive runs fn while holding the exclusive lock for h,
// releasing it on every exit path (including panics propagated from
// fn). It returns ErrPromotionForbidden without running fn if h
// already holds the lock in shared mode.
func (l *RWLock) WithExclusive(h HolderID, fn func() error) error {
	if err := l.AcquireExclusive(h); err != nil {
		return err
	}
	defer l.Release(h)
	return fn()
}
