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

package rwlock

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// lockingGoroutine mirrors vdsm's testlib.LockingThread: it attempts
// an acquire, reports readiness and acquisition over channels, and
// waits to be told to release.
type lockingGoroutine struct {
	holder   HolderID
	ready    chan struct{}
	acquired chan struct{}
	done     chan struct{}
	stopped  chan struct{}
}

func startLocking(l *RWLock, shared bool) *lockingGoroutine {
	lg := &lockingGoroutine{
		holder:   NewHolderID(),
		ready:    make(chan struct{}),
		acquired: make(chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go func() {
		close(lg.ready)
		if shared {
			l.AcquireShared(lg.holder)
		} else {
			l.AcquireExclusive(lg.holder)
		}
		close(lg.acquired)
		<-lg.done
		l.Release(lg.holder)
		close(lg.stopped)
	}()
	return lg
}

func (lg *lockingGoroutine) stop() {
	select {
	case <-lg.done:
	default:
		close(lg.done)
	}
	<-lg.stopped
}

func waitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

const short = 200 * time.Millisecond
const long = 2 * time.Second

func TestConcurrentReaders(t *testing.T) {
	l := New()
	var readers []*lockingGoroutine
	for i := 0; i < 5; i++ {
		readers = append(readers, startLocking(l, true))
	}
	defer func() {
		for _, r := range readers {
			r.stop()
		}
	}()
	for _, r := range readers {
		if !waitClosed(t, r.acquired, long) {
			t.Fatalf("reader did not acquire shared lock")
		}
	}
}

func TestWakeupBlockedWriter(t *testing.T) {
	l := New()
	reader := startLocking(l, true)
	if !waitClosed(t, reader.acquired, long) {
		t.Fatalf("reader never acquired")
	}
	writer := startLocking(l, false)
	if !waitClosed(t, writer.ready, long) {
		t.Fatalf("writer never started")
	}
	if waitClosed(t, writer.acquired, short) {
		t.Fatalf("writer acquired while reader held shared lock")
	}
	reader.stop()
	if !waitClosed(t, writer.acquired, long) {
		t.Fatalf("writer never acquired after reader released")
	}
	writer.stop()
}

func TestWakeupBlockedReader(t *testing.T) {
	l := New()
	writer := startLocking(l, false)
	if !waitClosed(t, writer.acquired, long) {
		t.Fatalf("writer never acquired")
	}
	reader := startLocking(l, true)
	if !waitClosed(t, reader.ready, long) {
		t.Fatalf("reader never started")
	}
	if waitClosed(t, reader.acquired, short) {
		t.Fatalf("reader acquired while writer held exclusive lock")
	}
	writer.stop()
	if !waitClosed(t, reader.acquired, long) {
		t.Fatalf("reader never acquired after writer released")
	}
	reader.stop()
}

func TestWakeupAllBlockedReaders(t *testing.T) {
	l := New()
	owner := NewHolderID()
	if err := l.AcquireExclusive(owner); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}

	const n = 10
	var readers []*lockingGoroutine
	for i := 0; i < n; i++ {
		readers = append(readers, startLocking(l, true))
	}
	for _, r := range readers {
		if !waitClosed(t, r.ready, long) {
			t.Fatalf("reader never started")
		}
	}
	time.Sleep(short)
	for _, r := range readers {
		if waitClosed(t, r.acquired, 0) {
			t.Fatalf("reader acquired before writer released")
		}
	}

	if err := l.Release(owner); err != nil {
		t.Fatalf("release: %v", err)
	}

	for _, r := range readers {
		if !waitClosed(t, r.acquired, long) {
			t.Fatalf("reader never woken after writer released")
		}
	}
	for _, r := range readers {
		r.stop()
	}
}

// S1 — FIFO fairness: T1 holds shared, T2 (exclusive) then T3 (shared)
// queue behind it; T2 must be granted before T3 even though T3 only
// wants shared access.
func TestFIFOFairness(t *testing.T) {
	l := New()
	t1 := NewHolderID()
	l.AcquireShared(t1)

	t2 := startLocking(l, false)
	if !waitClosed(t, t2.ready, long) {
		t.Fatalf("T2 never started")
	}
	if waitClosed(t, t2.acquired, short) {
		t.Fatalf("T2 acquired before T1 released")
	}

	t3 := startLocking(l, true)
	if !waitClosed(t, t3.ready, long) {
		t.Fatalf("T3 never started")
	}
	if waitClosed(t, t3.acquired, short) {
		t.Fatalf("T3 acquired while T2 (exclusive) is queued ahead of it")
	}

	if err := l.Release(t1); err != nil {
		t.Fatalf("T1 release: %v", err)
	}

	if !waitClosed(t, t2.acquired, long) {
		t.Fatalf("T2 was not granted next")
	}
	if waitClosed(t, t3.acquired, short) {
		t.Fatalf("T3 acquired before T2 released, violating FIFO")
	}

	t2.stop()
	if !waitClosed(t, t3.acquired, long) {
		t.Fatalf("T3 never granted after T2 released")
	}
	t3.stop()
}

func TestReleaseByOtherThreadFails(t *testing.T) {
	l := New()
	writer := startLocking(l, false)
	if !waitClosed(t, writer.acquired, long) {
		t.Fatalf("writer never acquired")
	}
	defer writer.stop()

	outsider := NewHolderID()
	if err := l.Release(outsider); err != ErrNotHolder {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
}

func TestRecursiveExclusive(t *testing.T) {
	l := New()
	h := NewHolderID()
	if err := l.AcquireExclusive(h); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.AcquireExclusive(h); err != nil {
		t.Fatalf("recursive acquire: %v", err)
	}
	if err := l.Release(h); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.Release(h); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// Lock must now be fully idle: a new exclusive waiter grants at once.
	other := NewHolderID()
	if err := l.AcquireExclusive(other); err != nil {
		t.Fatalf("lock not idle after balanced recursive release: %v", err)
	}
	l.Release(other)
}

func TestRecursiveShared(t *testing.T) {
	l := New()
	h := NewHolderID()
	l.AcquireShared(h)
	l.AcquireShared(h)
	if err := l.Release(h); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.Release(h); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := l.Release(h); err != ErrNotHolder {
		t.Fatalf("expected ErrNotHolder on third release, got %v", err)
	}
}

// S4 / invariant 5 — promotion forbidden.
func TestPromotionForbidden(t *testing.T) {
	l := New()
	h := NewHolderID()
	l.AcquireShared(h)
	if err := l.AcquireExclusive(h); err != ErrPromotionForbidden {
		t.Fatalf("expected ErrPromotionForbidden, got %v", err)
	}
	// Shared acquisition must be unaffected by the failed promotion.
	if err := l.Release(h); err != nil {
		t.Fatalf("release after forbidden promotion: %v", err)
	}
}

func TestDemotionNoWaiters(t *testing.T) {
	l := New()
	h := NewHolderID()
	if err := l.AcquireExclusive(h); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	l.AcquireShared(h)
	if err := l.Release(h); err != nil { // releases the exclusive entry
		t.Fatalf("release exclusive: %v", err)
	}
	if err := l.Release(h); err != nil { // releases the shared entry
		t.Fatalf("release shared: %v", err)
	}
}

func TestDemotionWithBlockedWriter(t *testing.T) {
	l := New()
	h := NewHolderID()
	if err := l.AcquireExclusive(h); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}

	writer := startLocking(l, false)
	if !waitClosed(t, writer.ready, long) {
		t.Fatalf("writer never started")
	}
	if waitClosed(t, writer.acquired, short) {
		t.Fatalf("writer acquired while exclusive held")
	}

	l.AcquireShared(h) // demotion preparation

	if err := l.Release(h); err != nil { // drop the exclusive entry
		t.Fatalf("release exclusive: %v", err)
	}
	if waitClosed(t, writer.acquired, short) {
		t.Fatalf("writer acquired while demoted holder still holds shared")
	}

	if err := l.Release(h); err != nil { // drop the shared entry
		t.Fatalf("release shared: %v", err)
	}
	if !waitClosed(t, writer.acquired, long) {
		t.Fatalf("writer never granted after demoted holder released")
	}
	writer.stop()
}

// S2 / invariant 7 — demotion wakes blocked readers immediately, ahead
// of the writer's own full release of its (now shared-only) hold.
func TestDemotionWakesBlockedReader(t *testing.T) {
	l := New()
	h := NewHolderID()
	if err := l.AcquireExclusive(h); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}

	reader := startLocking(l, true)
	if !waitClosed(t, reader.ready, long) {
		t.Fatalf("reader never started")
	}
	if waitClosed(t, reader.acquired, short) {
		t.Fatalf("reader acquired while exclusive held")
	}

	l.AcquireShared(h) // demotion preparation: h now holds exclusive+shared

	if err := l.Release(h); err != nil { // drop the exclusive entry only
		t.Fatalf("release exclusive: %v", err)
	}

	// The blocked reader must run concurrently with the demoted holder.
	if !waitClosed(t, reader.acquired, long) {
		t.Fatalf("reader was not woken on demotion")
	}

	reader.stop()
	if err := l.Release(h); err != nil { // drop h's remaining shared entry
		t.Fatalf("release shared: %v", err)
	}
}

func TestFairnessUnderContention(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	cases := []struct{ writers, readers int }{
		{1, 2}, {2, 8}, {3, 16},
	}
	for _, c := range cases {
		c := c
		t.Run(fmtCase(c.writers, c.readers), func(t *testing.T) {
			l := New()
			reads := make([]int64, c.readers)
			writes := make([]int64, c.writers)
			var wg sync.WaitGroup
			stop := make(chan struct{})

			for i := 0; i < c.readers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					h := NewHolderID()
					for {
						select {
						case <-stop:
							return
						default:
						}
						l.AcquireShared(h)
						atomic.AddInt64(&reads[i], 1)
						l.Release(h)
					}
				}()
			}
			for i := 0; i < c.writers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					h := NewHolderID()
					for {
						select {
						case <-stop:
							return
						default:
						}
						l.AcquireExclusive(h)
						atomic.AddInt64(&writes[i], 1)
						l.Release(h)
					}
				}()
			}

			time.Sleep(500 * time.Millisecond)
			close(stop)
			wg.Wait()

			var totalReads, totalWrites int64
			for _, v := range reads {
				totalReads += v
			}
			for _, v := range writes {
				totalWrites += v
			}
			total := totalReads + totalWrites
			count := int64(len(reads) + len(writes))
			if count == 0 || total == 0 {
				t.Fatalf("no progress made")
			}

			avgReads := float64(totalReads) / float64(len(reads))
			avgWrites := float64(totalWrites) / float64(len(writes))
			avgAll := float64(total) / float64(count)

			// Same bound as original_source/tests/rwlock_test.py's
			// test_fairness: the average reader throughput and average
			// writer throughput must be within 10% of the overall
			// average of each other.
			delta := avgReads - avgWrites
			if delta < 0 {
				delta = -delta
			}
			if tolerance := avgAll / 10; delta > tolerance {
				t.Errorf("avg reads=%.1f avg writes=%.1f differ by %.1f, want within %.1f (avg_all/10)",
					avgReads, avgWrites, delta, tolerance)
			}
		})
	}
}

func fmtCase(writers, readers int) string {
	return "writers=" + strconv.Itoa(writers) + "/readers=" + strconv.Itoa(readers)
}
