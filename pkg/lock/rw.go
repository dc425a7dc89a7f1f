// Copyright 2025 The Lockvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"time"

	"lockvisor.dev/lockvisor/pkg/goid"
)

// The ReadWrite kind cannot use the one-token wakeup channel: a writer
// release must wake every blocked reader at once. Instead, all state lives
// under mu and waiters block on a gate channel that is closed (a broadcast)
// whenever the lock becomes available to someone. There is no fairness; a
// stream of readers can starve a writer.

// gateLocked returns the current gate, creating it if needed.
//
// Preconditions: mu must be held.
func (l *Lock) gateLocked() chan struct{} {
	if l.gate == nil {
		l.gate = make(chan struct{})
	}
	return l.gate
}

// openGateLocked wakes all gate waiters.
//
// Preconditions: mu must be held.
func (l *Lock) openGateLocked() {
	if l.gate != nil {
		close(l.gate)
		l.gate = nil
	}
}

// RLock acquires the lock for reading, blocking until no writer holds it.
// For kinds other than ReadWrite it is equivalent to Lock.
func (l *Lock) RLock() {
	l.rlock(true, 0)
}

// TryRLock attempts to acquire the lock for reading without blocking.
func (l *Lock) TryRLock() bool {
	return l.rlock(false, 0)
}

// TryRLockFor acquires the lock for reading, giving up after timeout.
func (l *Lock) TryRLockFor(timeout time.Duration) bool {
	if timeout <= 0 {
		return l.rlock(false, 0)
	}
	return l.rlock(true, timeout)
}

// RUnlock releases one read-side acquisition. For kinds other than ReadWrite
// it is equivalent to Unlock.
func (l *Lock) RUnlock() {
	if l.kind != ReadWrite {
		l.Unlock()
		return
	}
	tid := goid.Get()

	l.mu.Lock()
	if l.readers[tid] == 0 {
		l.mu.Unlock()
		misuseLog().Warningf("read-unlock of %s lock %q (id %d) by goroutine %d, which does not hold it", l.kind, l.name, l.id, tid)
		return
	}
	l.readers[tid]--
	last := false
	if l.readers[tid] == 0 {
		delete(l.readers, tid)
		last = true
		if len(l.readers) == 0 {
			l.openGateLocked()
		}
	}
	l.mu.Unlock()

	if last && l.reporter != nil {
		l.reporter.RecordLockRelease(l, tid)
	}
}

func (l *Lock) rlock(blocking bool, timeout time.Duration) bool {
	if l.kind != ReadWrite {
		return l.lock(blocking, timeout)
	}
	tid := goid.Get()

	l.mu.Lock()
	if l.readers[tid] > 0 {
		// Nested read acquisition; a writer cannot be holding the lock.
		l.readers[tid]++
		l.acquisitions++
		l.mu.Unlock()
		if l.reporter != nil {
			l.reporter.RecordLockAcquisition(l, tid, 0)
		}
		return true
	}
	if !l.held {
		l.addReaderLocked(tid)
		l.mu.Unlock()
		if l.reporter != nil {
			l.reporter.RecordLockAcquisition(l, tid, 0)
		}
		return true
	}
	l.mu.Unlock()
	if !blocking {
		return false
	}

	start := time.Now()
	l.addWaiter(tid)
	ok := l.rlockSlow(tid, start, timeout)
	l.removeWaiter(tid)
	if !ok {
		return false
	}
	if l.reporter != nil {
		l.reporter.RecordLockAcquisition(l, tid, time.Since(start))
	}
	return true
}

func (l *Lock) rlockSlow(tid uint64, start time.Time, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		l.mu.Lock()
		if !l.held {
			l.addReaderLocked(tid)
			l.totalWait += time.Since(start)
			l.mu.Unlock()
			return true
		}
		gate := l.gateLocked()
		l.mu.Unlock()

		select {
		case <-gate:
		case <-expired:
			return false
		}
	}
}

// addReaderLocked records tid as a reader.
//
// Preconditions: mu must be held, and no writer may hold the lock.
func (l *Lock) addReaderLocked(tid uint64) {
	if l.readers == nil {
		l.readers = make(map[uint64]int)
	}
	l.readers[tid] = 1
	l.acquisitions++
}

// wlock is the write-side acquisition for the ReadWrite kind.
func (l *Lock) wlock(tid uint64, blocking bool, timeout time.Duration) bool {
	l.mu.Lock()
	if !l.held && len(l.readers) == 0 {
		l.setWriterLocked(tid, 0)
		l.mu.Unlock()
		if l.reporter != nil {
			l.reporter.RecordLockAcquisition(l, tid, 0)
		}
		return true
	}
	l.mu.Unlock()
	if !blocking {
		return false
	}

	start := time.Now()
	l.addWaiter(tid)
	ok := l.wlockSlow(tid, start, timeout)
	l.removeWaiter(tid)
	if !ok {
		return false
	}
	if l.reporter != nil {
		l.reporter.RecordLockAcquisition(l, tid, time.Since(start))
	}
	return true
}

func (l *Lock) wlockSlow(tid uint64, start time.Time, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		l.mu.Lock()
		if !l.held && len(l.readers) == 0 {
			l.setWriterLocked(tid, time.Since(start))
			l.mu.Unlock()
			return true
		}
		gate := l.gateLocked()
		l.mu.Unlock()

		select {
		case <-gate:
		case <-expired:
			return false
		}
	}
}

// setWriterLocked records tid as the writer.
//
// Preconditions: mu must be held, and the lock must be free.
func (l *Lock) setWriterLocked(tid uint64, waited time.Duration) {
	l.held = true
	l.holder = tid
	l.depth = 1
	l.acquisitions++
	l.totalWait += waited
}

// wunlock releases whichever ReadWrite side the caller holds.
func (l *Lock) wunlock(tid uint64) {
	l.mu.Lock()
	if l.held && l.holder == tid {
		l.held = false
		l.holder = 0
		l.depth = 0
		l.openGateLocked()
		l.mu.Unlock()
		if l.reporter != nil {
			l.reporter.RecordLockRelease(l, tid)
		}
		return
	}
	isReader := l.readers[tid] > 0
	l.mu.Unlock()

	if isReader {
		l.RUnlock()
		return
	}
	misuseLog().Warningf("unlock of %s lock %q (id %d) by goroutine %d, which does not hold it", l.kind, l.name, l.id, tid)
}
