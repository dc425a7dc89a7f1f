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

// Package lock provides named, typed locks that report every acquisition,
// release and wait to an external observer.
//
// A Lock adds bookkeeping around an efficient TryLock-capable mutex: it knows
// its holder, keeps an arrival-ordered list of blocked waiters, and counts
// acquisitions and cumulative wait time. The bookkeeping is what makes
// wait-for-graph deadlock detection possible; the underlying blocking
// mechanics stay a single atomic word plus a one-slot wakeup channel, so the
// uncontended paths remain a single compare-and-swap.
//
// Wakeup order among waiters is whatever the channel gives, not FIFO.
// Callers must not assume fairness.
package lock

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"lockvisor.dev/lockvisor/pkg/goid"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/sync"
)

// Kind determines the blocking semantics of a Lock. It is fixed at creation.
type Kind int

const (
	// Exclusive is a plain mutex: one holder, second acquisition by the
	// holder deadlocks.
	Exclusive Kind = iota

	// Reentrant is an exclusive lock whose holder may acquire it again;
	// it is released when the release count matches the acquire count.
	Reentrant

	// ReadWrite allows any number of concurrent readers or one writer.
	ReadWrite

	// Spin busy-waits instead of sleeping. Only sensible for sections
	// measured in nanoseconds.
	Spin
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Exclusive:
		return "exclusive"
	case Reentrant:
		return "reentrant"
	case ReadWrite:
		return "readwrite"
	case Spin:
		return "spin"
	default:
		return fmt.Sprintf("invalid kind: %d", int(k))
	}
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (k Kind) MarshalJSON() ([]byte, error) {
	switch k {
	case Exclusive, Reentrant, ReadWrite, Spin:
		return []byte(`"` + k.String() + `"`), nil
	default:
		return nil, fmt.Errorf("unknown kind %d", int(k))
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON.
func (k *Kind) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case `"exclusive"`:
		*k = Exclusive
	case `"reentrant"`:
		*k = Reentrant
	case `"readwrite"`:
		*k = ReadWrite
	case `"spin"`:
		*k = Spin
	default:
		return fmt.Errorf("unknown kind %q", s)
	}
	return nil
}

// Reporter receives lock lifecycle events. Implementations must be safe for
// concurrent use and must not call back into the reporting Lock, other than
// through its snapshot and introspection methods.
type Reporter interface {
	// RecordLockWait is called when tid starts blocking on l.
	RecordLockWait(l *Lock, tid uint64)

	// RecordLockWaitDone is called when tid stops blocking on l, whether
	// or not the acquisition succeeded.
	RecordLockWaitDone(l *Lock, tid uint64)

	// RecordLockAcquisition is called after tid acquires l. waited is the
	// time tid spent blocked, zero for uncontended acquisitions.
	RecordLockAcquisition(l *Lock, tid uint64, waited time.Duration)

	// RecordLockRelease is called after tid fully releases l.
	RecordLockRelease(l *Lock, tid uint64)
}

// Lock is a named, typed, instrumented lock.
type Lock struct {
	id      uint64
	name    string
	kind    Kind
	created time.Time

	// reporter may be nil, in which case events are simply not reported.
	reporter Reporter

	// v is the state word for the Exclusive, Reentrant and Spin kinds:
	// 1 free, 0 held, negative held-and-contended. ch carries wakeups to
	// blocked waiters; it never holds more than one token.
	v  int32
	ch chan struct{}

	// mu guards the fields below. It is never held while blocking on the
	// state word or the gate.
	mu sync.Mutex

	// held/holder/depth track write-side ownership. depth is only
	// meaningful for the Reentrant kind.
	held   bool
	holder uint64
	depth  int

	// readers maps a goroutine id to its read-side hold count, and gate is
	// the broadcast channel read/write waiters of the ReadWrite kind block
	// on. Both stay nil for other kinds.
	readers map[uint64]int
	gate    chan struct{}

	// waiters is the arrival-ordered list of goroutines currently blocked
	// on this lock. A goroutine appears here only while it is blocked.
	waiters []uint64

	acquisitions int64
	totalWait    time.Duration
}

// New returns a new Lock. The id must be unique among all locks reporting to
// the same Reporter; the Monitor's CreateLock allocates ids and should be
// preferred over calling New directly.
func New(id uint64, name string, kind Kind, r Reporter) *Lock {
	return &Lock{
		id:       id,
		name:     name,
		kind:     kind,
		created:  time.Now(),
		reporter: r,
		v:        1,
		ch:       make(chan struct{}, 1),
	}
}

// ID returns the lock id.
func (l *Lock) ID() uint64 {
	return l.id
}

// Name returns the display name.
func (l *Lock) Name() string {
	return l.name
}

// Kind returns the lock kind.
func (l *Lock) Kind() Kind {
	return l.kind
}

// Lock acquires the lock, blocking until it is available.
func (l *Lock) Lock() {
	l.lock(true, 0)
}

// TryLock attempts to acquire the lock without blocking. It returns false if
// the lock is currently held by another goroutine.
func (l *Lock) TryLock() bool {
	return l.lock(false, 0)
}

// TryLockFor acquires the lock, giving up after timeout. A non-positive
// timeout is an immediate try.
func (l *Lock) TryLockFor(timeout time.Duration) bool {
	if timeout <= 0 {
		return l.lock(false, 0)
	}
	return l.lock(true, timeout)
}

// lock implements the acquisition contract: blocking=false returns
// immediately, timeout=0 with blocking=true waits forever.
func (l *Lock) lock(blocking bool, timeout time.Duration) bool {
	tid := goid.Get()

	if l.kind == Reentrant && l.reacquire(tid) {
		return true
	}
	if l.kind == ReadWrite {
		return l.wlock(tid, blocking, timeout)
	}

	// Uncontended case.
	if atomic.CompareAndSwapInt32(&l.v, 1, 0) {
		l.finishAcquire(tid, 0)
		return true
	}
	if !blocking {
		return false
	}

	start := time.Now()
	l.addWaiter(tid)
	var ok bool
	if l.kind == Spin {
		ok = l.spinLock(timeout)
	} else {
		ok = l.engineLock(timeout)
	}
	l.removeWaiter(tid)
	if !ok {
		return false
	}
	l.finishAcquire(tid, time.Since(start))
	return true
}

// engineLock is the contended path for the sleeping kinds. A waiter marks the
// state word negative so that the holder knows to send a wakeup on release.
func (l *Lock) engineLock(timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		// Try to acquire, at the same time making sure that v is
		// negative, which forces the holder to wake someone up when it
		// releases the lock.
		if v := atomic.LoadInt32(&l.v); v >= 0 && atomic.SwapInt32(&l.v, -1) == 1 {
			return true
		}

		select {
		case <-l.ch:
		case <-expired:
			// One final attempt; a release may have raced with the
			// timer. A wakeup we fail to use here is resent by the
			// next release, so nothing is lost.
			if v := atomic.LoadInt32(&l.v); v >= 0 && atomic.SwapInt32(&l.v, -1) == 1 {
				return true
			}
			return false
		}
	}
}

// spinLock busy-waits for the state word, yielding the processor between
// attempts.
func (l *Lock) spinLock(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if atomic.CompareAndSwapInt32(&l.v, 1, 0) {
			return true
		}
		if timeout > 0 && time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
	}
}

// reacquire handles nested acquisition by the current holder of a Reentrant
// lock. It never blocks.
func (l *Lock) reacquire(tid uint64) bool {
	l.mu.Lock()
	if !l.held || l.holder != tid {
		l.mu.Unlock()
		return false
	}
	l.depth++
	l.acquisitions++
	l.mu.Unlock()
	if l.reporter != nil {
		l.reporter.RecordLockAcquisition(l, tid, 0)
	}
	return true
}

func (l *Lock) finishAcquire(tid uint64, waited time.Duration) {
	l.mu.Lock()
	l.held = true
	l.holder = tid
	l.depth = 1
	l.acquisitions++
	l.totalWait += waited
	l.mu.Unlock()
	if l.reporter != nil {
		l.reporter.RecordLockAcquisition(l, tid, waited)
	}
}

// Unlock releases the lock. Unlocking a lock the caller does not hold is a
// logged no-op, not a fault: the monitor exists to surface misuse, not to
// crash the host on it. For the ReadWrite kind, Unlock releases whichever
// side the caller holds.
func (l *Lock) Unlock() {
	tid := goid.Get()

	if l.kind == ReadWrite {
		l.wunlock(tid)
		return
	}

	l.mu.Lock()
	if !l.held || l.holder != tid {
		l.mu.Unlock()
		misuseLog().Warningf("unlock of %s lock %q (id %d) by goroutine %d, which does not hold it", l.kind, l.name, l.id, tid)
		return
	}
	if l.kind == Reentrant && l.depth > 1 {
		l.depth--
		l.mu.Unlock()
		return
	}
	l.held = false
	l.holder = 0
	l.depth = 0
	l.mu.Unlock()

	if l.kind == Spin {
		atomic.StoreInt32(&l.v, 1)
	} else {
		l.engineUnlock()
	}
	if l.reporter != nil {
		l.reporter.RecordLockRelease(l, tid)
	}
}

func (l *Lock) engineUnlock() {
	if atomic.SwapInt32(&l.v, 1) == 0 {
		// There were no pending waiters.
		return
	}

	// Wake some waiter up.
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

func (l *Lock) addWaiter(tid uint64) {
	l.mu.Lock()
	l.waiters = append(l.waiters, tid)
	l.mu.Unlock()
	if l.reporter != nil {
		l.reporter.RecordLockWait(l, tid)
	}
}

func (l *Lock) removeWaiter(tid uint64) {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == tid {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	if l.reporter != nil {
		l.reporter.RecordLockWaitDone(l, tid)
	}
}

// IsLocked returns whether the lock is currently held by anyone.
func (l *Lock) IsLocked() bool {
	if l.kind == ReadWrite {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.held || len(l.readers) > 0
	}
	return atomic.LoadInt32(&l.v) < 1
}

// IsOwnedByCurrent returns whether the calling goroutine holds the lock, on
// either side for the ReadWrite kind.
func (l *Lock) IsOwnedByCurrent() bool {
	tid := goid.Get()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && l.holder == tid {
		return true
	}
	return l.readers[tid] > 0
}

// Holder returns the goroutine id of the current write-side holder.
func (l *Lock) Holder() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0, false
	}
	return l.holder, true
}

// Waiters returns the goroutines currently blocked on this lock, in arrival
// order.
func (l *Lock) Waiters() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, len(l.waiters))
	copy(out, l.waiters)
	return out
}

// Stats are cumulative per-lock counters.
type Stats struct {
	// Acquisitions counts successful acquisitions, including reentrant
	// ones.
	Acquisitions int64 `json:"acquisitions"`

	// TotalWait is the summed time acquirers spent blocked.
	TotalWait time.Duration `json:"total_wait_ns"`
}

// Stats returns the cumulative counters.
func (l *Lock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Acquisitions: l.acquisitions, TotalWait: l.totalWait}
}

// Snapshot is a copy of a lock's observable state at one instant, safe to
// inspect while the lock keeps moving.
type Snapshot struct {
	ID      uint64    `json:"id"`
	Name    string    `json:"name"`
	Kind    Kind      `json:"kind"`
	Created time.Time `json:"created"`

	Held    bool     `json:"held"`
	Holder  uint64   `json:"holder,omitempty"`
	Depth   int      `json:"depth,omitempty"`
	Readers []uint64 `json:"readers,omitempty"`
	Waiters []uint64 `json:"waiters,omitempty"`

	Stats Stats `json:"stats"`
}

// Snapshot captures the current state.
func (l *Lock) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		ID:      l.id,
		Name:    l.name,
		Kind:    l.kind,
		Created: l.created,
		Held:    l.held,
		Depth:   l.depth,
		Stats:   Stats{Acquisitions: l.acquisitions, TotalWait: l.totalWait},
	}
	if l.held {
		s.Holder = l.holder
	}
	if len(l.readers) > 0 {
		s.Readers = make([]uint64, 0, len(l.readers))
		for tid := range l.readers {
			s.Readers = append(s.Readers, tid)
		}
	}
	if len(l.waiters) > 0 {
		s.Waiters = make([]uint64, len(l.waiters))
		copy(s.Waiters, l.waiters)
	}
	return s
}

// misuseLog rate-limits release-without-hold warnings, which tend to repeat
// from the same broken call site.
var misuseLog = sync.OnceValue(func() log.Logger {
	return log.BasicRateLimitedLogger(30 * time.Second)
})
