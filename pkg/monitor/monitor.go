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

// Package monitor tracks locks and goroutines at runtime and watches them
// for trouble. A Monitor hands out instrumented locks via CreateLock, keeps
// a registry of the goroutines using them, and runs a periodic pass that
// walks the wait-for graph looking for deadlocks, polls the race detector,
// and reconciles the registry with the goroutines that actually exist.
//
// The zero Monitor is not usable; construct one with New. A typical setup:
//
//	m := monitor.New(monitor.DefaultOptions())
//	m.Start()
//	defer m.Stop()
//
//	mu := m.CreateLock("accounts", lock.Exclusive)
package monitor

import (
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/sync"
)

// Options configures a Monitor.
type Options struct {
	// Interval is the time between monitoring passes.
	Interval time.Duration

	// FailureBackoff is how long to wait before the next pass after one
	// fails. It replaces Interval only for the pass immediately following
	// the failure.
	FailureBackoff time.Duration

	// JoinTimeout bounds how long Stop waits for the monitoring goroutine
	// to exit.
	JoinTimeout time.Duration

	// DeadlockDetection enables the wait-for-graph pass.
	DeadlockDetection bool

	// RaceDetection enables polling the configured race detector.
	RaceDetection bool

	// DiscoverGoroutines registers goroutines found in stack dumps that
	// were never explicitly registered.
	DiscoverGoroutines bool

	// CaptureStacks records a stack snapshot when a thread registers.
	CaptureStacks bool

	// Deduplicate suppresses a deadlock event when the same cycle was
	// already reported by the previous pass.
	Deduplicate bool
}

// DefaultOptions returns the options used by the lockmon tooling.
func DefaultOptions() Options {
	return Options{
		Interval:           time.Second,
		FailureBackoff:     5 * time.Second,
		JoinTimeout:        5 * time.Second,
		DeadlockDetection:  true,
		RaceDetection:      true,
		DiscoverGoroutines: true,
	}
}

// Monitor owns the lock and thread registries and the periodic checks over
// them. It implements lock.Reporter, so locks created through CreateLock
// feed their acquire and release events straight back into the registries.
//
// All methods are safe for concurrent use.
type Monitor struct {
	opts Options

	lockSeq     sync.Counter
	deadlockSeq sync.Counter
	raceSeq     sync.Counter
	atomicSeq   sync.Counter

	locks   sync.Map[uint64, *lock.Lock]
	threads sync.Map[uint64, *ThreadInfo]

	deadlocks sync.List[*DeadlockEvent]
	races     sync.List[*RaceEvent]
	atomicOps sync.List[AtomicRecord]

	deadlockHandlers sync.List[DeadlockHandler]
	raceHandlers     sync.List[RaceHandler]

	counters counters

	// mu guards the fields below.
	mu           sync.Mutex
	running      bool
	stop         chan struct{}
	done         chan struct{}
	resolver     Resolver
	raceDetector RaceDetector
	atomicLocks  map[string]*lock.Lock

	// activeCycles is only touched by the monitoring goroutine and by
	// Cleanup after that goroutine has exited.
	activeCycles map[string]bool
}

// New creates a stopped Monitor. Zero durations in opts fall back to the
// defaults; the boolean switches are taken as given.
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = 5 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}
	return &Monitor{
		opts:         opts,
		resolver:     LogResolver{},
		raceDetector: noopRaceDetector{},
		atomicLocks:  make(map[string]*lock.Lock),
		activeCycles: make(map[string]bool),
	}
}

// CreateLock allocates a new instrumented lock registered with this monitor.
// Lock ids are unique for the life of the monitor, including across Cleanup.
func (m *Monitor) CreateLock(name string, kind lock.Kind) *lock.Lock {
	id := uint64(m.lockSeq.Increment())
	l := lock.New(id, name, kind, m)
	m.locks.Store(id, l)
	m.counters.locks.Increment()
	log.Debugf("created %v lock %q (id %d)", kind, name, id)
	return l
}

// LockSnapshots returns a copy of every registered lock's state, ordered
// by id.
func (m *Monitor) LockSnapshots() []lock.Snapshot {
	out := make([]lock.Snapshot, 0, m.locks.Len())
	m.locks.Range(func(_ uint64, l *lock.Lock) bool {
		out = append(out, l.Snapshot())
		return true
	})
	// Map iteration order is random; reports and tests want stable output.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordLockWait implements lock.Reporter.RecordLockWait.
func (m *Monitor) RecordLockWait(l *lock.Lock, tid uint64) {
	m.threadFor(tid).addAwaited(l.ID())
}

// RecordLockWaitDone implements lock.Reporter.RecordLockWaitDone.
func (m *Monitor) RecordLockWaitDone(l *lock.Lock, tid uint64) {
	m.threadFor(tid).removeAwaited(l.ID())
}

// RecordLockAcquisition implements lock.Reporter.RecordLockAcquisition.
func (m *Monitor) RecordLockAcquisition(l *lock.Lock, tid uint64, waited time.Duration) {
	m.threadFor(tid).addHeld(l.ID())
	if waited > 0 {
		log.Debugf("goroutine %d acquired lock %q after %v", tid, l.Name(), waited)
	}
}

// RecordLockRelease implements lock.Reporter.RecordLockRelease.
func (m *Monitor) RecordLockRelease(l *lock.Lock, tid uint64) {
	m.threadFor(tid).removeHeld(l.ID())
}

// SetResolver replaces the deadlock resolution policy. The default is
// LogResolver.
func (m *Monitor) SetResolver(r Resolver) {
	if r == nil {
		r = LogResolver{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = r
}

func (m *Monitor) currentResolver() Resolver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver
}

// Start launches the monitoring goroutine. Starting a running monitor is
// a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		log.Debugf("monitor already running")
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	log.Infof("concurrency monitor started, interval %v", m.opts.Interval)
}

// Stop halts the monitoring goroutine and waits for it to exit, up to
// JoinTimeout. Stopping a stopped monitor is a no-op. Registries and
// counters are kept; use Cleanup to clear them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	select {
	case <-done:
		log.Infof("concurrency monitor stopped")
	case <-time.After(m.opts.JoinTimeout):
		log.Warningf("monitoring goroutine failed to exit within %v", m.opts.JoinTimeout)
	}
}

// Cleanup stops the monitor and clears every registry, event log and
// counter. Lock and event ids keep counting up so records from before and
// after a Cleanup can never collide.
func (m *Monitor) Cleanup() {
	m.Stop()

	m.locks.Reset()
	m.threads.Reset()
	m.deadlocks.Reset()
	m.races.Reset()
	m.atomicOps.Reset()
	m.counters.reset()

	m.mu.Lock()
	m.atomicLocks = make(map[string]*lock.Lock)
	m.activeCycles = make(map[string]bool)
	m.mu.Unlock()
	log.Infof("monitor state cleared")
}

func (m *Monitor) loop(stop, done chan struct{}) {
	defer close(done)

	retry := backoff.NewConstantBackOff(m.opts.FailureBackoff)
	for {
		delay := m.opts.Interval
		if !m.runPass() {
			delay = retry.NextBackOff()
		}
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

// runPass executes one monitoring pass. A panic anywhere in the pass is
// contained here so one bad pass cannot kill the loop.
func (m *Monitor) runPass() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			log.Warningf("monitoring pass failed: %v, retrying in %v", r, m.opts.FailureBackoff)
		}
	}()

	m.counters.passes.Increment()
	if m.opts.DeadlockDetection {
		m.detectDeadlocks()
	}
	if m.opts.RaceDetection {
		m.pollRaceDetector()
	}
	m.refreshThreads()
	return true
}

// DeadlockHandler is notified of each reported deadlock.
type DeadlockHandler interface {
	OnDeadlock(ev *DeadlockEvent)
}

// DeadlockHandlerFunc adapts a function to DeadlockHandler.
type DeadlockHandlerFunc func(ev *DeadlockEvent)

// OnDeadlock implements DeadlockHandler.OnDeadlock.
func (f DeadlockHandlerFunc) OnDeadlock(ev *DeadlockEvent) { f(ev) }

// RaceHandler is notified of each recorded race event.
type RaceHandler interface {
	OnRace(ev *RaceEvent)
}

// RaceHandlerFunc adapts a function to RaceHandler.
type RaceHandlerFunc func(ev *RaceEvent)

// OnRace implements RaceHandler.OnRace.
func (f RaceHandlerFunc) OnRace(ev *RaceEvent) { f(ev) }

// AddDeadlockHandler registers h to run on every reported deadlock.
// Handlers cannot be removed.
func (m *Monitor) AddDeadlockHandler(h DeadlockHandler) {
	m.deadlockHandlers.Append(h)
}

// AddRaceHandler registers h to run on every recorded race event.
// Handlers cannot be removed.
func (m *Monitor) AddRaceHandler(h RaceHandler) {
	m.raceHandlers.Append(h)
}

func (m *Monitor) notifyDeadlock(ev *DeadlockEvent) {
	// Snapshot first: a handler may legally register more handlers.
	for _, h := range m.deadlockHandlers.Snapshot() {
		notifyOne(func() { h.OnDeadlock(ev) }, "deadlock")
	}
}

func (m *Monitor) notifyRace(ev *RaceEvent) {
	for _, h := range m.raceHandlers.Snapshot() {
		notifyOne(func() { h.OnRace(ev) }, "race")
	}
}

// notifyOne shields the monitor from handler panics. A handler that blows
// up loses its notification, nothing else.
func notifyOne(fn func(), kind string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warningf("%s handler panicked: %v", kind, r)
		}
	}()
	fn()
}
