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

package monitor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lockvisor.dev/lockvisor/pkg/goid"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/test/testutil"
)

// findThread returns the registry snapshot for tid, failing the test if the
// thread is unknown.
func findThread(t *testing.T, m *Monitor, tid uint64) ThreadSnapshot {
	t.Helper()
	for _, s := range m.ThreadSnapshots() {
		if s.ID == tid {
			return s
		}
	}
	t.Fatalf("thread %d not in registry", tid)
	return ThreadSnapshot{}
}

func TestCreateLock(t *testing.T) {
	m := New(Options{})
	a := m.CreateLock("a", lock.Exclusive)
	b := m.CreateLock("b", lock.ReadWrite)
	if a.ID() == b.ID() {
		t.Errorf("locks share id %d", a.ID())
	}
	if got := m.Statistics().TotalLocks; got != 2 {
		t.Errorf("TotalLocks = %d, want 2", got)
	}
	snaps := m.LockSnapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].ID > snaps[1].ID {
		t.Errorf("snapshots out of order: %d before %d", snaps[0].ID, snaps[1].ID)
	}
}

func TestRegisterThread(t *testing.T) {
	m := New(Options{})
	tid := m.RegisterThread("worker")
	if tid != goid.Get() {
		t.Errorf("RegisterThread returned %d, goid says %d", tid, goid.Get())
	}
	s := findThread(t, m, tid)
	if s.Name != "worker" {
		t.Errorf("name = %q, want %q", s.Name, "worker")
	}
	if s.State != ThreadRunning {
		t.Errorf("state = %v, want running", s.State)
	}

	// Registering again renames without creating a second record.
	m.RegisterThread("renamed")
	if got := m.Statistics().TotalThreads; got != 1 {
		t.Errorf("TotalThreads = %d, want 1", got)
	}
	if s := findThread(t, m, tid); s.Name != "renamed" {
		t.Errorf("name = %q, want %q", s.Name, "renamed")
	}
}

func TestLockEventsDriveRegistry(t *testing.T) {
	m := New(Options{})
	l := m.CreateLock("db", lock.Exclusive)
	tid := goid.Get()

	l.Lock()
	s := findThread(t, m, tid)
	if len(s.Held) != 1 || s.Held[0] != l.ID() {
		t.Errorf("held = %v, want [%d]", s.Held, l.ID())
	}

	ids := make(chan uint64, 1)
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		ids <- goid.Get()
		l.Lock()
		<-release
		l.Unlock()
		close(done)
	}()
	btid := <-ids

	// The contender must show up blocked on the lock.
	if err := testutil.Poll(func() error {
		s := findThread(t, m, btid)
		if s.State != ThreadBlocked {
			return fmt.Errorf("state %v", s.State)
		}
		if len(s.Awaited) != 1 || s.Awaited[0] != l.ID() {
			return fmt.Errorf("awaited %v", s.Awaited)
		}
		return nil
	}, time.Second); err != nil {
		t.Fatalf("contender never blocked: %v", err)
	}

	l.Unlock()
	if err := testutil.Poll(func() error {
		s := findThread(t, m, btid)
		if s.State != ThreadRunning || len(s.Awaited) != 0 || len(s.Held) != 1 {
			return fmt.Errorf("state %v held %v awaited %v", s.State, s.Held, s.Awaited)
		}
		return nil
	}, time.Second); err != nil {
		t.Fatalf("contender never acquired: %v", err)
	}
	close(release)
	<-done

	if s := findThread(t, m, tid); len(s.Held) != 0 {
		t.Errorf("releaser still holds %v", s.Held)
	}
}

func TestStartStop(t *testing.T) {
	m := New(Options{Interval: 5 * time.Millisecond, DiscoverGoroutines: false})
	m.Start()
	defer m.Stop()

	if err := testutil.Poll(func() error {
		if m.Statistics().MonitoringPasses == 0 {
			return fmt.Errorf("no passes yet")
		}
		return nil
	}, time.Second); err != nil {
		t.Fatalf("monitor never ran a pass: %v", err)
	}

	// A second Start must not spawn a second loop.
	m.Start()
	m.Stop()

	frozen := m.Statistics().MonitoringPasses
	time.Sleep(50 * time.Millisecond)
	if got := m.Statistics().MonitoringPasses; got != frozen {
		t.Errorf("passes advanced from %d to %d after Stop", frozen, got)
	}

	// Stopping again is a no-op, and the monitor restarts cleanly.
	m.Stop()
	m.Start()
	if err := testutil.Poll(func() error {
		if m.Statistics().MonitoringPasses == frozen {
			return fmt.Errorf("no pass since restart")
		}
		return nil
	}, time.Second); err != nil {
		t.Fatalf("monitor did not restart: %v", err)
	}
}

type panicDetector struct{}

func (panicDetector) Scan() []*RaceEvent { panic("scan exploded") }

func TestPassPanicDoesNotKillLoop(t *testing.T) {
	m := New(Options{
		Interval:       5 * time.Millisecond,
		FailureBackoff: 5 * time.Millisecond,
		RaceDetection:  true,
	})
	m.SetRaceDetector(panicDetector{})
	m.Start()
	defer m.Stop()

	if err := testutil.Poll(func() error {
		if m.Statistics().MonitoringPasses < 3 {
			return fmt.Errorf("only %d passes", m.Statistics().MonitoringPasses)
		}
		return nil
	}, 2*time.Second); err != nil {
		t.Fatalf("loop died after a panicking pass: %v", err)
	}

	// With the detector gone the loop keeps going at normal cadence.
	m.SetRaceDetector(nil)
	before := m.Statistics().MonitoringPasses
	if err := testutil.Poll(func() error {
		if m.Statistics().MonitoringPasses <= before {
			return fmt.Errorf("no passes since detector reset")
		}
		return nil
	}, time.Second); err != nil {
		t.Fatalf("loop did not recover: %v", err)
	}
}

func TestRaceEvents(t *testing.T) {
	m := New(Options{})

	var seen []*RaceEvent
	m.AddRaceHandler(RaceHandlerFunc(func(ev *RaceEvent) { seen = append(seen, ev) }))
	// A panicking handler must not take the later ones down with it.
	m.AddRaceHandler(RaceHandlerFunc(func(ev *RaceEvent) { panic("handler bug") }))
	var last *RaceEvent
	m.AddRaceHandler(RaceHandlerFunc(func(ev *RaceEvent) { last = ev }))

	m.RecordRaceEvent(&RaceEvent{Resource: "cache", Description: "unsynchronized write"})
	m.RecordRaceEvent(nil)

	events := m.RaceEvents()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].ID == 0 || events[0].Time.IsZero() {
		t.Errorf("event not stamped: id=%d time=%v", events[0].ID, events[0].Time)
	}
	if got := m.Statistics().TotalRaceEvents; got != 1 {
		t.Errorf("TotalRaceEvents = %d, want 1", got)
	}
	if len(seen) != 1 || last != events[0] {
		t.Errorf("handlers saw %d/%v, want the recorded event", len(seen), last)
	}
}

type fixedDetector struct {
	events []*RaceEvent
}

func (d *fixedDetector) Scan() []*RaceEvent {
	evs := d.events
	d.events = nil
	return evs
}

func TestRaceDetectorPolled(t *testing.T) {
	m := New(Options{
		Interval:          5 * time.Millisecond,
		RaceDetection:     true,
		DeadlockDetection: true,
	})
	m.SetRaceDetector(&fixedDetector{events: []*RaceEvent{
		{Resource: "buf", Description: "write/write"},
	}})
	m.Start()
	defer m.Stop()

	if err := testutil.Poll(func() error {
		if len(m.RaceEvents()) != 1 {
			return fmt.Errorf("%d events", len(m.RaceEvents()))
		}
		return nil
	}, time.Second); err != nil {
		t.Fatalf("detector events never recorded: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	m := New(Options{})
	first := m.CreateLock("a", lock.Exclusive)
	m.RegisterThread("me")
	m.RecordRaceEvent(&RaceEvent{Resource: "x"})
	if err := m.Atomic([]string{"r"}, func() error { return nil }); err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	m.Cleanup()

	if got := m.Statistics(); got != (Statistics{}) {
		t.Errorf("counters not reset: %+v", got)
	}
	if n := len(m.LockSnapshots()); n != 0 {
		t.Errorf("%d locks survived cleanup", n)
	}
	if n := len(m.ThreadSnapshots()); n != 0 {
		t.Errorf("%d threads survived cleanup", n)
	}
	if n := len(m.RaceEvents()); n != 0 {
		t.Errorf("%d race events survived cleanup", n)
	}
	if n := len(m.AtomicRecords()); n != 0 {
		t.Errorf("%d atomic records survived cleanup", n)
	}

	// Ids keep counting so pre- and post-cleanup records cannot collide.
	if l := m.CreateLock("b", lock.Exclusive); l.ID() <= first.ID() {
		t.Errorf("lock id %d reused after cleanup (had %d)", l.ID(), first.ID())
	}
}

func TestThreadStateJSON(t *testing.T) {
	for state, want := range map[ThreadState]string{
		ThreadRunning:    `"running"`,
		ThreadWaiting:    `"waiting"`,
		ThreadBlocked:    `"blocked"`,
		ThreadTerminated: `"terminated"`,
	} {
		b, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", state, err)
		}
		if string(b) != want {
			t.Errorf("Marshal(%v) = %s, want %s", state, b, want)
		}
		var back ThreadState
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", b, err)
		}
		if back != state {
			t.Errorf("round trip %v -> %v", state, back)
		}
	}
	if _, err := json.Marshal(ThreadState(42)); err == nil {
		t.Error("marshalling an invalid state succeeded")
	}
}

func TestParseGoroutineDump(t *testing.T) {
	dump := []byte("goroutine 1 [running]:\n" +
		"main.main()\n" +
		"\t/src/main.go:10 +0x20\n" +
		"\n" +
		"goroutine 18 [chan receive, 2 minutes]:\n" +
		"main.worker(0xc000021e00)\n" +
		"\t/src/main.go:42 +0x65\n" +
		"\n" +
		"goroutine 25 [sync.Mutex.Lock]:\n" +
		"main.locker()\n" +
		"\t/src/main.go:50 +0x11\n")

	want := map[uint64]liveGoroutine{
		1:  {state: ThreadRunning, top: "main.main"},
		18: {state: ThreadWaiting, top: "main.worker"},
		25: {state: ThreadBlocked, top: "main.locker"},
	}
	got := parseGoroutineDump(dump)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(liveGoroutine{})); diff != "" {
		t.Errorf("parse mismatch (-want +got):\n%s", diff)
	}
}

func TestStateForWaitReason(t *testing.T) {
	for reason, want := range map[string]ThreadState{
		"running":         ThreadRunning,
		"runnable":        ThreadRunning,
		"syscall":         ThreadRunning,
		"chan receive":    ThreadWaiting,
		"select":          ThreadWaiting,
		"sleep":           ThreadWaiting,
		"IO wait":         ThreadWaiting,
		"sync.Mutex.Lock": ThreadBlocked,
		"semacquire":      ThreadBlocked,
		"sync.Cond.Wait":  ThreadBlocked,
	} {
		if got := stateForWaitReason(reason); got != want {
			t.Errorf("stateForWaitReason(%q) = %v, want %v", reason, got, want)
		}
	}
}

func TestRefreshMarksTerminated(t *testing.T) {
	m := New(Options{})
	me := m.RegisterThread("alive")

	ids := make(chan uint64, 1)
	go func() {
		ids <- m.RegisterThread("ephemeral")
	}()
	gone := <-ids

	if err := testutil.Poll(func() error {
		m.refreshThreads()
		if s := findThread(t, m, gone); s.State != ThreadTerminated {
			return fmt.Errorf("ephemeral thread still %v", s.State)
		}
		return nil
	}, 2*time.Second); err != nil {
		t.Fatalf("exited goroutine never marked terminated: %v", err)
	}

	if s := findThread(t, m, me); s.State == ThreadTerminated {
		t.Error("live goroutine marked terminated")
	}
}

func TestDiscoverGoroutines(t *testing.T) {
	m := New(Options{DiscoverGoroutines: true})

	ids := make(chan uint64, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ids <- goid.Get()
		<-stop
	}()
	tid := <-ids

	if err := testutil.Poll(func() error {
		m.refreshThreads()
		for _, s := range m.ThreadSnapshots() {
			if s.ID == tid {
				if s.State != ThreadWaiting {
					return fmt.Errorf("state %v, want waiting", s.State)
				}
				return nil
			}
		}
		return fmt.Errorf("goroutine %d not discovered", tid)
	}, 2*time.Second); err != nil {
		t.Fatal(err)
	}
}
