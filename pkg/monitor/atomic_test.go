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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lockvisor.dev/lockvisor/pkg/sync"
)

func TestAtomicRunsWithLocksHeld(t *testing.T) {
	m := New(Options{})
	ran := false
	err := m.Atomic([]string{"accounts", "audit"}, func() error {
		ran = true
		for _, name := range []string{"accounts", "audit"} {
			if !m.resourceLock(name).IsOwnedByCurrent() {
				t.Errorf("resource %q not held inside the section", name)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if !ran {
		t.Fatal("work never ran")
	}
	for _, name := range []string{"accounts", "audit"} {
		if m.resourceLock(name).IsLocked() {
			t.Errorf("resource %q still locked after the section", name)
		}
	}

	recs := m.AtomicRecords()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if diff := cmp.Diff([]string{"accounts", "audit"}, recs[0].Resources); diff != "" {
		t.Errorf("record resources (-want +got):\n%s", diff)
	}
	if got := m.Statistics().TotalAtomicOps; got != 1 {
		t.Errorf("TotalAtomicOps = %d, want 1", got)
	}
}

func TestAtomicErrorPassthrough(t *testing.T) {
	m := New(Options{})
	sentinel := errors.New("ledger out of balance")
	err := m.Atomic([]string{"ledger"}, func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("got %v, want the work error unchanged", err)
	}
	if m.resourceLock("ledger").IsLocked() {
		t.Error("resource still locked after failed work")
	}
	recs := m.AtomicRecords()
	if len(recs) != 1 || recs[0].Err == "" {
		t.Errorf("record = %+v, want one entry carrying the error", recs)
	}
}

func TestAtomicReleasesOnPanic(t *testing.T) {
	m := New(Options{})
	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic did not propagate")
			}
		}()
		m.Atomic([]string{"a", "b"}, func() error { panic("boom") })
	}()
	for _, name := range []string{"a", "b"} {
		if m.resourceLock(name).IsLocked() {
			t.Errorf("resource %q leaked its lock through the panic", name)
		}
	}
}

func TestAtomicNoWork(t *testing.T) {
	m := New(Options{})
	if err := m.RunAtomic(AtomicOperation{Resources: []string{"x"}}); err == nil {
		t.Error("RunAtomic accepted an operation without work")
	}
}

func TestAtomicOrderingPreventsDeadlock(t *testing.T) {
	m := New(Options{})
	const iters = 200
	var total sync.Counter
	var wg sync.WaitGroup

	// Opposite declaration orders on every iteration. Sorted acquisition
	// means the two goroutines can never wedge each other.
	run := func(resources []string) {
		defer wg.Done()
		for i := 0; i < iters; i++ {
			err := m.Atomic(resources, func() error {
				total.Increment()
				return nil
			})
			if err != nil {
				t.Errorf("Atomic(%v): %v", resources, err)
				return
			}
		}
	}
	wg.Add(2)
	go run([]string{"x", "y"})
	go run([]string{"y", "x"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("atomic sections wedged")
	}
	if got := total.Load(); got != 2*iters {
		t.Errorf("ran %d sections, want %d", got, 2*iters)
	}
}

func TestAtomicReentrantNesting(t *testing.T) {
	m := New(Options{})
	err := m.Atomic([]string{"outer", "shared"}, func() error {
		return m.Atomic([]string{"shared"}, func() error { return nil })
	})
	if err != nil {
		t.Fatalf("nested section failed: %v", err)
	}
	if m.resourceLock("shared").IsLocked() {
		t.Error("shared resource still locked")
	}
}

func TestAtomicTimeoutAndRetries(t *testing.T) {
	m := New(Options{})
	busy := m.resourceLock("busy")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		busy.Lock()
		close(held)
		<-release
		busy.Unlock()
		close(done)
	}()
	<-held

	start := time.Now()
	err := m.RunAtomic(AtomicOperation{
		Resources: []string{"busy"},
		Work:      func() error { return nil },
		Timeout:   10 * time.Millisecond,
		Retries:   1,
	})
	if !errors.Is(err, ErrTooManyRetries) {
		t.Fatalf("got %v, want ErrTooManyRetries", err)
	}
	// Two acquisition rounds at 10ms each, plus one backoff sleep.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("gave up after %v, too fast for 2 attempts", elapsed)
	}
	if len(m.AtomicRecords()) != 0 {
		t.Error("failed operation left a record")
	}

	close(release)
	<-done
	if err := m.RunAtomic(AtomicOperation{
		Resources: []string{"busy"},
		Work:      func() error { return nil },
		Timeout:   time.Second,
	}); err != nil {
		t.Fatalf("section failed after resource freed: %v", err)
	}
}

func TestCanonicalResources(t *testing.T) {
	got := canonicalResources([]string{"b", "a", "b", "c", "a"})
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("canonicalResources (-want +got):\n%s", diff)
	}
	if got := canonicalResources(nil); len(got) != 0 {
		t.Errorf("canonicalResources(nil) = %v, want empty", got)
	}
}
