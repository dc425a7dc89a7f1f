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
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"lockvisor.dev/lockvisor/pkg/cleanup"
	"lockvisor.dev/lockvisor/pkg/goid"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/log"
)

// ErrTooManyRetries is returned when an atomic operation runs out of lock
// acquisition attempts.
var ErrTooManyRetries = errors.New("lock acquisition attempts exhausted")

// AtomicOperation describes a multi-resource critical section for RunAtomic.
type AtomicOperation struct {
	// Resources names the resources the section needs. Order and
	// duplicates do not matter; acquisition always happens in sorted
	// order so two sections can never deadlock each other.
	Resources []string

	// Work runs once all resource locks are held.
	Work func() error

	// Timeout bounds each individual lock acquisition. Zero means block
	// until acquired.
	Timeout time.Duration

	// Retries is how many more full acquisition rounds to attempt after
	// one times out. Meaningless when Timeout is zero.
	Retries int
}

// AtomicRecord is the registry entry for one executed atomic operation.
type AtomicRecord struct {
	ID        uint64        `json:"id"`
	Owner     uint64        `json:"owner"`
	Resources []string      `json:"resources"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration_ns"`
	Err       string        `json:"error,omitempty"`
}

// Atomic runs fn while holding the locks for all named resources. It is
// shorthand for RunAtomic with no timeout.
func (m *Monitor) Atomic(resources []string, fn func() error) error {
	return m.RunAtomic(AtomicOperation{Resources: resources, Work: fn})
}

// RunAtomic acquires every resource lock named by op, runs op.Work, and
// releases the locks again no matter how Work returns, panics included.
// Resource locks are reentrant, so nesting sections over overlapping
// resources from one goroutine is fine.
//
// Work's error is returned as-is so callers can errors.Is against their
// own sentinels.
func (m *Monitor) RunAtomic(op AtomicOperation) error {
	if op.Work == nil {
		return errors.New("atomic operation without a work function")
	}
	id := uint64(m.atomicSeq.Increment())
	resources := canonicalResources(op.Resources)
	locks := make([]*lock.Lock, len(resources))
	for i, name := range resources {
		locks[i] = m.resourceLock(name)
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = 250 * time.Millisecond
	retry.MaxElapsedTime = 0

	var cu cleanup.Cleanup
	for attempt := 0; ; attempt++ {
		var ok bool
		if cu, ok = acquireAll(locks, op.Timeout); ok {
			break
		}
		if attempt >= op.Retries {
			log.Warningf("atomic operation %d on %v gave up after %d attempts", id, resources, attempt+1)
			return fmt.Errorf("atomic operation %d on %v: %w", id, resources, ErrTooManyRetries)
		}
		delay := retry.NextBackOff()
		log.Debugf("atomic operation %d: acquisition timed out, retrying in %v", id, delay)
		time.Sleep(delay)
	}
	defer cu.Clean()

	rec := AtomicRecord{
		ID:        id,
		Owner:     goid.Get(),
		Resources: resources,
		Start:     time.Now(),
	}
	err := op.Work()
	rec.Duration = time.Since(rec.Start)
	if err != nil {
		rec.Err = err.Error()
	}
	m.atomicOps.Append(rec)
	m.counters.atomicOps.Increment()
	return err
}

// AtomicRecords returns all atomic operations executed since the last
// Cleanup.
func (m *Monitor) AtomicRecords() []AtomicRecord {
	return m.atomicOps.Snapshot()
}

// acquireAll takes the locks in order. On a timeout it releases whatever it
// already took and reports failure; partial acquisition never leaks out.
func acquireAll(locks []*lock.Lock, timeout time.Duration) (cleanup.Cleanup, bool) {
	var cu cleanup.Cleanup
	for _, l := range locks {
		if timeout > 0 {
			if !l.TryLockFor(timeout) {
				cu.Clean()
				return cleanup.Cleanup{}, false
			}
		} else {
			l.Lock()
		}
		cu.Add(l.Unlock)
	}
	return cu, true
}

// resourceLock returns the reentrant lock guarding the named resource,
// creating and registering it on first use.
func (m *Monitor) resourceLock(name string) *lock.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.atomicLocks[name]; ok {
		return l
	}
	l := m.CreateLock("atomic:"+name, lock.Reentrant)
	m.atomicLocks[name] = l
	return l
}

func canonicalResources(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[j] = s
			j++
		}
	}
	return out[:j]
}
