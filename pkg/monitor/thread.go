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
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"lockvisor.dev/lockvisor/pkg/goid"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/sync"
)

// ThreadState describes what a tracked goroutine is doing.
type ThreadState int

const (
	// ThreadRunning means the goroutine is runnable or on a processor.
	ThreadRunning ThreadState = iota

	// ThreadWaiting means the goroutine is parked on something other than
	// a lock: a channel, a timer, IO.
	ThreadWaiting

	// ThreadBlocked means the goroutine is blocked acquiring a lock.
	ThreadBlocked

	// ThreadTerminated means the goroutine is gone. The registry keeps the
	// record until Cleanup.
	ThreadTerminated
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadWaiting:
		return "waiting"
	case ThreadBlocked:
		return "blocked"
	case ThreadTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("invalid state: %d", int(s))
	}
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (s ThreadState) MarshalJSON() ([]byte, error) {
	switch s {
	case ThreadRunning, ThreadWaiting, ThreadBlocked, ThreadTerminated:
		return []byte(`"` + s.String() + `"`), nil
	default:
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON.
func (s *ThreadState) UnmarshalJSON(b []byte) error {
	switch str := string(b); str {
	case `"running"`:
		*s = ThreadRunning
	case `"waiting"`:
		*s = ThreadWaiting
	case `"blocked"`:
		*s = ThreadBlocked
	case `"terminated"`:
		*s = ThreadTerminated
	default:
		return fmt.Errorf("unknown state %q", str)
	}
	return nil
}

// ThreadInfo is the registry record for one goroutine. All mutation goes
// through the Monitor's recording methods; callers only see copies via
// Snapshot.
type ThreadInfo struct {
	id uint64

	mu           sync.Mutex
	name         string
	osTID        int
	state        ThreadState
	held         map[uint64]struct{}
	awaited      map[uint64]struct{}
	created      time.Time
	lastActivity time.Time
	stack        []byte
	cancel       func()
}

func newThreadInfo(id uint64, name string) *ThreadInfo {
	now := time.Now()
	return &ThreadInfo{
		id:           id,
		name:         name,
		state:        ThreadRunning,
		held:         make(map[uint64]struct{}),
		awaited:      make(map[uint64]struct{}),
		created:      now,
		lastActivity: now,
	}
}

func (t *ThreadInfo) addAwaited(lockID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.awaited[lockID] = struct{}{}
	t.state = ThreadBlocked
	t.lastActivity = time.Now()
}

func (t *ThreadInfo) removeAwaited(lockID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.awaited, lockID)
	if t.state == ThreadBlocked && len(t.awaited) == 0 {
		t.state = ThreadRunning
	}
	t.lastActivity = time.Now()
}

func (t *ThreadInfo) addHeld(lockID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[lockID] = struct{}{}
	t.lastActivity = time.Now()
}

func (t *ThreadInfo) removeHeld(lockID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, lockID)
	t.lastActivity = time.Now()
}

func (t *ThreadInfo) setName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

func (t *ThreadInfo) setCancel(cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

func (t *ThreadInfo) cancelFunc() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel
}

// refresh reconciles the record with the scheduler's view of the goroutine.
// Lock bookkeeping wins over the dump: a goroutine with a non-empty awaited
// set stays Blocked no matter what the dump says, since the dump may lag.
func (t *ThreadInfo) refresh(dumpState ThreadState, alive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !alive {
		t.state = ThreadTerminated
		return
	}
	if t.state == ThreadTerminated {
		// A terminated record seen alive again means the earlier pass
		// misjudged the dump. Whatever hold state it carried is stale.
		t.held = make(map[uint64]struct{})
		t.awaited = make(map[uint64]struct{})
	}
	if len(t.awaited) > 0 {
		t.state = ThreadBlocked
	} else {
		t.state = dumpState
	}
	t.lastActivity = time.Now()
}

// ThreadSnapshot is a copy of one registry record.
type ThreadSnapshot struct {
	ID           uint64      `json:"id"`
	Name         string      `json:"name"`
	OSTID        int         `json:"os_tid,omitempty"`
	State        ThreadState `json:"state"`
	Held         []uint64    `json:"held,omitempty"`
	Awaited      []uint64    `json:"awaited,omitempty"`
	Created      time.Time   `json:"created"`
	LastActivity time.Time   `json:"last_activity"`
	Stack        string      `json:"stack,omitempty"`
}

func (t *ThreadInfo) snapshot() ThreadSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := ThreadSnapshot{
		ID:           t.id,
		Name:         t.name,
		OSTID:        t.osTID,
		State:        t.state,
		Created:      t.created,
		LastActivity: t.lastActivity,
		Stack:        string(t.stack),
	}
	for id := range t.held {
		s.Held = append(s.Held, id)
	}
	for id := range t.awaited {
		s.Awaited = append(s.Awaited, id)
	}
	sort.Slice(s.Held, func(i, j int) bool { return s.Held[i] < s.Held[j] })
	sort.Slice(s.Awaited, func(i, j int) bool { return s.Awaited[i] < s.Awaited[j] })
	return s
}

// RegisterThread records the calling goroutine under the given name and
// returns its id. Registering an already-known goroutine just renames it.
// The host TID is sampled once here; goroutines migrate between OS threads,
// so it is a hint for correlating with OS-level tools, not an identity.
func (m *Monitor) RegisterThread(name string) uint64 {
	tid := goid.Get()
	info, loaded := m.threads.LoadOrStore(tid, newThreadInfo(tid, name))
	if loaded {
		info.setName(name)
		return tid
	}
	info.mu.Lock()
	info.osTID = unix.Gettid()
	if m.opts.CaptureStacks {
		info.stack = log.Stacks(false)
	}
	info.mu.Unlock()
	m.counters.threads.Increment()
	log.Debugf("registered thread %q (goroutine %d)", name, tid)
	return tid
}

// SetThreadCancel registers a cancel function for the given thread. The
// cancellation resolver calls it when the thread is picked as a deadlock
// victim. Passing nil clears the registration.
func (m *Monitor) SetThreadCancel(tid uint64, cancel func()) {
	m.threadFor(tid).setCancel(cancel)
}

// CancelThread invokes the cancel function registered for tid. It reports
// false when the thread is unknown or has no cancel function.
func (m *Monitor) CancelThread(tid uint64) bool {
	info, ok := m.threads.Load(tid)
	if !ok {
		return false
	}
	cancel := info.cancelFunc()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// threadFor returns the registry record for tid, creating an anonymous one if
// the goroutine has not been seen before.
func (m *Monitor) threadFor(tid uint64) *ThreadInfo {
	if info, ok := m.threads.Load(tid); ok {
		return info
	}
	info, loaded := m.threads.LoadOrStore(tid, newThreadInfo(tid, fmt.Sprintf("goroutine-%d", tid)))
	if !loaded {
		m.counters.threads.Increment()
	}
	return info
}

// ThreadSnapshots returns a copy of every registry record, ordered by id.
func (m *Monitor) ThreadSnapshots() []ThreadSnapshot {
	out := make([]ThreadSnapshot, 0, m.threads.Len())
	m.threads.Range(func(_ uint64, info *ThreadInfo) bool {
		out = append(out, info.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// liveGoroutine is one entry parsed out of a full stack dump.
type liveGoroutine struct {
	state ThreadState
	top   string
}

// refreshThreads reconciles the registry against the goroutines that actually
// exist. Registered goroutines missing from the dump become Terminated; when
// discovery is on, unseen goroutines are registered under their top frame.
func (m *Monitor) refreshThreads() {
	live := parseGoroutineDump(log.Stacks(true))

	m.threads.Range(func(tid uint64, info *ThreadInfo) bool {
		g, alive := live[tid]
		info.refresh(g.state, alive)
		return true
	})

	if !m.opts.DiscoverGoroutines {
		return
	}
	for tid, g := range live {
		if _, ok := m.threads.Load(tid); ok {
			continue
		}
		name := g.top
		if name == "" {
			name = fmt.Sprintf("goroutine-%d", tid)
		}
		info := newThreadInfo(tid, name)
		info.state = g.state
		if _, loaded := m.threads.LoadOrStore(tid, info); !loaded {
			m.counters.threads.Increment()
		}
	}
}

// parseGoroutineDump extracts ids, wait reasons and top frames from the
// output of runtime.Stack(buf, true). Dump blocks look like:
//
//	goroutine 18 [chan receive, 2 minutes]:
//	main.worker(0xc000021e00)
//		/src/main.go:42 +0x65
func parseGoroutineDump(dump []byte) map[uint64]liveGoroutine {
	out := make(map[uint64]liveGoroutine)
	for _, block := range bytes.Split(dump, []byte("\n\n")) {
		id := goid.ParseHeader(block)
		if id == 0 {
			continue
		}
		var g liveGoroutine

		header, rest, _ := bytes.Cut(block, []byte("\n"))
		if open := bytes.IndexByte(header, '['); open >= 0 {
			reason := header[open+1:]
			if end := bytes.IndexByte(reason, ']'); end >= 0 {
				reason = reason[:end]
			}
			// Trim the ", 2 minutes" age suffix.
			if comma := bytes.IndexByte(reason, ','); comma >= 0 {
				reason = reason[:comma]
			}
			g.state = stateForWaitReason(string(reason))
		}
		if frame, _, _ := bytes.Cut(rest, []byte("\n")); len(frame) > 0 {
			if paren := bytes.IndexByte(frame, '('); paren >= 0 {
				frame = frame[:paren]
			}
			g.top = string(bytes.TrimSpace(frame))
		}
		out[id] = g
	}
	return out
}

// stateForWaitReason maps a scheduler wait reason onto the registry's state
// model. Lock waits are Blocked, other parked reasons are Waiting, anything
// on or near a processor is Running.
func stateForWaitReason(reason string) ThreadState {
	switch reason {
	case "running", "runnable", "syscall", "copystack", "preempted":
		return ThreadRunning
	}
	switch {
	case strings.Contains(reason, "sync.Mutex.Lock"),
		strings.Contains(reason, "sync.RWMutex"),
		strings.Contains(reason, "sync.WaitGroup.Wait"),
		strings.Contains(reason, "semacquire"),
		strings.Contains(reason, "sync.Cond.Wait"):
		return ThreadBlocked
	default:
		return ThreadWaiting
	}
}
