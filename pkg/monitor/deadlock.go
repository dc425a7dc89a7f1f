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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohae/deepcopy"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/sync"
)

// The wait-for graph has two node flavors, goroutines and locks, both
// encoded as strings. A goroutine waiting on a lock contributes a
// thread->lock edge; a held lock contributes a lock->thread edge to its
// writer or to each of its readers. A deadlock is a cycle, which by
// construction alternates between the two flavors.

const (
	threadNodePrefix = "thread:"
	lockNodePrefix   = "lock:"
)

func threadNode(tid uint64) string {
	return threadNodePrefix + strconv.FormatUint(tid, 10)
}

func lockNode(id uint64) string {
	return lockNodePrefix + strconv.FormatUint(id, 10)
}

func parseThreadNode(node string) (uint64, bool) {
	return parseNode(node, threadNodePrefix)
}

func parseLockNode(node string) (uint64, bool) {
	return parseNode(node, lockNodePrefix)
}

func parseNode(node, prefix string) (uint64, bool) {
	if !strings.HasPrefix(node, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(node[len(prefix):], 10, 64)
	return id, err == nil
}

// WaitEdge is one hop of a deadlock cycle: Thread is blocked acquiring Lock.
type WaitEdge struct {
	Thread uint64 `json:"thread"`
	Lock   uint64 `json:"lock"`
}

// DeadlockEvent records one detected deadlock. Events are immutable once
// published; a cycle that persists across passes produces further events
// unless deduplication is on.
type DeadlockEvent struct {
	ID      uint64     `json:"id"`
	Time    time.Time  `json:"time"`
	Threads []uint64   `json:"threads"`
	Cycle   []WaitEdge `json:"cycle"`

	// Graph is the full wait-for graph at detection time, not just the
	// cycle. Adjacency lists are sorted.
	Graph map[string][]string `json:"graph"`

	// Resolution describes what the resolution policy did. Handlers run
	// before the policy and see it empty.
	Resolution  string `json:"resolution,omitempty"`
	Description string `json:"description"`
}

// DeadlockEvents returns all deadlocks reported since the last Cleanup.
func (m *Monitor) DeadlockEvents() []*DeadlockEvent {
	return m.deadlocks.Snapshot()
}

// buildWaitForGraph assembles the wait-for graph from lock state. Locks
// nobody is waiting on cannot be part of a cycle and are left out entirely.
func buildWaitForGraph(snaps []lock.Snapshot) map[string][]string {
	g := make(map[string][]string)
	for _, s := range snaps {
		if len(s.Waiters) == 0 {
			continue
		}
		ln := lockNode(s.ID)
		for _, w := range s.Waiters {
			g[threadNode(w)] = append(g[threadNode(w)], ln)
		}
		if s.Held {
			g[ln] = append(g[ln], threadNode(s.Holder))
		}
		for _, r := range s.Readers {
			g[ln] = append(g[ln], threadNode(r))
		}
	}
	for _, next := range g {
		sort.Strings(next)
	}
	return g
}

// findCycles runs an iterative depth-first search over the graph and
// returns every cycle reached through a back edge. Nodes are visited in
// sorted order, so the result is deterministic for a given graph.
func findCycles(g map[string][]string) [][]string {
	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	type frame struct {
		node string
		next int
	}
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var cycles [][]string

	for _, start := range nodes {
		if visited[start] {
			continue
		}
		stack := []frame{{node: start}}
		path := []string{start}
		onPath[start] = true

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(g[f.node]) {
				n := g[f.node][f.next]
				f.next++
				if onPath[n] {
					for i, p := range path {
						if p == n {
							cycles = append(cycles, append([]string(nil), path[i:]...))
							break
						}
					}
					continue
				}
				if !visited[n] {
					stack = append(stack, frame{node: n})
					path = append(path, n)
					onPath[n] = true
				}
				continue
			}
			visited[f.node] = true
			onPath[f.node] = false
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
		}
	}
	return cycles
}

// pairCycle rotates a raw node cycle to start at a goroutine and splits it
// into wait edges. Cycles that are not a proper thread/lock alternation are
// rejected.
func pairCycle(cycle []string) (edges []WaitEdge, threads []uint64, ok bool) {
	n := len(cycle)
	if n == 0 || n%2 != 0 {
		return nil, nil, false
	}
	start := -1
	for i, node := range cycle {
		if strings.HasPrefix(node, threadNodePrefix) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, nil, false
	}
	for i := 0; i < n; i += 2 {
		tid, tok := parseThreadNode(cycle[(start+i)%n])
		lid, lok := parseLockNode(cycle[(start+i+1)%n])
		if !tok || !lok {
			return nil, nil, false
		}
		edges = append(edges, WaitEdge{Thread: tid, Lock: lid})
		threads = append(threads, tid)
	}
	return edges, threads, true
}

// confirmCycle re-checks a candidate cycle against live lock state. The
// graph was built from snapshots; by the time a cycle falls out of the
// search, some waiter may have acquired and moved on. Single-goroutine
// cycles are not deadlocks for this detector, they are self-deadlocks and
// surface as a permanently blocked thread instead.
func (m *Monitor) confirmCycle(edges []WaitEdge, threads []uint64) bool {
	if len(threads) < 2 {
		return false
	}
	for _, e := range edges {
		l, ok := m.locks.Load(e.Lock)
		if !ok {
			return false
		}
		waiting := false
		for _, w := range l.Waiters() {
			if w == e.Thread {
				waiting = true
				break
			}
		}
		if !waiting {
			return false
		}
	}
	return true
}

// cycleSignature returns a canonical identity for a cycle, independent of
// where the search entered it.
func cycleSignature(edges []WaitEdge) string {
	tids := make([]uint64, 0, len(edges))
	lids := make([]uint64, 0, len(edges))
	for _, e := range edges {
		tids = append(tids, e.Thread)
		lids = append(lids, e.Lock)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	sort.Slice(lids, func(i, j int) bool { return lids[i] < lids[j] })

	var b strings.Builder
	for _, t := range tids {
		fmt.Fprintf(&b, "t%d,", t)
	}
	b.WriteByte('|')
	for _, l := range lids {
		fmt.Fprintf(&b, "l%d,", l)
	}
	return b.String()
}

var persistLog = sync.OnceValue(func() log.Logger {
	return log.BasicRateLimitedLogger(time.Minute)
})

// detectDeadlocks runs one wait-for-graph pass and reports every confirmed
// cycle. Only the monitoring goroutine calls this.
func (m *Monitor) detectDeadlocks() {
	graph := buildWaitForGraph(m.LockSnapshots())
	seen := make(map[string]bool)
	for _, cyc := range findCycles(graph) {
		edges, threads, ok := pairCycle(cyc)
		if !ok || !m.confirmCycle(edges, threads) {
			continue
		}
		sig := cycleSignature(edges)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		if m.opts.Deduplicate && m.activeCycles[sig] {
			persistLog().Infof("deadlock between goroutines %v still present", threads)
			continue
		}
		m.reportDeadlock(edges, threads, graph)
	}
	m.activeCycles = seen
}

// reportDeadlock publishes one confirmed cycle: event, counter, handlers,
// then the resolution policy. The stored record carries the policy's
// description of what it did.
func (m *Monitor) reportDeadlock(edges []WaitEdge, threads []uint64, graph map[string][]string) {
	ev := &DeadlockEvent{
		ID:          uint64(m.deadlockSeq.Increment()),
		Time:        time.Now(),
		Threads:     threads,
		Cycle:       edges,
		Graph:       deepcopy.Copy(graph).(map[string][]string),
		Description: m.describeCycle(edges),
	}
	m.counters.deadlocks.Increment()
	log.Warningf("deadlock detected: %s", ev.Description)
	m.notifyDeadlock(ev)

	stored := *ev
	stored.Resolution = m.currentResolver().Resolve(m, ev)
	m.deadlocks.Append(&stored)
}

func (m *Monitor) describeCycle(edges []WaitEdge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d goroutines in a lock cycle: ", len(edges))
	for i, e := range edges {
		if i > 0 {
			b.WriteString("; ")
		}
		holder := edges[(i+1)%len(edges)].Thread
		fmt.Fprintf(&b, "goroutine %d waits for lock %s held by goroutine %d", e.Thread, m.lockLabel(e.Lock), holder)
	}
	return b.String()
}

func (m *Monitor) lockLabel(id uint64) string {
	if l, ok := m.locks.Load(id); ok {
		return fmt.Sprintf("%q (id %d)", l.Name(), id)
	}
	return fmt.Sprintf("id %d", id)
}

// Resolver decides what, if anything, to do about a reported deadlock. The
// returned string goes into the event record.
type Resolver interface {
	Resolve(m *Monitor, ev *DeadlockEvent) string
}

// LogResolver names a victim and otherwise leaves the deadlock alone. It is
// the default policy.
type LogResolver struct{}

// Resolve implements Resolver.Resolve.
func (LogResolver) Resolve(m *Monitor, ev *DeadlockEvent) string {
	if len(ev.Threads) == 0 {
		return "no action"
	}
	victim := ev.Threads[0]
	log.Warningf("deadlock %d: goroutine %d would be cancelled, no active resolver configured", ev.ID, victim)
	return fmt.Sprintf("logged, victim goroutine %d", victim)
}

// CancelResolver cancels the first thread in the cycle that registered a
// cancel function through SetThreadCancel. If no thread in the cycle has
// one, it only logs.
type CancelResolver struct{}

// Resolve implements Resolver.Resolve.
func (CancelResolver) Resolve(m *Monitor, ev *DeadlockEvent) string {
	for _, tid := range ev.Threads {
		if m.CancelThread(tid) {
			log.Warningf("deadlock %d: cancelled goroutine %d", ev.ID, tid)
			return fmt.Sprintf("cancelled goroutine %d", tid)
		}
	}
	log.Warningf("deadlock %d: no goroutine in the cycle is cancellable", ev.ID)
	return "no cancellable goroutine"
}
