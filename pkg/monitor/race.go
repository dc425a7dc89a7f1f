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
	"time"

	"lockvisor.dev/lockvisor/pkg/log"
)

// RaceEvent records one suspected unsynchronized access.
type RaceEvent struct {
	ID          uint64    `json:"id"`
	Time        time.Time `json:"time"`
	Resource    string    `json:"resource"`
	Threads     []uint64  `json:"threads,omitempty"`
	Description string    `json:"description"`
}

// RaceDetector produces race events for the monitor to record. Scan is
// called once per monitoring pass and returns the events found since the
// previous call.
//
// No real detector ships with this package. Detecting races from inside
// the process requires the runtime's instrumentation; this interface is
// the seam where an external source (a parsed -race log, an eBPF probe, a
// test harness) plugs in.
type RaceDetector interface {
	Scan() []*RaceEvent
}

// noopRaceDetector is the default detector. It never finds anything.
type noopRaceDetector struct{}

func (noopRaceDetector) Scan() []*RaceEvent { return nil }

// SetRaceDetector replaces the race event source. Passing nil restores the
// no-op default.
func (m *Monitor) SetRaceDetector(d RaceDetector) {
	if d == nil {
		d = noopRaceDetector{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raceDetector = d
}

func (m *Monitor) currentRaceDetector() RaceDetector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raceDetector
}

// RecordRaceEvent records ev, bumps the race counter and notifies the race
// handlers. Events arriving through a configured detector go through here,
// but callers may also report races directly.
func (m *Monitor) RecordRaceEvent(ev *RaceEvent) {
	if ev == nil {
		return
	}
	if ev.ID == 0 {
		ev.ID = uint64(m.raceSeq.Increment())
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.races.Append(ev)
	m.counters.races.Increment()
	log.Warningf("race condition on %q: %s", ev.Resource, ev.Description)
	m.notifyRace(ev)
}

// RaceEvents returns all race events recorded since the last Cleanup.
func (m *Monitor) RaceEvents() []*RaceEvent {
	return m.races.Snapshot()
}

func (m *Monitor) pollRaceDetector() {
	for _, ev := range m.currentRaceDetector().Scan() {
		m.RecordRaceEvent(ev)
	}
}
