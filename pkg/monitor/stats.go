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
	"lockvisor.dev/lockvisor/pkg/sync"
)

// Statistics is a point-in-time copy of the monitor's lifetime counters.
// Counters only grow; Cleanup resets them to zero.
type Statistics struct {
	TotalLocks       int64 `json:"total_locks"`
	TotalThreads     int64 `json:"total_threads"`
	TotalRaceEvents  int64 `json:"total_race_events"`
	TotalDeadlocks   int64 `json:"total_deadlocks"`
	TotalAtomicOps   int64 `json:"total_atomic_operations"`
	MonitoringPasses int64 `json:"monitoring_passes"`
}

type counters struct {
	locks     sync.Counter
	threads   sync.Counter
	races     sync.Counter
	deadlocks sync.Counter
	atomicOps sync.Counter
	passes    sync.Counter
}

func (c *counters) snapshot() Statistics {
	return Statistics{
		TotalLocks:       c.locks.Load(),
		TotalThreads:     c.threads.Load(),
		TotalRaceEvents:  c.races.Load(),
		TotalDeadlocks:   c.deadlocks.Load(),
		TotalAtomicOps:   c.atomicOps.Load(),
		MonitoringPasses: c.passes.Load(),
	}
}

func (c *counters) reset() {
	c.locks.Reset()
	c.threads.Reset()
	c.races.Reset()
	c.deadlocks.Reset()
	c.atomicOps.Reset()
	c.passes.Reset()
}

// Statistics returns the current counter values.
func (m *Monitor) Statistics() Statistics {
	return m.counters.snapshot()
}
