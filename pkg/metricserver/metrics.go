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

package metricserver

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"lockvisor.dev/lockvisor/pkg/monitor"
	"lockvisor.dev/lockvisor/pkg/prometheus"
)

// Metrics exported on /metrics. All of them carry the configured exporter
// prefix.
var (
	locksCreated = prometheus.Metric{
		Name: "locks_created_total",
		Type: prometheus.TypeCounter,
		Help: "Number of instrumented locks created.",
	}
	threadsTracked = prometheus.Metric{
		Name: "threads_tracked_total",
		Type: prometheus.TypeCounter,
		Help: "Number of goroutines registered with the monitor.",
	}
	racesDetected = prometheus.Metric{
		Name: "races_detected_total",
		Type: prometheus.TypeCounter,
		Help: "Number of race condition events recorded.",
	}
	deadlocksDetected = prometheus.Metric{
		Name: "deadlocks_detected_total",
		Type: prometheus.TypeCounter,
		Help: "Number of deadlocks detected.",
	}
	atomicOperations = prometheus.Metric{
		Name: "atomic_operations_total",
		Type: prometheus.TypeCounter,
		Help: "Number of atomic multi-resource operations completed.",
	}
	monitoringPasses = prometheus.Metric{
		Name: "monitoring_passes_total",
		Type: prometheus.TypeCounter,
		Help: "Number of monitoring passes run.",
	}
	lockHeld = prometheus.Metric{
		Name: "lock_held",
		Type: prometheus.TypeGauge,
		Help: "Whether the lock is currently held.",
	}
	lockWaiters = prometheus.Metric{
		Name: "lock_waiters",
		Type: prometheus.TypeGauge,
		Help: "Number of goroutines blocked on the lock.",
	}
	lockAcquisitions = prometheus.Metric{
		Name: "lock_acquisitions_total",
		Type: prometheus.TypeCounter,
		Help: "Number of times the lock was acquired.",
	}
	lockWaitSeconds = prometheus.Metric{
		Name: "lock_wait_seconds_total",
		Type: prometheus.TypeCounter,
		Help: "Total time goroutines spent blocked on the lock.",
	}
	threadsByState = prometheus.Metric{
		Name: "threads",
		Type: prometheus.TypeGauge,
		Help: "Number of tracked goroutines in each state.",
	}
)

// Label names used on per-lock and per-state metrics.
const (
	lockLabel     = "lock"
	lockIDLabel   = "id"
	lockKindLabel = "kind"
	stateLabel    = "state"
)

// threadStates is the fixed label set exported for the threads metric, so
// that scrapes always see every state, including zero-valued ones.
var threadStates = []monitor.ThreadState{
	monitor.ThreadRunning,
	monitor.ThreadWaiting,
	monitor.ThreadBlocked,
	monitor.ThreadTerminated,
}

// snapshot samples the monitor into a metric snapshot.
func (s *Server) snapshot() *prometheus.Snapshot {
	snap := prometheus.NewSnapshot()
	stats := s.mon.Statistics()
	snap.Add(
		prometheus.NewIntData(&locksCreated, stats.TotalLocks),
		prometheus.NewIntData(&threadsTracked, stats.TotalThreads),
		prometheus.NewIntData(&racesDetected, stats.TotalRaceEvents),
		prometheus.NewIntData(&deadlocksDetected, stats.TotalDeadlocks),
		prometheus.NewIntData(&atomicOperations, stats.TotalAtomicOps),
		prometheus.NewIntData(&monitoringPasses, stats.MonitoringPasses),
	)
	for _, l := range s.mon.LockSnapshots() {
		labels := map[string]string{
			lockLabel:     l.Name,
			lockIDLabel:   strconv.FormatUint(l.ID, 10),
			lockKindLabel: l.Kind.String(),
		}
		held := int64(0)
		if l.Held {
			held = 1
		}
		snap.Add(
			prometheus.LabeledIntData(&lockHeld, labels, held),
			prometheus.LabeledIntData(&lockWaiters, labels, int64(len(l.Waiters))),
			prometheus.LabeledIntData(&lockAcquisitions, labels, l.Stats.Acquisitions),
			prometheus.LabeledFloatData(&lockWaitSeconds, labels, l.Stats.TotalWait.Seconds()),
		)
	}
	byState := make(map[monitor.ThreadState]int64)
	for _, th := range s.mon.ThreadSnapshots() {
		byState[th.State]++
	}
	for _, state := range threadStates {
		snap.Add(prometheus.LabeledIntData(&threadsByState, map[string]string{stateLabel: state.String()}, byState[state]))
	}
	return snap
}

// serveMetrics serves the Prometheus endpoint.
func (s *Server) serveMetrics(w http.ResponseWriter, req *http.Request) httpResult {
	process := prometheus.NewSnapshot()
	process.Add(prometheus.NewFloatData(&prometheus.ProcessStartTimeSeconds,
		float64(s.startTime.Unix())+float64(s.startTime.Nanosecond())/1e9))

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	written, err := prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader: fmt.Sprintf("Lock monitor data for pid %d.", os.Getpid()),
	},
		prometheus.Section{
			Snapshot: s.snapshot(),
			Options:  prometheus.SnapshotExportOptions{ExporterPrefix: s.opts.ExporterPrefix},
		},
		// The process section is written without a prefix, as the
		// convention for process-level metrics requires.
		prometheus.Section{Snapshot: process},
	)
	if err != nil && written == 0 {
		return httpResult{http.StatusServiceUnavailable, err}
	}
	// With a partial write the status code is already out the door, so
	// errors past that point cannot change it.
	return httpOK
}
