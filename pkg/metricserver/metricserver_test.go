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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/monitor"
	"lockvisor.dev/lockvisor/pkg/test/testutil"
)

func startTestServer(t *testing.T, m *monitor.Monitor) *Server {
	t.Helper()
	s := New(m, Options{Address: "127.0.0.1:0", ExporterPrefix: "lockvisor_"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", s.Addr(), path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s: reading body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	m := monitor.New(monitor.DefaultOptions())
	defer m.Cleanup()
	l := m.CreateLock("api", lock.Exclusive)
	l.Lock()
	defer l.Unlock()

	s := startTestServer(t, m)
	code, body := get(t, s, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics: code %d", code)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parsing exposition format: %v\nbody:\n%s", err, body)
	}
	for _, name := range []string{
		"lockvisor_locks_created_total",
		"lockvisor_threads_tracked_total",
		"lockvisor_races_detected_total",
		"lockvisor_deadlocks_detected_total",
		"lockvisor_atomic_operations_total",
		"lockvisor_monitoring_passes_total",
	} {
		if _, ok := families[name]; !ok {
			t.Errorf("%s missing from exposition:\n%s", name, body)
		}
	}
	locks, ok := families["lockvisor_locks_created_total"]
	if !ok {
		t.Fatalf("no counter samples to check:\n%s", body)
	}
	if got := locks.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("locks_created_total = %v, want 1", got)
	}

	heldFamily, ok := families["lockvisor_lock_held"]
	if !ok {
		t.Fatalf("lockvisor_lock_held missing from exposition:\n%s", body)
	}
	foundAPI := false
	for _, metric := range heldFamily.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == lockLabel && label.GetValue() == "api" {
				foundAPI = true
				if got := metric.GetGauge().GetValue(); got != 1 {
					t.Errorf("lock_held{lock=%q} = %v, want 1", "api", got)
				}
			}
		}
	}
	if !foundAPI {
		t.Errorf("no lock_held sample labeled lock=%q:\n%s", "api", body)
	}

	if _, ok := families["process_start_time_seconds"]; !ok {
		t.Error("process_start_time_seconds missing from exposition")
	}
	statesFamily, ok := families["lockvisor_threads"]
	if !ok {
		t.Fatalf("lockvisor_threads missing from exposition:\n%s", body)
	}
	if got, want := len(statesFamily.GetMetric()), len(threadStates); got != want {
		t.Errorf("threads family has %d samples, want %d", got, want)
	}
}

func TestReportEndpoint(t *testing.T) {
	m := monitor.New(monitor.DefaultOptions())
	defer m.Cleanup()
	m.CreateLock("db", lock.ReadWrite)
	m.RecordRaceEvent(&monitor.RaceEvent{Resource: "cache", Description: "unsynchronized write"})

	s := startTestServer(t, m)
	code, body := get(t, s, "/report")
	if code != http.StatusOK {
		t.Fatalf("GET /report: code %d", code)
	}
	var report monitor.Report
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		t.Fatalf("report is not valid JSON: %v\nbody:\n%s", err, body)
	}
	if report.Statistics.TotalLocks != 1 {
		t.Errorf("report.Statistics.TotalLocks = %d, want 1", report.Statistics.TotalLocks)
	}
	if len(report.Locks) != 1 || report.Locks[0].Name != "db" {
		t.Errorf("report.Locks = %+v, want one lock named db", report.Locks)
	}
	if len(report.RaceConditions) != 1 {
		t.Errorf("report.RaceConditions has %d entries, want 1", len(report.RaceConditions))
	}
}

func TestHealthCheck(t *testing.T) {
	m := monitor.New(monitor.DefaultOptions())
	defer m.Cleanup()
	s := startTestServer(t, m)
	code, body := get(t, s, "/healthz")
	if code != http.StatusOK {
		t.Fatalf("GET /healthz: code %d", code)
	}
	if body != "lockvisor:OK" {
		t.Errorf("health check body = %q, want %q", body, "lockvisor:OK")
	}
}

func TestIndexAndNotFound(t *testing.T) {
	m := monitor.New(monitor.DefaultOptions())
	defer m.Cleanup()
	s := startTestServer(t, m)
	code, body := get(t, s, "/")
	if code != http.StatusOK {
		t.Fatalf("GET /: code %d", code)
	}
	if !strings.Contains(body, "/metrics") {
		t.Errorf("index page does not mention /metrics:\n%s", body)
	}
	if code, _ := get(t, s, "/no-such-page"); code != http.StatusNotFound {
		t.Errorf("GET /no-such-page: code %d, want %d", code, http.StatusNotFound)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := monitor.New(monitor.DefaultOptions())
	defer m.Cleanup()
	s := New(m, Options{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()
	if err := testutil.Poll(func() error {
		if s.Addr() == nil {
			return fmt.Errorf("server not bound yet")
		}
		return nil
	}, 5*time.Second); err != nil {
		t.Fatalf("server never bound: %v", err)
	}
	if code, _ := get(t, s, "/healthz"); code != http.StatusOK {
		t.Fatalf("GET /healthz: code %d", code)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v, want nil after graceful shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStartWithoutAddress(t *testing.T) {
	m := monitor.New(monitor.DefaultOptions())
	defer m.Cleanup()
	s := New(m, Options{})
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start with no address should fail")
	}
}
