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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"
	"lockvisor.dev/lockvisor/pkg/lock"
)

func TestEmptyReport(t *testing.T) {
	m := New(Options{})
	var buf bytes.Buffer
	if err := m.WriteReport(&buf); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	// Every section must be present and a real array, never null.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("report does not parse: %v", err)
	}
	for _, key := range []string{"locks", "threads", "race_conditions", "deadlocks", "atomic_operations"} {
		section, ok := raw[key]
		if !ok {
			t.Errorf("section %q missing", key)
			continue
		}
		if string(section) != "[]" {
			t.Errorf("section %q = %s, want []", key, section)
		}
	}
	if _, ok := raw["statistics"]; !ok {
		t.Error("statistics section missing")
	}
	if _, ok := raw["timestamp"]; !ok {
		t.Error("timestamp missing")
	}

	var back Report
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("report does not round trip: %v", err)
	}
	if back.Statistics != (Statistics{}) {
		t.Errorf("empty monitor reported statistics %+v", back.Statistics)
	}
}

func TestReportMatchesRegistries(t *testing.T) {
	m := New(Options{})
	l := m.CreateLock("db", lock.Exclusive)
	l.Lock()
	defer l.Unlock()
	m.RegisterThread("writer")
	m.RecordRaceEvent(&RaceEvent{Resource: "cache", Description: "torn read"})
	if err := m.Atomic([]string{"a", "b"}, func() error { return nil }); err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	r := m.Report()
	stats := r.Statistics
	if int64(len(r.Locks)) != stats.TotalLocks {
		t.Errorf("%d locks in report, statistics say %d", len(r.Locks), stats.TotalLocks)
	}
	if int64(len(r.Threads)) != stats.TotalThreads {
		t.Errorf("%d threads in report, statistics say %d", len(r.Threads), stats.TotalThreads)
	}
	if int64(len(r.RaceConditions)) != stats.TotalRaceEvents {
		t.Errorf("%d races in report, statistics say %d", len(r.RaceConditions), stats.TotalRaceEvents)
	}
	if int64(len(r.AtomicOperations)) != stats.TotalAtomicOps {
		t.Errorf("%d atomic ops in report, statistics say %d", len(r.AtomicOperations), stats.TotalAtomicOps)
	}

	for i := 1; i < len(r.Locks); i++ {
		if r.Locks[i-1].ID >= r.Locks[i].ID {
			t.Errorf("locks out of order at %d: %d then %d", i, r.Locks[i-1].ID, r.Locks[i].ID)
		}
	}

	var found bool
	for _, s := range r.Locks {
		if s.ID == l.ID() {
			found = true
			if !s.Held {
				t.Error("held lock reported as free")
			}
		}
	}
	if !found {
		t.Errorf("lock %d missing from report", l.ID())
	}
}

func TestExportReport(t *testing.T) {
	m := New(Options{})
	m.CreateLock("db", lock.Exclusive)
	m.RegisterThread("exporter")

	path := filepath.Join(t.TempDir(), "report.json")
	if err := m.ExportReport(path); err != nil {
		t.Fatalf("ExportReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("exported report does not parse: %v", err)
	}
	if len(r.Locks) != 1 {
		t.Errorf("exported %d locks, want 1", len(r.Locks))
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Errorf("no lock file next to the report: %v", err)
	}
}

func TestExportReportConcurrent(t *testing.T) {
	m := New(Options{})
	m.CreateLock("db", lock.Exclusive)

	path := filepath.Join(t.TempDir(), "report.json")
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error { return m.ExportReport(path) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent export failed: %v", err)
	}

	// Whoever wrote last, the file must be a complete report.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("report torn by concurrent writers: %v", err)
	}
}
