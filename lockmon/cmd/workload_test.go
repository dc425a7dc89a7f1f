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

package cmd

import (
	"context"
	"strings"
	"testing"
	"time"

	"lockvisor.dev/lockvisor/lockmon/config"
	"lockvisor.dev/lockvisor/lockmon/flag"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestRunWorkload(t *testing.T) {
	conf := testConfig(t)
	m := startMonitor(conf)
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := runWorkload(ctx, conf, m, 4); err != nil {
		t.Fatalf("runWorkload: %v", err)
	}

	stats := m.Statistics()
	// demo:state, demo:journal, demo:seq, the pool queue lock and the two
	// atomic resource locks.
	if stats.TotalLocks < 6 {
		t.Errorf("TotalLocks=%d, want at least 6", stats.TotalLocks)
	}
	// Two writers, three readers, the transfer goroutine and the pool
	// workers.
	if stats.TotalThreads < 6 {
		t.Errorf("TotalThreads=%d, want at least 6", stats.TotalThreads)
	}
	if stats.TotalAtomicOps == 0 {
		t.Error("no atomic operations recorded")
	}
	if stats.TotalDeadlocks != 0 {
		t.Errorf("TotalDeadlocks=%d, want 0", stats.TotalDeadlocks)
	}
}

func TestPrintSummary(t *testing.T) {
	conf := testConfig(t)
	m := startMonitor(conf)
	defer m.Stop()

	var b strings.Builder
	printSummary(&b, m)
	out := b.String()
	for _, want := range []string{"locks created", "deadlocks detected", "monitoring passes"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
