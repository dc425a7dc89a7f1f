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

// Package cmd holds the lockmon subcommand implementations.
package cmd

import (
	"fmt"
	"io"

	"github.com/google/subcommands"
	"lockvisor.dev/lockvisor/lockmon/cmd/util"
	"lockvisor.dev/lockvisor/lockmon/config"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/monitor"
)

// startMonitor builds a monitor from the configuration, applies the
// configured resolution policy, and starts it.
func startMonitor(conf *config.Config) *monitor.Monitor {
	m := monitor.New(conf.MonitorOptions())
	m.SetResolver(conf.NewResolver())
	m.Start()
	return m
}

// printSummary writes the monitor's lifetime counters to w.
func printSummary(w io.Writer, m *monitor.Monitor) {
	stats := m.Statistics()
	fmt.Fprintf(w, "Monitoring summary:\n")
	fmt.Fprintf(w, "  locks created:      %d\n", stats.TotalLocks)
	fmt.Fprintf(w, "  threads tracked:    %d\n", stats.TotalThreads)
	fmt.Fprintf(w, "  races recorded:     %d\n", stats.TotalRaceEvents)
	fmt.Fprintf(w, "  deadlocks detected: %d\n", stats.TotalDeadlocks)
	fmt.Fprintf(w, "  atomic operations:  %d\n", stats.TotalAtomicOps)
	fmt.Fprintf(w, "  monitoring passes:  %d\n", stats.MonitoringPasses)
}

// exportReport writes the monitor's JSON report to path. An empty path
// skips the export.
func exportReport(m *monitor.Monitor, path string) subcommands.ExitStatus {
	if path == "" {
		return subcommands.ExitSuccess
	}
	if err := m.ExportReport(path); err != nil {
		return util.Errorf("exporting report to %q: %v", path, err)
	}
	log.Infof("wrote monitor report to %s", path)
	return subcommands.ExitSuccess
}
