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
	"os"
	"time"

	"github.com/google/subcommands"
	"lockvisor.dev/lockvisor/lockmon/cmd/util"
	"lockvisor.dev/lockvisor/lockmon/config"
	"lockvisor.dev/lockvisor/lockmon/flag"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	duration time.Duration
	tasks    int
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run a sample workload under the monitor and print what it saw"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [--duration=<5s>] [--tasks=<16>] - runs readers, writers, atomic transfers and worker pool tasks over instrumented locks, then prints the monitor's summary
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&d.duration, "duration", 5*time.Second, "how long the workload runs")
	f.IntVar(&d.tasks, "tasks", 16, "number of tasks submitted to the worker pool")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	m := startMonitor(conf)
	defer m.Stop()

	ctx, cancel := context.WithTimeout(ctx, d.duration)
	defer cancel()
	if err := runWorkload(ctx, conf, m, d.tasks); err != nil {
		return util.Errorf("workload failed: %v", err)
	}

	printSummary(os.Stdout, m)
	return exportReport(m, conf.ReportFile)
}
