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
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"lockvisor.dev/lockvisor/lockmon/cmd/util"
	"lockvisor.dev/lockvisor/lockmon/config"
	"lockvisor.dev/lockvisor/lockmon/flag"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/metricserver"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	workload bool
	tasks    int
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "serve monitor state over HTTP until interrupted"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [--workload] - binds --metric-server and serves /metrics, /report and /healthz until SIGTERM or SIGINT
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.workload, "workload", true, "run the sample workload while serving, so there is something to observe")
	f.IntVar(&s.tasks, "tasks", 16, "number of tasks submitted to the worker pool")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	m := startMonitor(conf)
	defer m.Stop()

	ctx, stop := signal.NotifyContext(ctx, unix.SIGTERM, unix.SIGINT)
	defer stop()

	if s.workload {
		go func() {
			if err := runWorkload(ctx, conf, m, s.tasks); err != nil {
				log.Warningf("workload stopped: %v", err)
			}
		}()
	}

	srv := metricserver.New(m, metricserver.Options{
		Address:        conf.MetricServer,
		ExporterPrefix: conf.ExporterPrefix,
	})
	if err := srv.Run(ctx); err != nil {
		return util.Errorf("metric server: %v", err)
	}
	log.Infof("metric server shut down")
	return subcommands.ExitSuccess
}
