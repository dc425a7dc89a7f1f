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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"lockvisor.dev/lockvisor/lockmon/cmd/util"
	"lockvisor.dev/lockvisor/lockmon/config"
	"lockvisor.dev/lockvisor/lockmon/flag"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/monitor"
	"lockvisor.dev/lockvisor/pkg/sync"
)

// Deadlock implements subcommands.Command for the "deadlock" command.
type Deadlock struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Deadlock) Name() string {
	return "deadlock"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Deadlock) Synopsis() string {
	return "stage a two-lock deadlock and report what the monitor does about it"
}

// Usage implements subcommands.Command.Usage.
func (*Deadlock) Usage() string {
	return `deadlock [--timeout=<10s>] - blocks two goroutines on each other's lock, waits for the monitor to detect the cycle, and prints the event
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Deadlock) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&d.timeout, "timeout", 10*time.Second, "how long to wait for detection before giving up")
}

// Execute implements subcommands.Command.Execute.
func (d *Deadlock) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	m := startMonitor(conf)
	defer m.Stop()

	events := make(chan *monitor.DeadlockEvent, 1)
	m.AddDeadlockHandler(monitor.DeadlockHandlerFunc(func(ev *monitor.DeadlockEvent) {
		select {
		case events <- ev:
		default:
		}
	}))

	a := m.CreateLock("resource-a", lock.Exclusive)
	b := m.CreateLock("resource-b", lock.Exclusive)

	// Each goroutine takes its first lock, rendezvouses with the other,
	// then chases its second lock in timed attempts. Neither can advance,
	// but the timed attempts leave a window where a goroutine released by
	// the cancellation resolver lets the other one through.
	var ready sync.WaitGroup
	var done sync.WaitGroup
	ready.Add(2)
	done.Add(2)
	stage := func(name string, first, second *lock.Lock) {
		go func() {
			defer done.Done()
			tid := m.RegisterThread(name)
			gctx, cancel := context.WithCancel(ctx)
			defer cancel()
			m.SetThreadCancel(tid, cancel)

			first.Lock()
			defer first.Unlock()
			ready.Done()
			ready.Wait()
			for !second.TryLockFor(50 * time.Millisecond) {
				if gctx.Err() != nil {
					log.Infof("%s: released %q after cancellation", name, first.Name())
					return
				}
			}
			second.Unlock()
		}()
	}
	stage("first-then-second", a, b)
	stage("second-then-first", b, a)

	fmt.Fprintf(os.Stdout, "Staged goroutines %q and %q against locks %q and %q.\n",
		"first-then-second", "second-then-first", a.Name(), b.Name())

	select {
	case <-events:
	case <-time.After(d.timeout):
		return util.Errorf("no deadlock detected within %v", d.timeout)
	}

	// Handlers run before the resolution policy; give the stored record,
	// which carries the resolution, a moment to land.
	var stored *monitor.DeadlockEvent
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		if evs := m.DeadlockEvents(); len(evs) > 0 {
			stored = evs[len(evs)-1]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stored == nil {
		return util.Errorf("deadlock reported but no event was recorded")
	}
	printDeadlock(os.Stdout, stored)

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		fmt.Fprintf(os.Stdout, "Both goroutines released.\n")
	case <-time.After(2 * time.Second):
		fmt.Fprintf(os.Stdout, "Goroutines remain blocked; exiting anyway.\n")
	}
	return subcommands.ExitSuccess
}

// printDeadlock writes a human readable description of ev to w.
func printDeadlock(w io.Writer, ev *monitor.DeadlockEvent) {
	fmt.Fprintf(w, "Deadlock %d detected at %s:\n", ev.ID, ev.Time.Format(time.RFC3339))
	fmt.Fprintf(w, "  %s\n", ev.Description)
	for _, e := range ev.Cycle {
		fmt.Fprintf(w, "  goroutine %d waits on lock %d\n", e.Thread, e.Lock)
	}
	if ev.Resolution != "" {
		fmt.Fprintf(w, "  resolution: %s\n", ev.Resolution)
	}
}
