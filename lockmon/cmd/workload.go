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
	"time"

	"golang.org/x/sync/errgroup"
	"lockvisor.dev/lockvisor/lockmon/config"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/monitor"
	"lockvisor.dev/lockvisor/pkg/worker"
)

// runWorkload drives a mixed load over instrumented locks: writers and
// readers sharing a read-write lock, reentrant journal updates, transfers
// between accounts inside multi-resource atomic sections, and a batch of
// short tasks on the monitored worker pool. It returns when ctx is
// canceled or a workload goroutine fails.
func runWorkload(ctx context.Context, conf *config.Config, m *monitor.Monitor, tasks int) error {
	state := m.CreateLock("demo:state", lock.ReadWrite)
	journal := m.CreateLock("demo:journal", lock.Reentrant)
	seq := m.CreateLock("demo:seq", lock.Spin)

	pool := worker.New(m, worker.Options{Name: "demo", Workers: conf.Workers})
	pool.Start()
	defer pool.Stop()

	for i := 0; i < tasks; i++ {
		name := fmt.Sprintf("task-%d", i)
		if _, err := pool.Submit(name, func(ctx context.Context) error {
			if !seq.TryLockFor(time.Second) {
				return fmt.Errorf("sequence lock busy")
			}
			defer seq.Unlock()
			time.Sleep(time.Millisecond)
			return nil
		}); err != nil {
			return fmt.Errorf("submitting %s: %w", name, err)
		}
	}

	var entries int // guarded by state

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("writer-%d", i)
		g.Go(func() error {
			tid := m.RegisterThread(name)
			// Writers are cancellable so that the cancellation resolver
			// has something to act on should they ever deadlock.
			wctx, cancel := context.WithCancel(ctx)
			defer cancel()
			m.SetThreadCancel(tid, cancel)
			defer m.SetThreadCancel(tid, nil)
			for {
				select {
				case <-wctx.Done():
					return nil
				default:
				}
				state.Lock()
				entries++
				state.Unlock()

				journal.Lock()
				journal.Lock() // reenters while appending
				journal.Unlock()
				journal.Unlock()
				time.Sleep(2 * time.Millisecond)
			}
		})
	}
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("reader-%d", i)
		g.Go(func() error {
			m.RegisterThread(name)
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				state.RLock()
				_ = entries
				state.RUnlock()
				time.Sleep(time.Millisecond)
			}
		})
	}
	g.Go(func() error {
		m.RegisterThread("transfer")
		accounts := []string{"account:checking", "account:savings"}
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := m.Atomic(accounts, func() error {
				time.Sleep(time.Millisecond)
				return nil
			}); err != nil {
				return fmt.Errorf("transfer: %w", err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	return g.Wait()
}
