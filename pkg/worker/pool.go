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

// Package worker provides a fixed-size task pool wired into a concurrency
// monitor. Worker goroutines register as monitored threads, the task queue
// is guarded by an instrumented lock, and each running task gets a
// cancelable context registered with the monitor, so a deadlock resolver
// can cancel the task a wedged worker is executing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lockvisor.dev/lockvisor/pkg/goid"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/monitor"
	"lockvisor.dev/lockvisor/pkg/sync"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("worker pool is stopped")

// TaskStatus is the lifecycle state of a submitted task.
type TaskStatus int

const (
	// TaskPending means the task sits in the queue, not yet claimed.
	TaskPending TaskStatus = iota

	// TaskRunning means a worker is executing the task.
	TaskRunning

	// TaskCompleted means the task returned nil.
	TaskCompleted

	// TaskFailed means the task returned an error or panicked.
	TaskFailed
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("invalid status: %d", int(s))
	}
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return []byte(`"` + s.String() + `"`), nil
	default:
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
}

// task is a queue record. All fields past fn are guarded by the pool's
// queue lock.
type task struct {
	id        uint64
	name      string
	fn        func(ctx context.Context) error
	status    TaskStatus
	err       error
	submitted time.Time
	started   time.Time
	finished  time.Time
}

// TaskInfo is a copy of one task's state.
type TaskInfo struct {
	ID        uint64     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	Err       string     `json:"error,omitempty"`
	Submitted time.Time  `json:"submitted"`
	Started   time.Time  `json:"started"`
	Finished  time.Time  `json:"finished"`
}

func (t *task) info() TaskInfo {
	info := TaskInfo{
		ID:        t.id,
		Name:      t.name,
		Status:    t.status,
		Submitted: t.submitted,
		Started:   t.started,
		Finished:  t.finished,
	}
	if t.err != nil {
		info.Err = t.err.Error()
	}
	return info
}

// Statistics are the pool's lifetime counters.
type Statistics struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Options configures a Pool.
type Options struct {
	// Name labels the pool's queue lock and its worker threads.
	Name string

	// Workers is how many worker goroutines Start launches.
	Workers int

	// ScanInterval is how long an idle worker sleeps before rescanning
	// the queue.
	ScanInterval time.Duration

	// JoinTimeout bounds how long Stop waits for workers to exit.
	JoinTimeout time.Duration
}

// Pool runs submitted tasks on a fixed set of monitored workers. Tasks are
// kept in an unbounded in-order queue; workers claim the oldest pending one.
// Finished tasks stay queued so their status remains queryable, which means
// memory grows with every submission for the life of the pool.
type Pool struct {
	mon  *monitor.Monitor
	opts Options

	// queueMu is an instrumented lock so queue contention is visible to
	// the monitor like any other lock in the process.
	queueMu *lock.Lock
	queue   []*task
	taskSeq sync.Counter

	submitted sync.Counter
	completed sync.Counter
	failed    sync.Counter

	mu       sync.Mutex
	started  bool
	stopped  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped pool attached to m. Zero option fields get
// defaults: 4 workers, 10ms scan interval, 10s join timeout.
func New(m *monitor.Monitor, opts Options) *Pool {
	if opts.Name == "" {
		opts.Name = "pool"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Millisecond
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	return &Pool{
		mon:      m,
		opts:     opts,
		queueMu:  m.CreateLock(opts.Name+":queue", lock.Exclusive),
		shutdown: make(chan struct{}),
	}
}

// Start launches the workers. Starting twice is a no-op; a stopped pool
// cannot be restarted.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.wg.Add(p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		go p.worker(i)
	}
	log.Infof("worker pool %q started with %d workers", p.opts.Name, p.opts.Workers)
}

// Stop tells the workers to exit and waits for them, up to JoinTimeout.
// Workers finish the task they are on; pending tasks stay pending.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.shutdown)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Infof("worker pool %q stopped", p.opts.Name)
	case <-time.After(p.opts.JoinTimeout):
		log.Warningf("worker pool %q: workers failed to exit within %v", p.opts.Name, p.opts.JoinTimeout)
	}
}

// Submit queues fn for execution and returns its task id. The queue is
// unbounded; Submit never blocks on queue capacity. Submitting before
// Start is allowed, the tasks run once workers exist.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) (uint64, error) {
	if fn == nil {
		return 0, errors.New("nil task function")
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return 0, ErrStopped
	}

	t := &task{
		id:        uint64(p.taskSeq.Increment()),
		name:      name,
		fn:        fn,
		submitted: time.Now(),
	}
	p.queueMu.Lock()
	p.queue = append(p.queue, t)
	p.queueMu.Unlock()
	p.submitted.Increment()
	log.Debugf("pool %q: task %d (%q) queued", p.opts.Name, t.id, name)
	return t.id, nil
}

// TaskStatus returns a copy of the task's current state, or false if the
// id was never issued.
func (p *Pool) TaskStatus(id uint64) (TaskInfo, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	for _, t := range p.queue {
		if t.id == id {
			return t.info(), true
		}
	}
	return TaskInfo{}, false
}

// Tasks returns a copy of every task record, oldest first.
func (p *Pool) Tasks() []TaskInfo {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	out := make([]TaskInfo, 0, len(p.queue))
	for _, t := range p.queue {
		out = append(out, t.info())
	}
	return out
}

// Statistics returns the pool's counters.
func (p *Pool) Statistics() Statistics {
	return Statistics{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) worker(i int) {
	defer p.wg.Done()
	tid := p.mon.RegisterThread(fmt.Sprintf("%s-worker-%d", p.opts.Name, i))
	for {
		select {
		case <-p.shutdown:
			return
		default:
		}
		t := p.claimNext()
		if t == nil {
			select {
			case <-p.shutdown:
				return
			case <-time.After(p.opts.ScanInterval):
			}
			continue
		}
		p.run(tid, t)
	}
}

// claimNext marks the oldest pending task as running and returns it, or nil
// when nothing is eligible.
func (p *Pool) claimNext() *task {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	for _, t := range p.queue {
		if t.status == TaskPending {
			t.status = TaskRunning
			t.started = time.Now()
			return t
		}
	}
	return nil
}

// run executes one claimed task. The task's context is registered as the
// worker thread's cancel hook for the duration, so cancelling the thread
// cancels the task cooperatively. A panicking task is recorded as failed;
// the worker survives.
func (p *Pool) run(tid uint64, t *task) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mon.SetThreadCancel(tid, cancel)
	defer func() {
		p.mon.SetThreadCancel(tid, nil)
		cancel()
		if r := recover(); r != nil {
			log.Warningf("pool %q: task %d (%q) panicked: %v", p.opts.Name, t.id, t.name, r)
			p.finish(t, fmt.Errorf("task panicked: %v", r))
		}
	}()
	log.Debugf("pool %q: task %d (%q) running on goroutine %d", p.opts.Name, t.id, t.name, goid.Get())
	p.finish(t, t.fn(ctx))
}

func (p *Pool) finish(t *task, err error) {
	p.queueMu.Lock()
	t.err = err
	t.finished = time.Now()
	if err != nil {
		t.status = TaskFailed
	} else {
		t.status = TaskCompleted
	}
	p.queueMu.Unlock()

	if err != nil {
		p.failed.Increment()
		log.Debugf("pool %q: task %d (%q) failed: %v", p.opts.Name, t.id, t.name, err)
	} else {
		p.completed.Increment()
		log.Debugf("pool %q: task %d (%q) completed", p.opts.Name, t.id, t.name)
	}
}
