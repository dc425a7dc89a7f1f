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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"lockvisor.dev/lockvisor/pkg/lock"
	"lockvisor.dev/lockvisor/pkg/log"
)

// Report is a full diagnostic snapshot of the monitor. It marshals to JSON
// with every section present, empty sections as empty arrays, so consumers
// can parse it without null checks.
type Report struct {
	Timestamp        time.Time        `json:"timestamp"`
	Statistics       Statistics       `json:"statistics"`
	Locks            []lock.Snapshot  `json:"locks"`
	Threads          []ThreadSnapshot `json:"threads"`
	RaceConditions   []*RaceEvent     `json:"race_conditions"`
	Deadlocks        []*DeadlockEvent `json:"deadlocks"`
	AtomicOperations []AtomicRecord   `json:"atomic_operations"`
}

// Report assembles a diagnostic snapshot. Registries keep moving while it
// is assembled; each section is individually consistent, the report as a
// whole is not a global atomic cut.
func (m *Monitor) Report() *Report {
	return &Report{
		Timestamp:        time.Now(),
		Statistics:       m.Statistics(),
		Locks:            m.LockSnapshots(),
		Threads:          m.ThreadSnapshots(),
		RaceConditions:   m.RaceEvents(),
		Deadlocks:        m.DeadlockEvents(),
		AtomicOperations: m.AtomicRecords(),
	}
}

// WriteReport writes the report to w as indented JSON.
func (m *Monitor) WriteReport(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Report()); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// ExportReport writes the report to the named file, replacing any previous
// one. A flock on a sibling ".lock" file serializes concurrent exporters,
// ours or another process's, so readers never see a torn file.
func (m *Monitor) ExportReport(path string) error {
	unlock, err := lockReportFile(path)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	err = m.WriteReport(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Warningf("report export to %q failed: %v", path, err)
		return fmt.Errorf("writing report to %q: %w", path, err)
	}
	log.Infof("diagnostic report written to %q", path)
	return nil
}

func lockReportFile(path string) (func() error, error) {
	l := flock.NewFlock(path + ".lock")
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("locking report file %q: %w", path, err)
	}
	return l.Unlock, nil
}
