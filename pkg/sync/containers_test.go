// Copyright 2024 The Lockvisor Authors.
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

package sync

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMapBasic(t *testing.T) {
	var m Map[string, int]
	if _, ok := m.Load("a"); ok {
		t.Error("Load on empty map succeeded")
	}
	m.Store("a", 1)
	m.Store("b", 2)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Errorf("Load(a) = %v, %v, want 1, true", v, ok)
	}
	if actual, loaded := m.LoadOrStore("a", 99); !loaded || actual != 1 {
		t.Errorf("LoadOrStore(a) = %v, %v, want 1, true", actual, loaded)
	}
	if actual, loaded := m.LoadOrStore("c", 3); loaded || actual != 3 {
		t.Errorf("LoadOrStore(c) = %v, %v, want 3, false", actual, loaded)
	}
	m.Delete("b")
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
	want := map[string]int{"a": 1, "c": 3}
	if diff := cmp.Diff(want, m.Snapshot()); diff != "" {
		t.Errorf("Snapshot() returned unexpected diff (-want +got):\n%s", diff)
	}
}

func TestMapConcurrent(t *testing.T) {
	const (
		gr   = 10
		keys = 100
	)
	var m Map[string, int]
	var wg sync.WaitGroup
	for i := 0; i < gr; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < keys; k++ {
				m.Store(fmt.Sprintf("%d/%d", i, k), k)
			}
		}(i)
	}
	wg.Wait()
	if m.Len() != gr*keys {
		t.Errorf("Len() = %d, want %d", m.Len(), gr*keys)
	}
}

func TestListAppend(t *testing.T) {
	var l List[string]
	if i := l.Append("x"); i != 0 {
		t.Errorf("first Append returned index %d, want 0", i)
	}
	l.Append("y")
	if v, ok := l.Get(1); !ok || v != "y" {
		t.Errorf("Get(1) = %q, %v, want y, true", v, ok)
	}
	if _, ok := l.Get(5); ok {
		t.Error("Get(5) succeeded on a 2-element list")
	}
	if diff := cmp.Diff([]string{"x", "y"}, l.Snapshot()); diff != "" {
		t.Errorf("Snapshot() returned unexpected diff (-want +got):\n%s", diff)
	}
	l.Reset()
	if l.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", l.Len())
	}
}

func TestListConcurrent(t *testing.T) {
	const (
		gr    = 8
		items = 250
	)
	var l List[int]
	var wg sync.WaitGroup
	for i := 0; i < gr; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for k := 0; k < items; k++ {
				l.Append(base*items + k)
			}
		}(i)
	}
	wg.Wait()
	got := l.Snapshot()
	if len(got) != gr*items {
		t.Fatalf("got %d elements, want %d", len(got), gr*items)
	}
	// Every value lands exactly once, order aside.
	sort.Ints(got)
	for i, v := range got {
		if v != i {
			t.Fatalf("element %d is %d after sorting, want %d", i, v, i)
		}
	}
}

func TestCounterConcurrent(t *testing.T) {
	const (
		gr         = 10
		increments = 1000
	)
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < gr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < increments; k++ {
				c.Increment()
			}
		}()
	}
	wg.Wait()
	if got := c.Load(); got != gr*increments {
		t.Errorf("Load() = %d, want %d", got, gr*increments)
	}
}
