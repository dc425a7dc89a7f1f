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
	"sync"
)

// List is a mutex-guarded append-only slice. The zero value is empty and
// ready to use. Entries are never reordered, so an index returned by Append
// stays valid until Reset.
type List[T any] struct {
	mu    sync.RWMutex
	items []T
}

// Append adds v to the end of the list and returns its index.
func (l *List[T]) Append(v T) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, v)
	return len(l.items) - 1
}

// Get returns the element at index i.
func (l *List[T]) Get(i int) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.items) {
		var zero T
		return zero, false
	}
	return l.items[i], true
}

// Len returns the number of elements.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Range calls f for each element in order until f returns false.
func (l *List[T]) Range(f func(i int, v T) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, v := range l.items {
		if !f(i, v) {
			return
		}
	}
}

// Snapshot returns a copy of the current contents.
func (l *List[T]) Snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Reset removes all elements.
func (l *List[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}
