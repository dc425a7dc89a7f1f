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
	"sync/atomic"
)

// Counter is a monotonic atomic counter. The zero value is ready to use.
type Counter struct {
	v atomic.Int64
}

// Increment adds one and returns the new value.
func (c *Counter) Increment() int64 {
	return c.v.Add(1)
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return c.v.Add(delta)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return c.v.Load()
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	c.v.Store(0)
}
