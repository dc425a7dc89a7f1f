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

// Package goid identifies the calling goroutine.
//
// The runtime does not expose goroutine ids, on purpose. This package
// recovers the id from the header line of a single-goroutine stack dump,
// which is stable for the lifetime of the goroutine and matches the ids that
// appear in full runtime.Stack dumps. That makes it usable as the thread id
// the monitor keys its registries on. The dump costs roughly a microsecond,
// which is acceptable on lock slow paths but not in tight loops; callers
// should capture it once per operation, not per iteration.
package goid

import (
	"runtime"
)

const header = "goroutine "

// Get returns the current goroutine id.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return ParseHeader(buf[:n])
}

// ParseHeader extracts the goroutine id from the leading "goroutine <id>"
// header of a stack dump. It returns 0 if the input does not start with a
// header.
func ParseHeader(b []byte) uint64 {
	if len(b) < len(header) || string(b[:len(header)]) != header {
		return 0
	}
	var id uint64
	for _, c := range b[len(header):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
