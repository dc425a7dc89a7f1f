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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// TextEmitter logs messages in a glog-compatible single-line format:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is a single character for the level ('I' for Info), followed by a
// zero-padded date and time, the space-padded pid, and the call site.
type TextEmitter struct {
	*Writer
}

// pid is the space-padded process id used for the threadid header component.
// The glog format pads to 7 characters.
var pid = []byte(fmt.Sprintf("%7d", os.Getpid()))

func appendTwoDigits(b []byte, v int) []byte {
	v = v % 100
	b = append(b, '0'+byte(v/10))
	return append(b, '0'+byte(v%10))
}

func appendSixDigits(b []byte, v int) []byte {
	v = v % 1000000
	for div := 100000; div > 0; div /= 10 {
		b = append(b, '0'+byte((v/div)%10))
	}
	return b
}

// Emit implements Emitter.Emit.
func (e TextEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 256)

	// Log level.
	switch level {
	case Debug:
		b = append(b, 'D')
	case Info:
		b = append(b, 'I')
	case Warning:
		b = append(b, 'W')
	}

	// Timestamp.
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = appendTwoDigits(b, int(month))
	b = appendTwoDigits(b, day)
	b = append(b, ' ')
	b = appendTwoDigits(b, hour)
	b = append(b, ':')
	b = appendTwoDigits(b, minute)
	b = append(b, ':')
	b = appendTwoDigits(b, second)
	b = append(b, '.')
	b = appendSixDigits(b, timestamp.Nanosecond()/1000)
	b = append(b, ' ')

	// The pid.
	b = append(b, pid...)
	b = append(b, ' ')

	// The call site.
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:]
		}
		b = append(b, file...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "???"...)
	}
	b = append(b, ']', ' ')

	// The message itself, ending with a newline.
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')

	e.Writer.Write(b)
}
