// Copyright 2026 The Lockvisor Authors.
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
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards messages to a logrus logger, for embedding into
// hosts that already standardize on logrus for their diagnostics. Timestamps
// and formatting are handled by the logrus configuration, not here.
type LogrusEmitter struct {
	*logrus.Logger
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	switch level {
	case Warning:
		e.Logger.Warnf(format, v...)
	case Info:
		e.Logger.Infof(format, v...)
	case Debug:
		e.Logger.Debugf(format, v...)
	}
}
