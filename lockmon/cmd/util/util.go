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

// Package util provides error reporting helpers shared by lockmon commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"lockvisor.dev/lockvisor/pkg/log"
)

// ErrorLogger is an extra destination for error messages. When --log sends
// logging to a file, the CLI points this at stderr so failures still reach
// the terminal.
var ErrorLogger io.Writer

// Errorf logs an error, writes it to ErrorLogger when set, and returns
// ExitFailure for the calling command to pass through.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
	return subcommands.ExitFailure
}

// Fatalf logs an error the same way as Errorf and exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Exit with an unusual code so callers can tell a lockmon failure from
	// the workload's own exit.
	os.Exit(128)
}
