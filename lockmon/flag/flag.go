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

// Package flag wraps the standard flag package so the rest of lockmon has a
// single import for flag handling.
package flag

import (
	"flag"
)

// FlagSet is an alias for flag.FlagSet.
type FlagSet = flag.FlagSet

// Flag is an alias for flag.Flag.
type Flag = flag.Flag

// Value is an alias for flag.Value.
type Value = flag.Value

// ErrorHandling is an alias for flag.ErrorHandling.
type ErrorHandling = flag.ErrorHandling

// ContinueOnError is an alias for flag.ContinueOnError.
const ContinueOnError = flag.ContinueOnError

// NewFlagSet is an alias for flag.NewFlagSet.
var NewFlagSet = flag.NewFlagSet

// CommandLine is an alias for flag.CommandLine.
var CommandLine = flag.CommandLine

// Aliases for functions on CommandLine.
var (
	Bool     = flag.Bool
	Duration = flag.Duration
	Int      = flag.Int
	Lookup   = flag.Lookup
	Parse    = flag.Parse
	String   = flag.String
)

// Get returns the value held by v.
//
// All values produced by this package implement flag.Getter; a Value from
// anywhere else must too, or Get panics.
func Get(v Value) any {
	return v.(flag.Getter).Get()
}
