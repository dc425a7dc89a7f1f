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

// Binary lockmon exercises and observes the lockvisor runtime monitor. It
// can run a demo workload, stage a deadlock, or serve monitor state over
// HTTP.
package main

import (
	"lockvisor.dev/lockvisor/lockmon/cli"
)

func main() {
	cli.Main()
}
