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

// Package config constructs the lockmon configuration from command line
// flags and an optional TOML file named by --config-file. The file holds
// flag values keyed by flag name; a flag passed explicitly on the command
// line wins over the file, and the file wins over built-in defaults.
package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"lockvisor.dev/lockvisor/lockmon/flag"
	"lockvisor.dev/lockvisor/pkg/monitor"
)

// Resolution policies accepted by --resolver.
const (
	ResolverLog    = "log"
	ResolverCancel = "cancel"
)

// Config holds configuration for the whole lockmon process. It is populated
// from flags only, via NewFromFlags; fields declare the flag that feeds them
// with the `flag` tag.
type Config struct {
	// ConfigFile is the TOML file part of this configuration was loaded
	// from, empty when it came from flags alone.
	ConfigFile string `flag:"config-file"`

	// Log is the path log messages are written to. Empty means stderr.
	Log string `flag:"log"`

	// LogFormat is the log message encoding: "text", "json", "json-k8s"
	// or "logrus".
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr mirrors log messages to stderr when --log points at
	// a file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Interval is the time between monitoring passes.
	Interval time.Duration `flag:"interval"`

	// FailureBackoff replaces Interval for the pass immediately after a
	// failed one.
	FailureBackoff time.Duration `flag:"failure-backoff"`

	// DeadlockDetection enables the wait-for-graph pass.
	DeadlockDetection bool `flag:"deadlock-detection"`

	// RaceDetection enables polling the race detector every pass.
	RaceDetection bool `flag:"race-detection"`

	// DiscoverGoroutines registers goroutines the monitor finds in stack
	// dumps without an explicit registration.
	DiscoverGoroutines bool `flag:"discover-goroutines"`

	// CaptureStacks records a stack snapshot when a thread registers.
	CaptureStacks bool `flag:"capture-stacks"`

	// DedupDeadlocks reports a deadlock cycle that persists across passes
	// only once.
	DedupDeadlocks bool `flag:"dedup-deadlocks"`

	// Resolver names the deadlock resolution policy, ResolverLog or
	// ResolverCancel.
	Resolver string `flag:"resolver"`

	// MetricServer is the address the serve command binds. A value
	// starting with a path separator is a unix socket path, anything
	// else is host:port.
	MetricServer string `flag:"metric-server"`

	// ExporterPrefix is prepended to exported metric names.
	ExporterPrefix string `flag:"exporter-prefix"`

	// ReportFile is where the demo command writes its JSON report, empty
	// to skip the export.
	ReportFile string `flag:"report-file"`

	// Workers is the size of the workload's worker pool.
	Workers int `flag:"workers"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Process wide flags.
	flagSet.String("config-file", "", "TOML file with flag values keyed by flag name; explicit flags win over the file.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are written. Empty means stderr.")
	flagSet.String("log-format", "text", `log format: "text", "json", "json-k8s" or "logrus".`)
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as --log.")

	// Monitoring flags.
	flagSet.Duration("interval", time.Second, "time between monitoring passes.")
	flagSet.Duration("failure-backoff", 5*time.Second, "delay before the pass following a failed one.")
	flagSet.Bool("deadlock-detection", true, "detect deadlock cycles in the wait-for graph.")
	flagSet.Bool("race-detection", true, "poll the race detector every pass.")
	flagSet.Bool("discover-goroutines", true, "track goroutines found in stack dumps even when never registered.")
	flagSet.Bool("capture-stacks", false, "record a stack snapshot when a thread registers.")
	flagSet.Bool("dedup-deadlocks", false, "report a deadlock cycle that persists across passes only once.")
	flagSet.String("resolver", ResolverLog, `deadlock resolution policy: "log" or "cancel".`)

	// Workload and serving flags.
	flagSet.String("metric-server", "localhost:9235", "address for the metrics server, host:port or a unix socket path.")
	flagSet.String("exporter-prefix", "lockvisor_", "prefix prepended to exported metric names.")
	flagSet.String("report-file", "", "file path where the demo command writes its JSON report. Empty skips the export.")
	flagSet.Int("workers", 4, "number of workers in the workload pool.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, layered over the TOML file named by --config-file when one is set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config-file"); fl != nil {
		if path := fl.Value.String(); path != "" {
			if err := applyFile(flagSet, path); err != nil {
				return nil, err
			}
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets flags from the TOML file at path. Keys are flag names and
// values are strings in flag syntax, so booleans and durations are written
// quoted, e.g. interval = "250ms". Flags already set on the command line
// are left alone.
func applyFile(flagSet *flag.FlagSet, path string) error {
	values := make(map[string]string)
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	// Apply in sorted order so a broken file fails on the same key every
	// time.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "config-file" {
			return fmt.Errorf("config file %q: %q cannot be set from a file", path, k)
		}
		fl := flagSet.Lookup(k)
		if fl == nil {
			return fmt.Errorf("config file %q: unknown flag %q", path, k)
		}
		if set[k] {
			continue
		}
		if err := fl.Value.Set(values[k]); err != nil {
			return fmt.Errorf("config file %q: setting flag %s=%q: %w", path, k, values[k], err)
		}
	}
	return nil
}

// ToFlags returns the series of flags that would produce this
// configuration, leaving out flags still at their default value.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.String:
		return field.String()
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	default:
		panic("unknown type " + field.Kind().String())
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	switch c.Resolver {
	case ResolverLog, ResolverCancel:
	default:
		return fmt.Errorf("invalid resolver %q", c.Resolver)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("invalid monitoring interval %v", c.Interval)
	}
	if c.FailureBackoff <= 0 {
		return fmt.Errorf("invalid failure backoff %v", c.FailureBackoff)
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid worker count %d", c.Workers)
	}
	return nil
}

// MonitorOptions returns the monitor options this configuration selects.
// The join timeout is left for the monitor to default.
func (c *Config) MonitorOptions() monitor.Options {
	return monitor.Options{
		Interval:           c.Interval,
		FailureBackoff:     c.FailureBackoff,
		DeadlockDetection:  c.DeadlockDetection,
		RaceDetection:      c.RaceDetection,
		DiscoverGoroutines: c.DiscoverGoroutines,
		CaptureStacks:      c.CaptureStacks,
		Deduplicate:        c.DedupDeadlocks,
	}
}

// NewResolver returns the resolution policy named by Resolver.
func (c *Config) NewResolver() monitor.Resolver {
	if c.Resolver == ResolverCancel {
		return monitor.CancelResolver{}
	}
	return monitor.LogResolver{}
}
