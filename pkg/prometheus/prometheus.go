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

// Package prometheus renders metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
//
// The package keeps no registry and spawns nothing. Callers sample their
// counters into a Snapshot when scraped and write it out, which keeps the
// export path a pure function of monitor state.
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// Metric describes one metric: its name, type, and help string.
type Metric struct {
	// Name is the Prometheus metric name, without any exporter prefix.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional string explaining what the metric measures.
	Help string `json:"help"`
}

// ProcessStartTimeSeconds is the conventional process start time metric.
// Exporters must write it without any prefix.
var ProcessStartTimeSeconds = Metric{
	Name: "process_start_time_seconds",
	Type: TypeGauge,
	Help: "Start time of the process since unix epoch in seconds.",
}

// writeHeaderTo writes the # HELP and # TYPE comment lines for m.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks need escaping in help strings.
		escaped := strings.ReplaceAll(strings.ReplaceAll(m.Help, `\`, `\\`), "\n", `\n`)
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, escaped); err != nil {
			return err
		}
	}
	var metricType string
	switch m.Type {
	case TypeGauge:
		metricType = "gauge"
	case TypeCounter:
		metricType = "counter"
	case TypeUntyped:
		metricType = "untyped"
	}
	if metricType != "" {
		if _, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, metricType); err != nil {
			return err
		}
	}
	return nil
}

// Number is a numerical metric value.
// Prometheus ultimately encodes every value as a float64, but counters are
// naturally integers; carrying them as int64 until export time keeps them
// exact.
type Number struct {
	// Float is the floating-point value. Mutually exclusive with Int.
	Float float64 `json:"float,omitempty"`

	// Int is the integer value. Mutually exclusive with Float.
	Int int64 `json:"int,omitempty"`
}

// String returns the value as it appears in the exposition format.
func (n *Number) String() string {
	var s strings.Builder
	if err := n.writeTo(&s); err != nil {
		panic(err)
	}
	return s.String()
}

// writeTo writes the number to the given writer.
func (n *Number) writeTo(w io.Writer) error {
	var s string
	switch {
	case n.Int == 0 && n.Float == 0:
		s = "0"
	case n.Int != 0:
		s = strconv.FormatInt(n.Int, 10)
	case n.Float == math.Inf(-1):
		s = "-Inf"
	case n.Float == math.Inf(1):
		s = "+Inf"
	case math.IsNaN(n.Float):
		s = "NaN"
	default:
		s = fmt.Sprintf("%f", n.Float)
	}
	_, err := io.WriteString(w, s)
	return err
}

// Data is an observation of a single metric's value.
type Data struct {
	// Metric is the metric being observed.
	Metric *Metric `json:"metric"`

	// Labels are the label pairs attached to this observation. They are
	// merged with the section's extra labels during export.
	Labels map[string]string `json:"labels,omitempty"`

	// Number is the observed value.
	Number *Number `json:"val"`
}

// NewIntData returns a Data observing metric with the given integer value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: &Number{Int: val}}
}

// NewFloatData returns a Data observing metric with the given float value.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Number: &Number{Float: val}}
}

// LabeledIntData returns a Data observing metric with the given labels and
// integer value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: &Number{Int: val}}
}

// LabeledFloatData returns a Data observing metric with the given labels
// and float value.
func LabeledFloatData(metric *Metric, labels map[string]string, val float64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: &Number{Float: val}}
}

// Snapshot is a set of observations taken at a single point in time.
type Snapshot struct {
	// When is the time at which the snapshot was taken.
	// Prometheus encodes timestamps as millisecond-precision int64s.
	When time.Time `json:"when,omitempty"`

	// Data holds the observations. Each (Metric, Labels) combination must
	// be unique within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns an empty Snapshot stamped with the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add appends observations to the snapshot. Returns s for chaining.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// SnapshotExportOptions controls how a single Section is rendered.
type SnapshotExportOptions struct {
	// ExporterPrefix is prepended to all metric names in the section.
	ExporterPrefix string

	// ExtraLabels are added to every value in the section.
	ExtraLabels map[string]string
}

// Section pairs a snapshot with its export options. One exposition may
// carry several sections, e.g. exporter-prefixed monitor data next to the
// unprefixed process-level metrics.
type Section struct {
	Snapshot *Snapshot
	Options  SnapshotExportOptions
}

// ExportOptions controls the exposition as a whole.
type ExportOptions struct {
	// CommentHeader is written as a comment before any metric data.
	CommentHeader string
}

// OrderedLabels merges the given label maps into a sorted list of
// 'key="value"' pairs. Label names must not repeat across maps.
func OrderedLabels(labels ...map[string]string) ([]string, error) {
	n := 0
	for _, labelMap := range labels {
		n += len(labelMap)
	}
	seen := make(map[string]struct{}, n)
	ordered := make([]string, 0, n)
	for _, labelMap := range labels {
		for k, v := range labelMap {
			if _, dup := seen[k]; dup {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			ordered = append(ordered, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(ordered)
	return ordered, nil
}

// writeTo writes one exposition line for d, preceded by the metric header
// if this is the metric's first appearance.
func (d *Data) writeTo(w io.Writer, when time.Time, options SnapshotExportOptions, headersWritten map[string]bool) error {
	fullName := options.ExporterPrefix + d.Metric.Name
	if !headersWritten[fullName] {
		// Blank line before each header block to keep families readable.
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
		if err := d.Metric.writeHeaderTo(w, options.ExporterPrefix); err != nil {
			return err
		}
		headersWritten[fullName] = true
	}
	if _, err := io.WriteString(w, fullName); err != nil {
		return err
	}
	if len(d.Labels) != 0 || len(options.ExtraLabels) != 0 {
		ordered, err := OrderedLabels(d.Labels, options.ExtraLabels)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "{%s}", strings.Join(ordered, ",")); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, " "); err != nil {
		return err
	}
	if err := d.Number.writeTo(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, " %d\n", when.UnixMilli())
	return err
}

// countingWriter tracks how many bytes made it to the underlying writer.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Written returns the number of bytes written through, not counting what
// is still buffered.
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// Write renders the sections to w in the text exposition format and
// returns the number of bytes written. The format wants all lines of a
// metric family contiguous, so data is ordered by full metric name rather
// than by section.
func Write(w io.Writer, options ExportOptions, sections ...Section) (int, error) {
	if len(sections) == 0 {
		return 0, nil
	}
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.Written(), err
			}
		}
	}
	for _, section := range sections {
		if _, err := fmt.Fprintf(cw, "# Snapshot with %d data points taken at %v.\n", len(section.Snapshot.Data), section.Snapshot.When); err != nil {
			return cw.Written(), err
		}
	}

	names := make([]string, 0, 32)
	namesSeen := make(map[string]bool, 32)
	for _, section := range sections {
		for _, d := range section.Snapshot.Data {
			fullName := section.Options.ExporterPrefix + d.Metric.Name
			if !namesSeen[fullName] {
				namesSeen[fullName] = true
				names = append(names, fullName)
			}
		}
	}
	sort.Strings(names)

	headersWritten := make(map[string]bool, len(names))
	for _, fullName := range names {
		for _, section := range sections {
			prefix := section.Options.ExporterPrefix
			if !strings.HasPrefix(fullName, prefix) {
				continue
			}
			want := strings.TrimPrefix(fullName, prefix)
			for _, d := range section.Snapshot.Data {
				if d.Metric.Name != want {
					continue
				}
				if err := d.writeTo(cw, section.Snapshot.When, section.Options, headersWritten); err != nil {
					return cw.Written(), err
				}
			}
		}
	}
	if _, err := io.WriteString(cw, "\n# End of metric data.\n"); err != nil {
		return cw.Written(), err
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
