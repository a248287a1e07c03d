// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pprof

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uchan-nos/gostackamount/pkg/stack/estimate"
)

const stackBytesLabel = "stack_bytes"

// Converter turns a goroutine stack estimate into a pprof profile, so it can
// be explored with `go tool pprof` like any other memory profile. Each group
// becomes one sample valued with its goroutine count and its estimated stack
// bytes.
type Converter struct {
	logger  log.Logger
	metrics *converterMetrics
}

func NewConverter(logger log.Logger, reg prometheus.Registerer) *Converter {
	return &Converter{
		logger:  logger,
		metrics: newConverterMetrics(reg),
	}
}

// Convert builds the profile of res, captured at captureTime.
func (c *Converter) Convert(captureTime time.Time, res *estimate.Result) (*profile.Profile, error) {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "goroutine", Unit: "count"},
			{Type: "goroutine_space", Unit: "bytes"},
		},
		DefaultSampleType: "goroutine_space",
		PeriodType:        &profile.ValueType{Type: "goroutine", Unit: "count"},
		Period:            1,
		TimeNanos:         captureTime.UnixNano(),
		Sample:            make([]*profile.Sample, 0, len(res.Groups)),
	}

	var (
		functions = map[string]*profile.Function{}
		locations = map[string]*profile.Location{}
	)
	function := func(name string) *profile.Function {
		if f, ok := functions[name]; ok {
			return f
		}
		f := &profile.Function{
			ID:         uint64(len(prof.Function)) + 1,
			Name:       name,
			SystemName: name,
		}
		functions[name] = f
		prof.Function = append(prof.Function, f)
		return f
	}
	// Inlined calls show up as consecutive frames sharing a PC. They make a
	// single location whose lines run from the innermost function to the
	// caller they were inlined into.
	location := func(frames []estimate.FrameEstimate) *profile.Location {
		names := make([]string, 0, len(frames))
		for _, fe := range frames {
			names = append(names, fe.Name())
		}
		key := fmt.Sprintf("%x\x00%s", frames[0].Frame.PC, strings.Join(names, "\x00"))
		if l, ok := locations[key]; ok {
			return l
		}
		l := &profile.Location{
			ID:      uint64(len(prof.Location)) + 1,
			Address: frames[0].Frame.PC,
			Line:    make([]profile.Line, 0, len(frames)),
		}
		for i, fe := range frames {
			l.Line = append(l.Line, profile.Line{Function: function(names[i])})
			if fe.Resolved {
				c.metrics.locations.WithLabelValues("resolved").Inc()
			} else {
				c.metrics.locations.WithLabelValues("unresolved").Inc()
			}
		}
		locations[key] = l
		prof.Location = append(prof.Location, l)
		return l
	}

	for _, ge := range res.Groups {
		s := &profile.Sample{
			Location: make([]*profile.Location, 0, len(ge.Frames)),
			Value:    []int64{ge.Group.Count, clampInt64(ge.Total)},
			NumLabel: map[string][]int64{stackBytesLabel: {clampInt64(ge.PerGoroutine)}},
			NumUnit:  map[string][]string{stackBytesLabel: {"bytes"}},
		}
		for i := 0; i < len(ge.Frames); {
			j := i + 1
			for j < len(ge.Frames) && inlinedInto(ge.Frames[j-1], ge.Frames[j]) {
				j++
			}
			s.Location = append(s.Location, location(ge.Frames[i:j]))
			i = j
		}
		prof.Sample = append(prof.Sample, s)
		c.metrics.samples.Inc()
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	level.Debug(c.logger).Log("msg", "converted estimate to pprof", "samples", len(prof.Sample), "locations", len(prof.Location))
	return prof, nil
}

// inlinedInto reports whether callee was inlined into caller. Recursive
// calls also repeat a PC but keep their function name.
func inlinedInto(callee, caller estimate.FrameEstimate) bool {
	return callee.Frame.PC == caller.Frame.PC &&
		callee.Frame.Func != "" && caller.Frame.Func != "" &&
		callee.Frame.Func != caller.Frame.Func
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Write converts res and writes it gzip compressed to w.
func (c *Converter) Write(w io.Writer, captureTime time.Time, res *estimate.Result) error {
	prof, err := c.Convert(captureTime, res)
	if err != nil {
		return err
	}
	if err := prof.Write(w); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
