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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/uchan-nos/gostackamount/pkg/frametable"
	"github.com/uchan-nos/gostackamount/pkg/goroutine"
	"github.com/uchan-nos/gostackamount/pkg/stack/estimate"
)

func testResult(t *testing.T) *estimate.Result {
	t.Helper()

	table, err := frametable.Read(strings.NewReader("main.foo\t1000\t1010\t96\nmain.bar\t2000\t2010\t32\n"))
	require.NoError(t, err)
	snap, err := goroutine.Parse(strings.NewReader("goroutine profile: total 5\n3 @ 0x1004 0x2008\n\n2 @ 0x2008 0x9999\n"))
	require.NoError(t, err)

	e, err := estimate.NewEstimator(log.NewNopLogger(), prometheus.NewRegistry(), estimate.Config{Floor: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	res, err := e.Estimate(context.Background(), table, snap)
	require.NoError(t, err)
	return res
}

func TestConvert(t *testing.T) {
	t.Parallel()

	c := NewConverter(log.NewNopLogger(), prometheus.NewRegistry())
	now := time.Unix(1700000000, 0)
	prof, err := c.Convert(now, testResult(t))
	require.NoError(t, err)

	require.Equal(t, now.UnixNano(), prof.TimeNanos)
	require.Len(t, prof.Sample, 2)
	require.Len(t, prof.Location, 3)
	require.Len(t, prof.Function, 3)

	require.Equal(t, []int64{3, 3 * 4096}, prof.Sample[0].Value)
	require.Equal(t, []int64{2, 2 * 4096}, prof.Sample[1].Value)
	require.Equal(t, []int64{4096}, prof.Sample[0].NumLabel[stackBytesLabel])

	// Shared program counters share their location.
	require.Same(t, prof.Sample[0].Location[1], prof.Sample[1].Location[0])
	require.Equal(t, "main.foo", prof.Sample[0].Location[0].Line[0].Function.Name)
	require.Equal(t, "unknown", prof.Sample[1].Location[1].Line[0].Function.Name)
}

func TestConvertInlinedFrames(t *testing.T) {
	t.Parallel()

	table, err := frametable.Read(strings.NewReader("main.outer\t1000\t1040\t96\nmain.inner\t1100\t1110\t32\nmain.rec\t2000\t2010\t16\n"))
	require.NoError(t, err)
	snap, err := goroutine.Parse(strings.NewReader(`goroutine profile: total 3
2 @ 0x1004 0x2008 0x2008
#	0x1004	main.inner+0x4	/src/main.go:3
#	0x1004	main.outer+0x14	/src/main.go:9
#	0x2008	main.rec+0x8	/src/main.go:20
#	0x2008	main.rec+0x8	/src/main.go:20

1 @ 0x1004
#	0x1004	main.outer+0x14	/src/main.go:9

`))
	require.NoError(t, err)

	e, err := estimate.NewEstimator(log.NewNopLogger(), prometheus.NewRegistry(), estimate.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	res, err := e.Estimate(context.Background(), table, snap)
	require.NoError(t, err)

	prof, err := NewConverter(log.NewNopLogger(), prometheus.NewRegistry()).Convert(time.Now(), res)
	require.NoError(t, err)

	lines := func(l *profile.Location) []string {
		var names []string
		for _, line := range l.Line {
			names = append(names, line.Function.Name)
		}
		return names
	}

	s := prof.Sample[0]
	require.Len(t, s.Location, 3)
	require.Equal(t, uint64(0x1004), s.Location[0].Address)
	require.Equal(t, []string{"main.inner", "main.outer"}, lines(s.Location[0]))
	// Recursion repeats the location instead of folding into it.
	require.Equal(t, []string{"main.rec"}, lines(s.Location[1]))
	require.Same(t, s.Location[1], s.Location[2])

	// Same PC without the inlined callee is a location of its own.
	other := prof.Sample[1].Location[0]
	require.NotSame(t, s.Location[0], other)
	require.Equal(t, []string{"main.outer"}, lines(other))
	require.Len(t, prof.Location, 3)
	require.Len(t, prof.Function, 3)
}

func TestWriteParses(t *testing.T) {
	t.Parallel()

	c := NewConverter(log.NewNopLogger(), prometheus.NewRegistry())
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf, time.Now(), testResult(t)))

	prof, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, prof.Sample, 2)
	require.Equal(t, "goroutine_space", prof.SampleType[1].Type)
	require.Equal(t, "bytes", prof.SampleType[1].Unit)
}
