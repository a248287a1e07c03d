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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/uchan-nos/gostackamount/flags"
	"github.com/uchan-nos/gostackamount/pkg/frametable"
)

const disassembly = "../../pkg/stack/sizer/testdata/objdump.txt"

func TestSizeThenEstimate(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "prog.tsv")

	var f flags.Flags
	f.Size.Input = disassembly
	f.Size.Output = table
	f.MetricsOutput = filepath.Join(dir, "size.prom")
	require.NoError(t, execute(log.NewNopLogger(), f, flags.CommandSize, nil, nil))

	written, err := frametable.LoadFile(table)
	require.NoError(t, err)
	require.True(t, written.HasRanges())
	rec, ok := written.ByName("main.main")
	require.True(t, ok)
	require.Equal(t, uint64(272), rec.Size)

	metrics, err := os.ReadFile(f.MetricsOutput)
	require.NoError(t, err)
	require.Contains(t, string(metrics), "stack_amount_sizer_functions_total 4")

	f = flags.Flags{}
	f.Estimate.Table = table
	f.Estimate.Goroutines = flags.Stdin
	f.Estimate.PprofOutput = filepath.Join(dir, "goroutines.pb.gz")

	profileText := "goroutine profile: total 2\n" +
		"2 @ 0x401064 0x401044 0x500000\n" +
		"\n"
	var out bytes.Buffer
	require.NoError(t, execute(log.NewNopLogger(), f, flags.CommandEstimate, strings.NewReader(profileText), &out))

	report := out.String()
	require.Contains(t, report, "#\t0x401064\tmain.main\tstack:272\n")
	require.Contains(t, report, "#\t0x401044\tinternal/cpu.doinit\tstack:32\n")
	require.Contains(t, report, "#\t0x500000\tunknown\tstack:none\n")
	require.Contains(t, report, "total stack (estimated): 4096\n")

	pf, err := os.Open(f.Estimate.PprofOutput)
	require.NoError(t, err)
	defer pf.Close()
	prof, err := profile.Parse(pf)
	require.NoError(t, err)
	require.Len(t, prof.Sample, 1)
	require.Equal(t, []int64{2, 4096}, prof.Sample[0].Value)
}

func TestSizeReducedToStdout(t *testing.T) {
	var f flags.Flags
	f.Size.Input = disassembly
	f.Size.NoRanges = true

	var out bytes.Buffer
	require.NoError(t, execute(log.NewNopLogger(), f, flags.CommandSize, nil, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "main.main\t272", lines[0])
}

func TestExecuteConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stack-amount.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("estimate:\n  floor: 4096\n"), 0o600))

	table := filepath.Join(dir, "prog.tsv")
	require.NoError(t, os.WriteFile(table, []byte("main.main\t401060\t401074\t272\n"), 0o600))

	var f flags.Flags
	f.ConfigPath = cfgPath
	f.Estimate.Table = table
	f.Estimate.Goroutines = flags.Stdin

	var out bytes.Buffer
	profileText := "goroutine profile: total 3\n3 @ 0x401064\n\n"
	require.NoError(t, execute(log.NewNopLogger(), f, flags.CommandEstimate, strings.NewReader(profileText), &out))
	require.Contains(t, out.String(), "total stack (estimated): 12288\n")
}

func TestExecuteErrors(t *testing.T) {
	dir := t.TempDir()

	var f flags.Flags
	f.Estimate.Table = filepath.Join(dir, "missing.tsv")
	f.Estimate.Goroutines = flags.Stdin
	require.Error(t, execute(log.NewNopLogger(), f, flags.CommandEstimate, strings.NewReader(""), &bytes.Buffer{}))

	table := filepath.Join(dir, "prog.tsv")
	require.NoError(t, os.WriteFile(table, []byte("main.main\t272\n"), 0o600))
	f.Estimate.Table = table
	err := execute(log.NewNopLogger(), f, flags.CommandEstimate, strings.NewReader("not a profile\n"), &bytes.Buffer{})
	require.ErrorIs(t, err, frametable.ErrMalformedInput)

	require.Error(t, execute(log.NewNopLogger(), flags.Flags{}, "bogus", nil, nil))
}
