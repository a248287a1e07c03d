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

package frametable

import (
	"bytes"
	"path"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestByAddress(t *testing.T) {
	t.Parallel()

	table, err := NewTable(DialectFull, []Record{
		{Name: "main.bar", Begin: 0x2000, End: 0x2010, Size: 32},
		{Name: "main.foo", Begin: 0x1000, End: 0x1010, Size: 96},
		{Name: "main.baz", Begin: 0x1011, End: 0x1fff, Size: 8},
	})
	require.NoError(t, err)

	tests := []struct {
		pc   uint64
		want string
	}{
		{pc: 0x0fff},
		{pc: 0x1000, want: "main.foo"},
		{pc: 0x1004, want: "main.foo"},
		{pc: 0x1010, want: "main.foo"},
		{pc: 0x1011, want: "main.baz"},
		{pc: 0x2008, want: "main.bar"},
		{pc: 0x2010, want: "main.bar"},
		{pc: 0x2011},
	}
	for _, tt := range tests {
		r, ok := table.ByAddress(tt.pc)
		if tt.want == "" {
			require.False(t, ok, "pc %x resolved to %s", tt.pc, r.Name)
			continue
		}
		require.True(t, ok, "pc %x", tt.pc)
		require.Equal(t, tt.want, r.Name)
	}
}

func TestByAddressReducedTable(t *testing.T) {
	t.Parallel()

	table, err := NewTable(DialectReduced, []Record{{Name: "main.foo", Size: 96}})
	require.NoError(t, err)
	require.False(t, table.HasRanges())

	_, ok := table.ByAddress(0)
	require.False(t, ok)

	r, ok := table.ByName("main.foo")
	require.True(t, ok)
	require.Equal(t, uint64(96), r.Size)
}

func TestNewTableValidation(t *testing.T) {
	t.Parallel()

	_, err := NewTable(DialectFull, []Record{{Name: "f", Begin: 0x20, End: 0x10}})
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewTable(DialectReduced, []Record{{Name: "f", Begin: 0x20, End: 0x30}})
	require.ErrorIs(t, err, ErrRangeInReduced)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestBySizeIsStable(t *testing.T) {
	t.Parallel()

	table, err := NewTable(DialectReduced, []Record{
		{Name: "a", Size: 8},
		{Name: "b", Size: 64},
		{Name: "c", Size: 8},
		{Name: "d", Size: 64},
	})
	require.NoError(t, err)

	var names []string
	for _, r := range table.BySize() {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{"b", "d", "a", "c"}, names)
	// The table itself keeps its order.
	require.Equal(t, "a", table.Records()[0].Name)
}

func TestWriteRead(t *testing.T) {
	t.Parallel()

	table, err := NewTable(DialectFull, []Record{
		{Name: "main.bar", Begin: 0x2000, End: 0x2010, Size: 32},
		{Name: "main.foo", Begin: 0x1000, End: 0x1010, Size: 96},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, table))
	require.Equal(t, "main.foo\t1000\t1010\t96\nmain.bar\t2000\t2010\t32\n", buf.String())

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, DialectFull, got.Dialect())
	require.Equal(t, 2, got.Len())
	if diff := cmp.Diff(table.BySize(), got.BySize()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	r, ok := got.ByAddress(0x1004)
	require.True(t, ok)
	require.Equal(t, Record{Name: "main.foo", Begin: 0x1000, End: 0x1010, Size: 96}, r)
}

func TestReadAcceptsPrefixedAddresses(t *testing.T) {
	t.Parallel()

	table, err := Read(strings.NewReader("main.foo\t0x1000\t0x1010\t96\r\n\nmain.bar\t0x2000\t0x2010\t32\n"))
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())

	r, ok := table.ByName("main.bar")
	require.True(t, ok)
	require.Equal(t, uint64(0x2000), r.Begin)
}

func TestReadReduced(t *testing.T) {
	t.Parallel()

	table, err := Read(strings.NewReader("runtime.main\t88\ntime.Sleep\t96\n"))
	require.NoError(t, err)
	require.Equal(t, DialectReduced, table.Dialect())

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, table))
	require.Equal(t, "time.Sleep\t96\nruntime.main\t88\n", buf.String())
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		err   error
	}{
		{name: "three fields", input: "main.foo\t1000\t96\n", err: ErrMalformedRow},
		{name: "bad address", input: "main.foo\tzz\t1010\t96\n", err: ErrMalformedRow},
		{name: "bad size", input: "main.foo\t1000\t1010\t-1\n", err: ErrMalformedRow},
		{name: "mixed", input: "main.foo\t1000\t1010\t96\nmain.bar\t32\n", err: ErrMixedDialects},
		{name: "begin after end", input: "main.foo\t2000\t1000\t96\n", err: ErrInvalidRange},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Read(strings.NewReader(tt.input))
			require.ErrorIs(t, err, tt.err)
			require.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	file := path.Join(t.TempDir(), "stack_amount.tsv")
	table, err := NewTable(DialectFull, []Record{
		{Name: "main.foo", Begin: 0x1000, End: 0x1010, Size: 96},
	})
	require.NoError(t, err)
	require.NoError(t, WriteFile(file, table))

	got, err := LoadFile(file)
	require.NoError(t, err)
	require.Equal(t, table.Records(), got.Records())
}
