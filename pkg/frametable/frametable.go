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

// A frame table maps every function of an executable to the number of stack
// bytes a single invocation of it commits. It is produced by the static
// sizer from a disassembly listing and consumed by the goroutine stack
// estimator.
//
// On disk it is a tab separated text file with one function per line, in
// one of two dialects:
//
//	full:    name \t begin \t end \t size
//	reduced: name \t size
//
// Addresses are hexadecimal, size is decimal. Rows are sorted by descending
// size so the largest consumers can be spotted by eye; readers don't rely on
// the order.

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMalformedInput is wrapped by every error caused by input that can't
	// be parsed. None of these are recoverable.
	ErrMalformedInput = errors.New("malformed input")

	ErrMalformedRow   = fmt.Errorf("%w: malformed frame table row", ErrMalformedInput)
	ErrMixedDialects  = fmt.Errorf("%w: frame table mixes full and reduced rows", ErrMalformedInput)
	ErrInvalidRange   = fmt.Errorf("%w: function address range begins after it ends", ErrMalformedInput)
	ErrRangeInReduced = fmt.Errorf("%w: reduced frame table can't carry address ranges", ErrMalformedInput)
)

// Dialect tells which columns a frame table carries.
type Dialect int

const (
	// DialectFull rows carry the function address range.
	DialectFull Dialect = iota
	// DialectReduced rows only carry the function name and size.
	DialectReduced
)

func (d Dialect) String() string {
	switch d {
	case DialectFull:
		return "full"
	case DialectReduced:
		return "reduced"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// Record is the static stack estimate of one function.
type Record struct {
	Name string
	// Begin and End delimit the closed interval [Begin, End] of code
	// addresses of the function. Both are zero in reduced tables.
	Begin, End uint64
	// Size is the number of bytes of stack a single invocation consumes,
	// including the return address slot.
	Size uint64
}

// Contains reports whether pc falls into the address range of r.
func (r Record) Contains(pc uint64) bool {
	return r.Begin <= pc && pc <= r.End
}

// Table is an immutable set of function records. The zero value is not
// usable, use NewTable.
type Table struct {
	dialect Dialect
	records []Record

	byName map[string]int
	// byBegin holds indexes into records sorted by ascending Begin.
	byBegin []int
}

// NewTable validates records and builds the lookup indexes. The records are
// kept in the order given.
func NewTable(dialect Dialect, records []Record) (*Table, error) {
	t := &Table{
		dialect: dialect,
		records: make([]Record, len(records)),
		byName:  make(map[string]int, len(records)),
	}
	copy(t.records, records)

	for i, r := range t.records {
		switch dialect {
		case DialectFull:
			if r.Begin > r.End {
				return nil, fmt.Errorf("%s [%x, %x]: %w", r.Name, r.Begin, r.End, ErrInvalidRange)
			}
		case DialectReduced:
			if r.Begin != 0 || r.End != 0 {
				return nil, fmt.Errorf("%s: %w", r.Name, ErrRangeInReduced)
			}
		default:
			return nil, fmt.Errorf("unknown frame table dialect %d", dialect)
		}
		// Later duplicates win, like a plain map assignment would.
		t.byName[r.Name] = i
	}

	if dialect == DialectFull {
		t.byBegin = make([]int, len(t.records))
		for i := range t.byBegin {
			t.byBegin[i] = i
		}
		sort.SliceStable(t.byBegin, func(i, j int) bool {
			return t.records[t.byBegin[i]].Begin < t.records[t.byBegin[j]].Begin
		})
	}

	return t, nil
}

func (t *Table) Dialect() Dialect { return t.dialect }

// HasRanges reports whether records can be looked up by address.
func (t *Table) HasRanges() bool { return t.dialect == DialectFull }

func (t *Table) Len() int { return len(t.records) }

// Records returns a copy of the records in table order.
func (t *Table) Records() []Record {
	res := make([]Record, len(t.records))
	copy(res, t.records)
	return res
}

// BySize returns a copy of the records sorted by descending size. Records of
// equal size keep the table order.
func (t *Table) BySize() []Record {
	res := t.Records()
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Size > res[j].Size
	})
	return res
}

// ByName returns the record of the function called name.
func (t *Table) ByName(name string) (Record, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Record{}, false
	}
	return t.records[i], true
}

// ByAddress returns the record whose address range contains pc. Ranges are
// expected not to overlap. If they do, the candidate with the greatest begin
// address not above pc is the only one considered.
func (t *Table) ByAddress(pc uint64) (Record, bool) {
	if !t.HasRanges() {
		return Record{}, false
	}

	// Find the first record beginning after pc, the candidate is the one
	// before it.
	n := sort.Search(len(t.byBegin), func(i int) bool {
		return t.records[t.byBegin[i]].Begin > pc
	})
	if n == 0 {
		return Record{}, false
	}

	r := t.records[t.byBegin[n-1]]
	if !r.Contains(pc) {
		return Record{}, false
	}
	return r, true
}
