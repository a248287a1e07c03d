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

package estimate

import (
	"github.com/uchan-nos/gostackamount/pkg/cache"
	"github.com/uchan-nos/gostackamount/pkg/frametable"
	"github.com/uchan-nos/gostackamount/pkg/goroutine"
)

// Resolver finds the function a stack frame belongs to.
type Resolver interface {
	Resolve(f goroutine.Frame) (frametable.Record, bool)
}

// SymbolResolver resolves frames by the symbol name the profile annotated
// them with.
type SymbolResolver struct {
	table *frametable.Table
}

func NewSymbolResolver(table *frametable.Table) *SymbolResolver {
	return &SymbolResolver{table: table}
}

func (r *SymbolResolver) Resolve(f goroutine.Frame) (frametable.Record, bool) {
	if f.Func == "" {
		return frametable.Record{}, false
	}
	return r.table.ByName(f.Func)
}

type rangeKey struct {
	table *frametable.Table
	pc    uint64
}

type rangeResult struct {
	rec frametable.Record
	ok  bool
}

// RangeResolver resolves frames by finding the function whose address range
// contains the program counter. The same few hundred program counters show
// up in most groups of a profile, so lookups are memoized.
type RangeResolver struct {
	table *frametable.Table
	cache *cache.LRUCache[rangeKey, rangeResult]
}

func newRangeResolver(table *frametable.Table, c *cache.LRUCache[rangeKey, rangeResult]) *RangeResolver {
	return &RangeResolver{table: table, cache: c}
}

func (r *RangeResolver) Resolve(f goroutine.Frame) (frametable.Record, bool) {
	key := rangeKey{table: r.table, pc: f.PC}
	if res, ok := r.cache.Get(key); ok {
		return res.rec, res.ok
	}

	rec, ok := r.table.ByAddress(f.PC)
	r.cache.Add(key, rangeResult{rec: rec, ok: ok})
	return rec, ok
}

// annotatedResolver resolves named frames by symbol and falls back to the
// address range for frames of groups that came without detail lines.
type annotatedResolver struct {
	symbols *SymbolResolver
	ranges  *RangeResolver
}

func (r *annotatedResolver) Resolve(f goroutine.Frame) (frametable.Record, bool) {
	if f.Func != "" || r.ranges == nil {
		return r.symbols.Resolve(f)
	}
	return r.ranges.Resolve(f)
}
