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

package sizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uchan-nos/gostackamount/pkg/frametable"
)

// DefaultPointerSize is the width of a return address on amd64.
const DefaultPointerSize = 8

// maxLineSize bounds a single disassembly line.
const maxLineSize = 1024 * 1024

// 00000000007d2850 <type..eq.[3]os.Signal>:
var funcLabel = regexp.MustCompile(`^([0-9a-f]+)\s*<([^>]*)>:$`)

// ErrMalformedAddress is returned when the last instruction of a function
// doesn't start with an "address:" column, which leaves the end of the
// function unknown.
var ErrMalformedAddress = fmt.Errorf("%w: unknown address format", frametable.ErrMalformedInput)

// Function is one function body found in a disassembly listing.
type Function struct {
	Name  string
	Begin uint64
	// End is the address of the last instruction. It is only known when the
	// body is terminated by a blank line or the end of the listing.
	End    uint64
	HasEnd bool
	Ops    []Op
}

type Config struct {
	// PointerSize is the size in bytes of a return address and of a pushed
	// register.
	PointerSize uint64
	// AddressRanges selects the full frame table dialect. Functions whose
	// end address is unknown are left out of full tables.
	AddressRanges bool
}

type metrics struct {
	functions prometheus.Counter
	ops       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		functions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stack_amount_sizer_functions_total",
			Help: "Total number of function bodies found in disassembly listings.",
		}),
		ops: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stack_amount_sizer_stack_ops_total",
			Help: "Total number of stack adjusting instructions recognized, by kind.",
		}, []string{"kind"}),
	}
}

// Sizer statically estimates the stack frame size of every function in a
// disassembly listing produced by `objdump -d -M intel`.
type Sizer struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config
}

func NewSizer(logger log.Logger, reg prometheus.Registerer, cfg Config) *Sizer {
	if cfg.PointerSize == 0 {
		cfg.PointerSize = DefaultPointerSize
	}
	return &Sizer{
		logger:  logger,
		metrics: newMetrics(reg),
		cfg:     cfg,
	}
}

// Size reads a disassembly listing and returns the frame table of all the
// functions in it.
func (s *Sizer) Size(ctx context.Context, r io.Reader) (*frametable.Table, error) {
	funcs, err := s.Functions(ctx, r)
	if err != nil {
		return nil, err
	}

	dialect := frametable.DialectReduced
	if s.cfg.AddressRanges {
		dialect = frametable.DialectFull
	}

	records := make([]frametable.Record, 0, len(funcs))
	for _, fn := range funcs {
		rec := frametable.Record{
			Name: fn.Name,
			Size: FrameSize(fn.Ops, s.cfg.PointerSize),
		}
		if s.cfg.AddressRanges {
			if !fn.HasEnd {
				level.Debug(s.logger).Log("msg", "skipping function without end address", "func", fn.Name)
				continue
			}
			rec.Begin, rec.End = fn.Begin, fn.End
		}
		records = append(records, rec)
	}

	level.Debug(s.logger).Log("msg", "sized functions", "found", len(funcs), "kept", len(records), "dialect", dialect)
	return frametable.NewTable(dialect, records)
}

// Functions segments a disassembly listing into function bodies and
// classifies their instructions. A function appearing twice replaces the
// earlier body but keeps its position.
func (s *Sizer) Functions(ctx context.Context, r io.Reader) ([]Function, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		funcs []Function
		index = map[string]int{}
		cur   *Function
	)
	finish := func() {
		if cur == nil {
			return
		}
		s.metrics.functions.Inc()
		if i, ok := index[cur.Name]; ok {
			funcs[i] = *cur
		} else {
			index[cur.Name] = len(funcs)
			funcs = append(funcs, *cur)
		}
		cur = nil
	}

	// Whether an instruction closes its function depends on the line after
	// it, so keep one line of lookahead.
	hasNext := sc.Scan()
	next := sc.Text()
	for lineNo := 1; hasNext; lineNo++ {
		line := next
		hasNext = sc.Scan()
		next = ""
		if hasNext {
			next = sc.Text()
		}

		if m := funcLabel.FindStringSubmatch(line); m != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			finish()
			begin, err := strconv.ParseUint(m[1], 16, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w: bad function address: %w", lineNo, frametable.ErrMalformedInput, err)
			}
			cur = &Function{Name: m[2], Begin: begin}
			continue
		}
		if cur == nil {
			continue
		}

		// address: \t raw bytes \t mnemonic and operands
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}

		if next == "" {
			end, err := endAddress(fields[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cur.End, cur.HasEnd = end, true
			finish()
			continue
		}

		op, err := Classify(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		switch op.(type) {
		case SubSP:
			s.metrics.ops.WithLabelValues("sub_sp").Inc()
		case Push:
			s.metrics.ops.WithLabelValues("push").Inc()
		case Other:
			continue
		}
		cur.Ops = append(cur.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan disassembly: %w", err)
	}
	finish()

	return funcs, nil
}

//	7eda0d:
func endAddress(field string) (uint64, error) {
	field = strings.TrimSpace(field)
	if !strings.HasSuffix(field, ":") {
		return 0, ErrMalformedAddress
	}
	end, err := strconv.ParseUint(strings.TrimSuffix(field, ":"), 16, 64)
	if err != nil {
		return 0, errors.Join(ErrMalformedAddress, err)
	}
	return end, nil
}
