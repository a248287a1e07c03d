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
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/uchan-nos/gostackamount/pkg/cache"
	"github.com/uchan-nos/gostackamount/pkg/frametable"
	"github.com/uchan-nos/gostackamount/pkg/goroutine"
)

const (
	// DefaultFloor is the smallest stack the Go runtime gives a goroutine
	// (_StackMin in runtime/stack.go). Older releases used 4096.
	DefaultFloor = 2048

	defaultCacheSize = 4096
)

// ErrNoAddressRanges is returned when a profile without symbol names has to
// be resolved against a frame table that has no address ranges.
var ErrNoAddressRanges = errors.New("profile has no symbol names and frame table has no address ranges")

type Config struct {
	// Floor is the minimum stack size of a goroutine.
	Floor uint64
	// Concurrency bounds how many groups are estimated at once.
	Concurrency int
	// CacheSize bounds the number of memoized address lookups.
	CacheSize int
}

// FrameEstimate is a frame of a group together with the function it
// resolved to.
type FrameEstimate struct {
	Frame goroutine.Frame
	// Record is only meaningful when Resolved is set.
	Record   frametable.Record
	Resolved bool
}

// Name returns the best known name of the frame's function.
func (f FrameEstimate) Name() string {
	switch {
	case f.Frame.Func != "":
		return f.Frame.Func
	case f.Resolved:
		return f.Record.Name
	default:
		return "unknown"
	}
}

// GroupEstimate is the stack estimate for one group of goroutines.
type GroupEstimate struct {
	Group  goroutine.Group
	Frames []FrameEstimate
	// Sum is the sum of the frame sizes of the resolved frames.
	Sum uint64
	// PerGoroutine is Sum raised to the floor and rounded up to a power of
	// two, the stack size the runtime would have allocated.
	PerGoroutine uint64
	// Total is PerGoroutine times the number of goroutines in the group.
	Total uint64
}

// Result is the stack estimate of a whole profile.
type Result struct {
	Groups []GroupEstimate
	// Total is the sum of all group totals.
	Total      uint64
	Goroutines int64
	Unresolved int
}

// StackSize returns the stack a goroutine using sum bytes ends up with: at
// least floor, rounded up to a power of two.
func StackSize(sum, floor uint64) uint64 {
	if sum < floor {
		sum = floor
	}
	return nextPowerOfTwo(sum)
}

// nextPowerOfTwo saturates at math.MaxUint64 above 1<<63.
func nextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return v
	}
	if v > 1<<63 {
		return math.MaxUint64
	}
	return 1 << bits.Len64(v-1)
}

func saturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func saturatingMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

type metrics struct {
	groups prometheus.Counter
	frames *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		groups: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stack_amount_estimate_groups_total",
			Help: "Total number of goroutine groups estimated.",
		}),
		frames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stack_amount_estimate_frames_total",
			Help: "Total number of stack frames looked up, by result.",
		}, []string{"result"}),
	}
}

// Estimator combines a frame table and a goroutine profile into an estimate
// of the memory held by goroutine stacks.
type Estimator struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config
	cache   *cache.LRUCache[rangeKey, rangeResult]
}

func NewEstimator(logger log.Logger, reg prometheus.Registerer, cfg Config) (*Estimator, error) {
	if cfg.Floor == 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = defaultCacheSize
	}

	c, err := cache.NewLRUCache[rangeKey, rangeResult](
		prometheus.WrapRegistererWith(prometheus.Labels{"cache": "address_range"}, reg),
		cfg.CacheSize,
	)
	if err != nil {
		return nil, fmt.Errorf("create address cache: %w", err)
	}

	return &Estimator{
		logger:  logger,
		metrics: newMetrics(reg),
		cfg:     cfg,
		cache:   c,
	}, nil
}

func (e *Estimator) Close() error {
	return e.cache.Close()
}

// Resolver picks how frames of snap are resolved. Profiles with detail lines
// are resolved by symbol name, bare ones by address range. Groups of an
// annotated profile that lack detail lines are still resolved by address
// when the table has ranges.
func (e *Estimator) Resolver(table *frametable.Table, snap *goroutine.Snapshot) (Resolver, error) {
	if snap.Annotated() {
		r := &annotatedResolver{symbols: NewSymbolResolver(table)}
		if table.HasRanges() {
			r.ranges = newRangeResolver(table, e.cache)
		}
		return r, nil
	}
	if !table.HasRanges() {
		return nil, ErrNoAddressRanges
	}
	return newRangeResolver(table, e.cache), nil
}

// Estimate computes the stack estimate of every group of snap, in profile
// order. Frames that can't be resolved count as zero bytes.
func (e *Estimator) Estimate(ctx context.Context, table *frametable.Table, snap *goroutine.Snapshot) (*Result, error) {
	res := &Result{Groups: make([]GroupEstimate, len(snap.Groups))}
	if len(snap.Groups) == 0 {
		return res, nil
	}

	resolver, err := e.Resolver(table, snap)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i := range snap.Groups {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Groups[i] = e.estimateGroup(resolver, snap.Groups[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ge := range res.Groups {
		res.Total = saturatingAdd(res.Total, ge.Total)
		res.Goroutines += ge.Group.Count
		for _, f := range ge.Frames {
			if !f.Resolved {
				res.Unresolved++
			}
		}
	}
	return res, nil
}

func (e *Estimator) estimateGroup(resolver Resolver, g goroutine.Group) GroupEstimate {
	frames := g.Frames
	if len(frames) == 0 {
		frames = make([]goroutine.Frame, 0, len(g.PCs))
		for _, pc := range g.PCs {
			frames = append(frames, goroutine.Frame{PC: pc})
		}
	}

	ge := GroupEstimate{Group: g, Frames: make([]FrameEstimate, 0, len(frames))}
	for _, f := range frames {
		rec, ok := resolver.Resolve(f)
		if ok {
			ge.Sum = saturatingAdd(ge.Sum, rec.Size)
			e.metrics.frames.WithLabelValues("resolved").Inc()
		} else {
			level.Debug(e.logger).Log("msg", "unresolved frame", "pc", fmt.Sprintf("%#x", f.PC), "func", f.Func)
			e.metrics.frames.WithLabelValues("unresolved").Inc()
		}
		ge.Frames = append(ge.Frames, FrameEstimate{Frame: f, Record: rec, Resolved: ok})
	}

	ge.PerGoroutine = StackSize(ge.Sum, e.cfg.Floor)
	ge.Total = saturatingMul(uint64(g.Count), ge.PerGoroutine)
	e.metrics.groups.Inc()
	return ge
}
