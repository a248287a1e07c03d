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

// Command stack-amount estimates how much stack memory the goroutines of a
// Go program use.
//
// The size command reads `objdump -d -M intel` output of the program and
// writes a frame table: one tab separated row per function with its address
// range and frame size. The estimate command combines such a table with a
// goroutine profile taken with debug=1 and reports the stack each group of
// goroutines needs, rounded the way the runtime grows stacks.
//
//	objdump -d -M intel ./prog | stack-amount size -o prog.tsv
//	curl -s localhost:6060/debug/pprof/goroutine?debug=1 > goroutines.txt
//	stack-amount estimate --floor=2048 prog.tsv goroutines.txt
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uchan-nos/gostackamount/flags"
	"github.com/uchan-nos/gostackamount/pkg/config"
	"github.com/uchan-nos/gostackamount/pkg/frametable"
	"github.com/uchan-nos/gostackamount/pkg/goroutine"
	"github.com/uchan-nos/gostackamount/pkg/hash"
	"github.com/uchan-nos/gostackamount/pkg/logger"
	"github.com/uchan-nos/gostackamount/pkg/pprof"
	"github.com/uchan-nos/gostackamount/pkg/stack/estimate"
	"github.com/uchan-nos/gostackamount/pkg/stack/sizer"
)

func main() {
	f, kongCtx := flags.Parse()

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "stack-amount")

	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	if err := execute(logger, f, kongCtx.Selected().Name, os.Stdin, os.Stdout); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func execute(logger log.Logger, f flags.Flags, command string, stdin io.Reader, stdout io.Writer) error {
	var cfg *config.Config
	if f.ConfigPath != "" {
		var err error
		cfg, err = config.LoadFile(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		level.Debug(logger).Log("msg", "config loaded", "path", f.ConfigPath, "config", cfg.String())
	}
	f.Apply(cfg)

	reg := prometheus.NewRegistry()

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch command {
	case flags.CommandSize:
		g.Add(func() error {
			return size(ctx, logger, reg, f, stdin, stdout)
		}, func(error) {
			cancel()
		})
	case flags.CommandEstimate:
		g.Add(func() error {
			return estimateStacks(ctx, logger, reg, f, cfg, stdin, stdout)
		}, func(error) {
			cancel()
		})
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		return err
	}

	if f.MetricsOutput != "" {
		if err := prometheus.WriteToTextfile(f.MetricsOutput, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == flags.Stdin {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}

func size(ctx context.Context, logger log.Logger, reg prometheus.Registerer, f flags.Flags, stdin io.Reader, stdout io.Writer) error {
	in, err := openInput(f.Size.Input, stdin)
	if err != nil {
		return fmt.Errorf("failed to open disassembly: %w", err)
	}
	defer in.Close()

	r, digest, err := hash.TeeReader(in)
	if err != nil {
		return err
	}

	table, err := sizer.NewSizer(logger, reg, f.SizerConfig()).Size(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to size functions of %s: %w", f.Size.Input, err)
	}

	if f.Size.Output != "" {
		err = frametable.WriteFile(f.Size.Output, table)
	} else {
		err = frametable.Write(stdout, table)
	}
	if err != nil {
		return fmt.Errorf("failed to write frame table: %w", err)
	}

	level.Info(logger).Log(
		"msg", "frame table written",
		"input", f.Size.Input,
		"digest", digest(),
		"dialect", table.Dialect(),
		"functions", table.Len(),
	)
	return nil
}

func estimateStacks(ctx context.Context, logger log.Logger, reg prometheus.Registerer, f flags.Flags, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	table, err := frametable.LoadFile(f.Estimate.Table)
	if err != nil {
		return fmt.Errorf("failed to load frame table: %w", err)
	}
	tableDigest, err := hash.File(f.Estimate.Table)
	if err != nil {
		return err
	}

	in, err := openInput(f.Estimate.Goroutines, stdin)
	if err != nil {
		return fmt.Errorf("failed to open goroutine profile: %w", err)
	}
	defer in.Close()

	r, profileDigest, err := hash.TeeReader(in)
	if err != nil {
		return err
	}
	captureTime := time.Now()
	snap, err := goroutine.Parse(r)
	if err != nil {
		return fmt.Errorf("failed to parse goroutine profile %s: %w", f.Estimate.Goroutines, err)
	}

	est, err := estimate.NewEstimator(logger, reg, f.EstimateConfig(cfg))
	if err != nil {
		return err
	}
	defer est.Close()

	res, err := est.Estimate(ctx, table, snap)
	if err != nil {
		return fmt.Errorf("failed to estimate stacks: %w", err)
	}

	if err := estimate.WriteReport(stdout, res); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if f.Estimate.PprofOutput != "" {
		if err := writeProfile(logger, reg, f.Estimate.PprofOutput, captureTime, res); err != nil {
			return err
		}
	}

	level.Info(logger).Log(
		"msg", "stack estimated",
		"table_digest", tableDigest,
		"profile_digest", profileDigest(),
		"groups", len(res.Groups),
		"goroutines", res.Goroutines,
		"unresolved_frames", res.Unresolved,
		"total", humanize.IBytes(res.Total),
	)
	return nil
}

func writeProfile(logger log.Logger, reg prometheus.Registerer, path string, captureTime time.Time, res *estimate.Result) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	if err := pprof.NewConverter(logger, reg).Write(out, captureTime, res); err != nil {
		out.Close()
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return out.Close()
}
