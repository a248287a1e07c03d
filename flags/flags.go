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

package flags

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/uchan-nos/gostackamount/pkg/config"
	"github.com/uchan-nos/gostackamount/pkg/stack/estimate"
	"github.com/uchan-nos/gostackamount/pkg/stack/sizer"
)

// Set with -ldflags "-X".
var (
	version = "dev"
	commit  = "none"
)

const (
	description = "Estimates goroutine stack memory from a disassembly and a goroutine profile."

	// Subcommand names as reported by kong.
	CommandSize     = "size"
	CommandEstimate = "estimate"

	// Stdin is the input path that reads from standard input.
	Stdin = "-"
)

// Parse parses the process arguments and exits on error.
func Parse() (Flags, *kong.Context) {
	flags := Flags{}
	kongCtx := kong.Parse(&flags, options()...)
	return flags, kongCtx
}

// ParseArgs parses args without exiting the process.
func ParseArgs(args []string) (Flags, *kong.Context, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, append(options(), kong.Exit(func(int) {}))...)
	if err != nil {
		return Flags{}, nil, err
	}
	kongCtx, err := parser.Parse(args)
	if err != nil {
		return Flags{}, nil, err
	}
	return flags, kongCtx, nil
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name("stack-amount"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Vars{
			"version":              fmt.Sprintf("%s (commit: %s)", version, commit),
			"default_pointer_size": strconv.Itoa(sizer.DefaultPointerSize),
			"default_floor":        strconv.Itoa(estimate.DefaultFloor),
		},
	}
}

type Flags struct {
	Log     FlagsLogs        `embed:"" prefix:"log-"`
	Version kong.VersionFlag `help:"Show application version."`

	ConfigPath    string `default:"" help:"Path to a YAML config file. Explicit flags win over its values." type:"path"`
	MetricsOutput string `default:"" help:"Write the collected metrics to this file in the text exposition format." type:"path"`
	PointerSize   uint64 `default:"0" help:"Size in bytes of a return address and a pushed register. 0 uses the config file or ${default_pointer_size}."`

	Size     FlagsSize     `cmd:"" help:"Compute per-function frame sizes from objdump -M intel output."`
	Estimate FlagsEstimate `cmd:"" help:"Estimate goroutine stack memory from a frame table and a goroutine profile."`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsSize provides flags of the size command.
type FlagsSize struct {
	NoRanges bool   `help:"Write the reduced table of names and sizes only."`
	Output   string `default:"" help:"Write the frame table to this file instead of stdout." short:"o" type:"path"`

	Input string `arg:"" default:"-" help:"Disassembly to read, - for stdin." name:"disassembly" optional:""`
}

// FlagsEstimate provides flags of the estimate command.
type FlagsEstimate struct {
	Floor       uint64 `default:"0" help:"Minimum stack size of a goroutine. 0 uses the config file or ${default_floor}."`
	Concurrency int    `default:"0" help:"Number of groups estimated at once. 0 uses the config file or GOMAXPROCS."`
	PprofOutput string `default:"" help:"Also write the estimate as a gzipped pprof profile to this file." type:"path"`

	Table      string `arg:"" help:"Frame table written by the size command." name:"table" type:"existingfile"`
	Goroutines string `arg:"" help:"Goroutine profile in debug=1 text format, - for stdin." name:"goroutines"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	switch f.PointerSize {
	case 0, 4, 8:
	default:
		return ParseError(logger, "Invalid pointer size %d: use 4 or 8", f.PointerSize)
	}

	if f.Estimate.Concurrency < 0 {
		return ParseError(logger, "Invalid concurrency %d: must not be negative", f.Estimate.Concurrency)
	}

	if f.ConfigPath != "" {
		if _, err := os.Stat(f.ConfigPath); err != nil {
			return Failure(logger, "Failed to access config file: %v", err)
		}
	}

	return ExitSuccess
}

// Apply fills the values left unset on the command line from cfg.
func (f *Flags) Apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if f.PointerSize == 0 {
		f.PointerSize = cfg.Sizer.PointerSize
	}
	if f.Estimate.Floor == 0 {
		f.Estimate.Floor = cfg.Estimate.Floor
	}
	if f.Estimate.Concurrency == 0 {
		f.Estimate.Concurrency = cfg.Estimate.Concurrency
	}
}

// SizerConfig returns the sizer configuration selected by the flags.
func (f Flags) SizerConfig() sizer.Config {
	ptr := f.PointerSize
	if ptr == 0 {
		ptr = sizer.DefaultPointerSize
	}
	return sizer.Config{
		PointerSize:   ptr,
		AddressRanges: !f.Size.NoRanges,
	}
}

// EstimateConfig returns the estimator configuration selected by the flags
// and the cache size of cfg, which has no flag.
func (f Flags) EstimateConfig(cfg *config.Config) estimate.Config {
	c := estimate.Config{
		Floor:       f.Estimate.Floor,
		Concurrency: f.Estimate.Concurrency,
	}
	if c.Floor == 0 {
		c.Floor = estimate.DefaultFloor
	}
	if c.Concurrency == 0 {
		c.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg != nil {
		c.CacheSize = cfg.Estimate.CacheSize
	}
	return c
}
