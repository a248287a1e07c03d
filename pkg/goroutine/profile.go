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

// Package goroutine parses the text goroutine profile served by
// net/http/pprof at /debug/pprof/goroutine?debug=1.
//
//	goroutine profile: total 4
//	1 @ 0x42e01a 0x42e0ce 0x449b96 0x6d7e88 0x42dbc2 0x45aa41
//	#	0x449b95	time.Sleep+0x165	/usr/local/go/src/time/sleep.go:195
//	#	0x6d7e87	main.main+0x47		/home/user/main.go:12
//	#	0x42dbc1	runtime.main+0x211	/usr/local/go/src/runtime/proc.go:250
//
//	3 @ ...
//
// Every group stands for all the goroutines that share the exact same stack.
// The "#" detail lines are optional: profiles written without symbol
// information only carry the program counters of the group header.
package goroutine

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/uchan-nos/gostackamount/pkg/frametable"
)

const maxLineSize = 1024 * 1024

var (
	fileHeader  = regexp.MustCompile(`^goroutine profile: total (\d+)$`)
	groupHeader = regexp.MustCompile(`^(\d+) @((?: +0x[0-9a-f]+)+) *$`)
	// #	0x449b95	time.Sleep+0x165	/usr/local/go/src/time/sleep.go:195
	detail = regexp.MustCompile(`^#\t(0x[0-9a-f]+)(?:\t([^\t]+?)(?:\+(0x[0-9a-f]+))?(?:\t+(.*))?)?$`)
)

var (
	ErrUnknownFormat      = fmt.Errorf("%w: unknown goroutine profile format", frametable.ErrMalformedInput)
	ErrDetailOutsideGroup = fmt.Errorf("%w: frame detail line outside of a stack group", frametable.ErrMalformedInput)
	ErrGroupNotTerminated = fmt.Errorf("%w: stack group header before the previous group ended", frametable.ErrMalformedInput)
	ErrMalformedGroup     = fmt.Errorf("%w: malformed stack group", frametable.ErrMalformedInput)
)

// Frame is one "#" detail line of a group.
type Frame struct {
	PC uint64
	// Func is empty when the runtime could not symbolize PC.
	Func      string
	Offset    uint64
	HasOffset bool
	// Location is the free text following the symbol, usually file:line.
	Location string
}

// Group is a set of goroutines with identical stacks.
type Group struct {
	// Count is the number of goroutines in the group.
	Count int64
	// Header is the group header line as found in the profile.
	Header string
	// PCs are the return addresses of the stack, innermost first.
	PCs []uint64
	// Frames are the symbolized frames, innermost first. Empty unless the
	// profile carries detail lines for this group.
	Frames []Frame
}

// Annotated reports whether the group carries detail lines.
func (g Group) Annotated() bool {
	return len(g.Frames) > 0
}

// Snapshot is a parsed goroutine profile.
type Snapshot struct {
	// Total is the goroutine count announced by the profile header.
	Total  int64
	Groups []Group
}

// Annotated reports whether the profile carries symbolized detail lines.
func (s *Snapshot) Annotated() bool {
	for _, g := range s.Groups {
		if g.Annotated() {
			return true
		}
	}
	return false
}

// Parse reads a goroutine profile in the debug=1 text format.
func Parse(r io.Reader) (*Snapshot, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if !s.Scan() {
		if err := s.Err(); err != nil {
			return nil, fmt.Errorf("scan goroutine profile: %w", err)
		}
		return nil, fmt.Errorf("%w: empty input", ErrUnknownFormat)
	}
	m := fileHeader.FindStringSubmatch(strings.TrimRight(s.Text(), "\r"))
	if m == nil {
		return nil, ErrUnknownFormat
	}
	total, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}

	snap := &Snapshot{Total: total}
	var cur *Group
	closeGroup := func() {
		if cur != nil {
			snap.Groups = append(snap.Groups, *cur)
			cur = nil
		}
	}

	for lineNo := 2; s.Scan(); lineNo++ {
		line := strings.TrimRight(s.Text(), "\r")

		switch {
		case line == "":
			closeGroup()

		case strings.HasPrefix(line, "#\t"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, ErrDetailOutsideGroup)
			}
			f, err := parseFrame(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cur.Frames = append(cur.Frames, f)

		case groupHeader.MatchString(line):
			if cur != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, ErrGroupNotTerminated)
			}
			g, err := parseGroup(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cur = &g

		default:
			// Labels ("# labels: {...}") and anything else we don't know
			// about carry nothing we need.
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan goroutine profile: %w", err)
	}
	closeGroup()

	return snap, nil
}

func parseGroup(line string) (Group, error) {
	m := groupHeader.FindStringSubmatch(line)
	count, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Group{}, fmt.Errorf("%w: %w", ErrMalformedGroup, err)
	}
	if count <= 0 {
		return Group{}, fmt.Errorf("%w: goroutine count must be positive, got %d", ErrMalformedGroup, count)
	}

	fields := strings.Fields(m[2])
	pcs := make([]uint64, 0, len(fields))
	for _, f := range fields {
		pc, err := parseHex(f)
		if err != nil {
			return Group{}, fmt.Errorf("%w: %w", ErrMalformedGroup, err)
		}
		pcs = append(pcs, pc)
	}

	return Group{Count: count, Header: line, PCs: pcs}, nil
}

func parseFrame(line string) (Frame, error) {
	m := detail.FindStringSubmatch(line)
	if m == nil {
		return Frame{}, fmt.Errorf("%w: bad frame detail line %q", frametable.ErrMalformedInput, line)
	}

	pc, err := parseHex(m[1])
	if err != nil {
		return Frame{}, err
	}
	f := Frame{PC: pc, Func: m[2], Location: strings.TrimSpace(m[4])}
	if m[3] != "" {
		off, err := parseHex(m[3])
		if err != nil {
			return Frame{}, err
		}
		f.Offset, f.HasOffset = off, true
	}
	return f, nil
}

func parseHex(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad address %q", frametable.ErrMalformedInput, s)
	}
	return v, nil
}
