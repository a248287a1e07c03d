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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/mmap"
)

// maxLineSize bounds a single row. Generic instantiations produce very long
// symbol names, so the bufio default of 64KiB is not enough.
const maxLineSize = 1024 * 1024

// Write serializes t, largest functions first.
func Write(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	for _, r := range t.BySize() {
		var err error
		switch t.dialect {
		case DialectFull:
			_, err = fmt.Fprintf(bw, "%s\t%x\t%x\t%d\n", r.Name, r.Begin, r.End, r.Size)
		case DialectReduced:
			_, err = fmt.Fprintf(bw, "%s\t%d\n", r.Name, r.Size)
		}
		if err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// WriteFile serializes t into the file at path, truncating it.
func WriteFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if err := Write(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read parses a frame table. The dialect is taken from the first row and all
// following rows must match it.
func Read(r io.Reader) (*Table, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		records []Record
		dialect Dialect
		lineNo  int
	)
	for s.Scan() {
		lineNo++
		line := strings.TrimRight(s.Text(), "\r")
		if line == "" {
			continue
		}

		rec, d, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(records) == 0 {
			dialect = d
		} else if d != dialect {
			return nil, fmt.Errorf("line %d: %w", lineNo, ErrMixedDialects)
		}
		records = append(records, rec)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan frame table: %w", err)
	}

	return NewTable(dialect, records)
}

// LoadFile reads the frame table stored at path.
func LoadFile(path string) (*Table, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open: %w", err)
	}
	defer ra.Close()

	t, err := Read(io.NewSectionReader(ra, 0, int64(ra.Len())))
	if err != nil {
		return nil, fmt.Errorf("read frame table %s: %w", path, err)
	}
	return t, nil
}

func parseRow(line string) (Record, Dialect, error) {
	fields := strings.Split(line, "\t")
	switch len(fields) {
	case 4:
		begin, err := parseAddress(fields[1])
		if err != nil {
			return Record{}, 0, err
		}
		end, err := parseAddress(fields[2])
		if err != nil {
			return Record{}, 0, err
		}
		size, err := parseSize(fields[3])
		if err != nil {
			return Record{}, 0, err
		}
		return Record{Name: fields[0], Begin: begin, End: end, Size: size}, DialectFull, nil
	case 2:
		size, err := parseSize(fields[1])
		if err != nil {
			return Record{}, 0, err
		}
		return Record{Name: fields[0], Size: size}, DialectReduced, nil
	default:
		return Record{}, 0, fmt.Errorf("%w: want 2 or 4 fields, got %d", ErrMalformedRow, len(fields))
	}
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad address %q: %w", ErrMalformedRow, s, err)
	}
	return addr, nil
}

func parseSize(s string) (uint64, error) {
	size, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q: %w", ErrMalformedRow, s, err)
	}
	return size, nil
}
