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
	"bufio"
	"fmt"
	"io"
)

// WriteReport prints res group by group:
//
//	1 @ 0x42e01a 0x42e0ce 0x449b96 0x6d7e88 0x42dbc2 0x45aa41
//	#	0x449b95	time.Sleep+0x165	stack:96
//	#	0x6d7e87	main.main+0x47	stack:32
//	#	0x42dbc1	runtime.main+0x211	stack:88
//	total stack (estimated): 2048
//
// Frames that could not be resolved are printed with "stack:none".
func WriteReport(w io.Writer, res *Result) error {
	bw := bufio.NewWriter(w)
	for _, ge := range res.Groups {
		fmt.Fprintln(bw, ge.Group.Header)
		for _, f := range ge.Frames {
			name := f.Name()
			if f.Frame.HasOffset {
				name = fmt.Sprintf("%s+%#x", name, f.Frame.Offset)
			}
			size := "none"
			if f.Resolved {
				size = fmt.Sprintf("%d", f.Record.Size)
			}
			fmt.Fprintf(bw, "#\t%#x\t%s\tstack:%s\n", f.Frame.PC, name, size)
		}
		fmt.Fprintf(bw, "total stack (estimated): %d\n\n", ge.Total)
	}
	return bw.Flush()
}
