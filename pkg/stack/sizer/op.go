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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/uchan-nos/gostackamount/pkg/frametable"
)

var (
	//   402798:	48 83 ec 08          	sub    rsp,0x8
	subRSP = regexp.MustCompile(`^sub\s+rsp,*([0-9a-fx]*)`)
	//   45aa40:	55                   	push   rbp
	push = regexp.MustCompile(`^push\s`)
)

// Op is an instruction that matters for the size of a stack frame. The set
// of implementations is closed: SubSP, Push and Other.
type Op interface {
	isOp()
}

// SubSP decrements the stack pointer by an immediate amount of bytes.
type SubSP struct {
	Amount uint64
}

// Push pushes a register, which takes one pointer sized slot.
type Push struct{}

// Other is any instruction that does not grow the frame.
type Other struct{}

func (SubSP) isOp() {}
func (Push) isOp()  {}
func (Other) isOp() {}

// Classify turns the mnemonic and operands column of an Intel syntax
// disassembly line into an Op.
//
// Only explicit stack pointer decrements by an immediate and register pushes
// are recognized. Frame pointer arithmetic, spills through mov and stack
// probes are all Other.
func Classify(asm string) (Op, error) {
	asm = strings.TrimSpace(asm)

	if m := subRSP.FindStringSubmatch(asm); m != nil {
		imm := m[1]
		if imm == "" {
			// sub rsp,<register>: not statically known.
			return Other{}, nil
		}
		amount, err := strconv.ParseUint(strings.TrimPrefix(imm, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad immediate in %q: %w", frametable.ErrMalformedInput, asm, err)
		}
		if int64(amount) < 0 {
			// A sign extended negative immediate grows nothing.
			return Other{}, nil
		}
		return SubSP{Amount: amount}, nil
	}

	if push.MatchString(asm) {
		return Push{}, nil
	}

	return Other{}, nil
}

// Contribution is the number of stack bytes op adds to a frame on a target
// whose pointers are pointerSize bytes wide.
func Contribution(op Op, pointerSize uint64) uint64 {
	switch op := op.(type) {
	case SubSP:
		return op.Amount
	case Push:
		return pointerSize
	case Other:
		return 0
	default:
		panic(fmt.Sprintf("unknown stack operation %T", op))
	}
}

// FrameSize sums the contributions of ops on top of the return address slot
// pushed by the caller.
func FrameSize(ops []Op, pointerSize uint64) uint64 {
	size := pointerSize
	for _, op := range ops {
		size += Contribution(op, pointerSize)
	}
	return size
}
