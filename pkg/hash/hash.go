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

package hash

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

// The example key of the highwayhash package. Digests only need to be stable.
var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// Digest identifies the content of an input file in log lines, so an
// estimate can be traced back to the exact disassembly and profile it came
// from.
type Digest uint64

func (d Digest) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

// File hashes the content of the file at path.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return Reader(f)
}

// Reader hashes everything r yields.
func Reader(r io.Reader) (Digest, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return Digest(h.Sum64()), nil
}

// TeeReader returns a reader that hashes everything read from r. The digest
// is complete once r has been read to the end.
func TeeReader(r io.Reader) (io.Reader, func() Digest, error) {
	h, err := New()
	if err != nil {
		return nil, nil, err
	}
	return io.TeeReader(r, h), func() Digest { return Digest(h.Sum64()) }, nil
}
