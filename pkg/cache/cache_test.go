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

package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c, err := NewLRUCache[string, int](reg, 2)
	require.NoError(t, err)

	c.Add("key1", 1)
	c.Add("key2", 2)

	v, ok := c.Get("key1")
	require.True(t, ok)
	require.Equal(t, 1, v)

	// key2 is the least recently used.
	c.Add("key3", 3)
	_, ok = c.Get("key2")
	require.False(t, ok)
	require.Equal(t, 2, c.Len())

	v, ok = c.Get("key3")
	require.True(t, ok)
	require.Equal(t, 3, v)

	require.Equal(t, 2.0, testutil.ToFloat64(c.hits))
	require.Equal(t, 1.0, testutil.ToFloat64(c.misses))
	require.Equal(t, 1.0, testutil.ToFloat64(c.evictions))

	require.NoError(t, c.Close())
	require.Equal(t, 0, c.Len())

	// Metrics are unregistered, so the names can be reused.
	_, err = NewLRUCache[string, int](reg, 2)
	require.NoError(t, err)
}

func TestLRUCacheInvalidSize(t *testing.T) {
	t.Parallel()

	_, err := NewLRUCache[string, int](prometheus.NewRegistry(), 0)
	require.Error(t, err)
}
