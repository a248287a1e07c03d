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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LRUCache is a size bounded, concurrency safe cache that reports its hits,
// misses and evictions to reg.
type LRUCache[K comparable, V any] struct {
	lru *lru.Cache[K, V]

	hits, misses, evictions prometheus.Counter
	unregister              func()
}

func NewLRUCache[K comparable, V any](reg prometheus.Registerer, maxEntries int) (*LRUCache[K, V], error) {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	c := &LRUCache[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,
		unregister: func() {
			if reg == nil {
				return
			}
			reg.Unregister(requests)
			reg.Unregister(evictions)
		},
	}

	l, err := lru.New[K, V](maxEntries)
	if err != nil {
		c.unregister()
		return nil, fmt.Errorf("lru.New: %w", err)
	}
	c.lru = l
	return c, nil
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	if evicted := c.lru.Add(key, value); evicted {
		c.evictions.Inc()
	}
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return v, ok
}

func (c *LRUCache[K, V]) Len() int {
	return c.lru.Len()
}

// Close purges the cache and unregisters its metrics, so a new cache can be
// registered under the same names.
func (c *LRUCache[K, V]) Close() error {
	c.lru.Purge()
	c.unregister()
	return nil
}
