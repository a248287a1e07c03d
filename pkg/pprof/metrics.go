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

package pprof

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type converterMetrics struct {
	samples   prometheus.Counter
	locations *prometheus.CounterVec
}

func newConverterMetrics(reg prometheus.Registerer) *converterMetrics {
	m := &converterMetrics{
		samples: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stack_amount_pprof_samples_total",
				Help: "Total number of goroutine groups written as pprof samples.",
			},
		),
		locations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_amount_pprof_locations_total",
				Help: "Total number of functions written to distinct pprof locations, by whether the function was resolved.",
			},
			[]string{"result"},
		),
	}

	m.locations.WithLabelValues("resolved")
	m.locations.WithLabelValues("unresolved")

	return m
}
