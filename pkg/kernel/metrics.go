/*
Copyright 2018 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kernel

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics publishes the kernel's per-cycle diagnostics as Prometheus
// collectors: roby_cycle_duration_seconds, roby_propagation_queue_depth,
// and roby_gc_finalized_total. Metrics.Handler plugs into a plain
// net/http mux, for an operator who wants the "overly-long cycle"
// diagnostic as a scrapeable series instead of a log line.
type Metrics struct {
	cycleDuration prometheus.Histogram
	queueDepth    prometheus.Gauge
	gcFinalized   prometheus.Counter
	// gatherer is reg from NewMetrics when it can also gather; nil otherwise.
	gatherer prometheus.Gatherer
}

// NewMetrics builds and registers the kernel's metrics against reg. A nil
// reg (the Engine's default) builds real, usable collectors that simply
// aren't registered anywhere -- promauto.With(nil) skips the MustRegister
// call -- so an Engine never needs a registry just to run.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roby_cycle_duration_seconds",
			Help:    "Duration of one propagation kernel cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roby_propagation_queue_depth",
			Help: "Number of calls currently waiting in the kernel's propagation queue.",
		}),
		gcFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "roby_gc_finalized_total",
			Help: "Total number of tasks finalized by the garbage collector.",
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveQueueDepth records the current size of the call queue.
func (m *Metrics) ObserveQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// ObserveCycleDuration records how long one Step call took.
func (m *Metrics) ObserveCycleDuration(d time.Duration) { m.cycleDuration.Observe(d.Seconds()) }

// AddFinalized accounts for n more tasks finalized by the GC this cycle.
func (m *Metrics) AddFinalized(n int) {
	if n == 0 {
		return
	}
	m.gcFinalized.Add(float64(n))
}

// Handler serves the metrics in the Prometheus text exposition format: from
// the registry passed to NewMetrics when that registry is also a
// prometheus.Gatherer, otherwise from the default registry.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
