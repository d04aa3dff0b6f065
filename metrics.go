/*
	Copyright NetFoundry Inc.

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

package xserve

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "xserve"

// Metrics holds the event counters of a serving core. Live worker state is reported by PoolCollector.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	Requests            *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	WorkerRestarts      prometheus.Counter
	StaleWorkers        prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the listener",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Connections answered with 503 without reaching a worker",
		}, []string{"reason"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Handler invocations by outcome",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of handler invocations",
			Buckets:   prometheus.DefBuckets,
		}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_restarts_total",
			Help:      "Workers replaced after dying unexpectedly",
		}),
		StaleWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_workers_total",
			Help:      "Workers reported hung by the health monitor",
		}),
	}
}

// Register registers all counters with registerer
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.Requests,
		m.RequestDuration,
		m.WorkerRestarts,
		m.StaleWorkers,
	}

	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func (m *Metrics) observe(outcome *RequestOutcome) {
	label := "success"
	if outcome.Err != nil {
		label = string(outcome.Err.Kind)
	}
	m.Requests.WithLabelValues(label).Inc()
	m.RequestDuration.Observe(outcome.Duration.Seconds())
}

// PoolCollector reports the live worker table of a Pool:
// - xserve_workers{state} - number of workers per state
// - xserve_desired_workers - configured worker count
// - xserve_generation - current worker generation
type PoolCollector struct {
	pool           *Pool
	workersDesc    *prometheus.Desc
	desiredDesc    *prometheus.Desc
	generationDesc *prometheus.Desc
}

func NewPoolCollector(pool *Pool) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		workersDesc: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "workers"),
			"Number of workers per state", []string{"state"}, nil),
		desiredDesc: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "desired_workers"),
			"Configured number of workers", nil, nil),
		generationDesc: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "generation"),
			"Current worker generation", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workersDesc
	ch <- c.desiredDesc
	ch <- c.generationDesc
}

// Collect implements the prometheus.Collector interface.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.pool.Counts()
	for _, state := range WorkerStates {
		ch <- prometheus.MustNewConstMetric(c.workersDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.desiredDesc, prometheus.GaugeValue, float64(c.pool.Desired()))
	ch <- prometheus.MustNewConstMetric(c.generationDesc, prometheus.GaugeValue, float64(c.pool.Generation()))
}
