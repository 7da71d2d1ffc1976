// Copyright the dbconn authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors dbconn pools expose,
// grounded on systemli-userli-postfix-adapter/prometheus.go's
// NewGaugeVec/NewHistogramVec style.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolMetrics is one pool's set of collectors. Construct with NewPoolMetrics and
// register on a prometheus.Registerer of the caller's choosing; dbconn
// never registers on the global default registry itself so that multiple
// pools (and multiple test runs) don't collide.
type PoolMetrics struct {
	IdleHolders    prometheus.Gauge
	InUseHolders   prometheus.Gauge
	WaiterDepth    prometheus.Gauge
	CheckoutWaitMS prometheus.Histogram
	Reconnects     prometheus.Counter
	QueueTimeouts  prometheus.Counter
}

// NewPoolMetrics builds a PoolMetrics set labeled with the given pool
// name. Callers must Register() before use.
func NewPoolMetrics(name string) *PoolMetrics {
	constLabels := prometheus.Labels{"pool": name}
	return &PoolMetrics{
		IdleHolders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dbconn_pool_idle_holders",
			Help:        "Number of connection holders currently idle.",
			ConstLabels: constLabels,
		}),
		InUseHolders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dbconn_pool_in_use_holders",
			Help:        "Number of connection holders currently checked out.",
			ConstLabels: constLabels,
		}),
		WaiterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dbconn_pool_waiter_depth",
			Help:        "Number of principals waiting for a connection.",
			ConstLabels: constLabels,
		}),
		CheckoutWaitMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "dbconn_pool_checkout_wait_ms",
			Help:        "Time spent waiting in the pool queue, in milliseconds.",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
			ConstLabels: constLabels,
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dbconn_pool_reconnects_total",
			Help:        "Total number of successful connects made by holder reconnect loops.",
			ConstLabels: constLabels,
		}),
		QueueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dbconn_pool_queue_timeouts_total",
			Help:        "Total number of checkouts that failed with ErrTimeout.",
			ConstLabels: constLabels,
		}),
	}
}

// Register adds every collector to reg.
func (m *PoolMetrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.IdleHolders, m.InUseHolders, m.WaiterDepth,
		m.CheckoutWaitMS, m.Reconnects, m.QueueTimeouts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
