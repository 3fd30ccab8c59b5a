/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package metrics defines the Prometheus metrics recorded by dada handles.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace is the metric namespace.
const Namespace = "dada"

// Metrics holds the collectors updated by writers and readers.
type Metrics struct {
	PagesWritten    *prometheus.CounterVec
	PagesRead       *prometheus.CounterVec
	DatasetsWritten *prometheus.CounterVec
	DatasetsRead    *prometheus.CounterVec
	WaitSeconds     *prometheus.HistogramVec
	Handles         *prometheus.GaugeVec
	Takeovers       *prometheus.CounterVec
}

// New creates unregistered metrics.
func New() *Metrics {
	return &Metrics{
		PagesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "writer",
			Name:      "pages_total",
			Help:      "Pages released full by writers.",
		}, []string{"key", "buffer"}),
		PagesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reader",
			Name:      "pages_total",
			Help:      "Pages cleared by readers.",
		}, []string{"key", "buffer"}),
		DatasetsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "writer",
			Name:      "datasets_total",
			Help:      "Datasets terminated with an end-of-data page.",
		}, []string{"key"}),
		DatasetsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reader",
			Name:      "datasets_total",
			Help:      "End-of-data pages consumed by readers.",
		}, []string{"key"}),
		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "wait_seconds",
			Help:      "Time spent blocked waiting for a page.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 10, 8),
		}, []string{"key", "role", "op"}),
		Handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "handles",
			Help:      "Connected handles in this process.",
		}, []string{"key", "role"}),
		Takeovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "takeovers_total",
			Help:      "Roles taken over from processes that no longer exist.",
		}, []string{"key", "role"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PagesWritten, m.PagesRead, m.DatasetsWritten, m.DatasetsRead,
		m.WaitSeconds, m.Handles, m.Takeovers,
	}
}

// Register registers all collectors with reg. Collectors that are already
// registered are not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return fmt.Errorf("register dada metrics: %w", err)
		}
	}
	return nil
}

// NewProcessRegistry returns a registry holding only the Go runtime and
// process collectors.
func NewProcessRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewRegistry returns a registry holding new dada metrics plus the Go
// runtime and process collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := NewProcessRegistry()
	m := New()
	reg.MustRegister(m.collectors()...)
	return reg, m
}

// PageWritten records one page released full.
func (m *Metrics) PageWritten(key, buffer string) {
	if m == nil {
		return
	}
	m.PagesWritten.WithLabelValues(key, buffer).Inc()
}

// PageRead records one page cleared.
func (m *Metrics) PageRead(key, buffer string) {
	if m == nil {
		return
	}
	m.PagesRead.WithLabelValues(key, buffer).Inc()
}

// DatasetWritten records one end-of-data page written.
func (m *Metrics) DatasetWritten(key string) {
	if m == nil {
		return
	}
	m.DatasetsWritten.WithLabelValues(key).Inc()
}

// DatasetRead records one end-of-data page consumed.
func (m *Metrics) DatasetRead(key string) {
	if m == nil {
		return
	}
	m.DatasetsRead.WithLabelValues(key).Inc()
}

// ObserveWait records time spent blocked in op.
func (m *Metrics) ObserveWait(key, role, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.WaitSeconds.WithLabelValues(key, role, op).Observe(d.Seconds())
}

// Connected records a handle connecting.
func (m *Metrics) Connected(key, role string) {
	if m == nil {
		return
	}
	m.Handles.WithLabelValues(key, role).Inc()
}

// Disconnected records a handle disconnecting.
func (m *Metrics) Disconnected(key, role string) {
	if m == nil {
		return
	}
	m.Handles.WithLabelValues(key, role).Dec()
}

// Takeover records a role taken over from a dead process.
func (m *Metrics) Takeover(key, role string) {
	if m == nil {
		return
	}
	m.Takeovers.WithLabelValues(key, role).Inc()
}
