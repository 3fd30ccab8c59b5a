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

package monitor

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dadaring/go-dada/dada"
	"github.com/dadaring/go-dada/internal/metrics"
)

// Collector exports the shared state of a set of buffers as Prometheus
// metrics. It attaches to each buffer on every scrape, so buffers may be
// created and destroyed while it is registered.
type Collector struct {
	keys   []dada.Key
	opts   []dada.Option
	logger *slog.Logger

	up          *prometheus.Desc
	pages       *prometheus.Desc
	written     *prometheus.Desc
	writerAlive *prometheus.Desc
	readerAlive *prometheus.Desc
	readerLag   *prometheus.Desc
	readerRead  *prometheus.Desc
	readerClear *prometheus.Desc
}

// NewCollector returns a Collector for keys.
func NewCollector(logger *slog.Logger, keys []dada.Key, opts ...dada.Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	name := func(n string) string {
		return prometheus.BuildFQName(metrics.Namespace, "buffer", n)
	}
	return &Collector{
		keys:   keys,
		opts:   opts,
		logger: logger,
		up: prometheus.NewDesc(name("up"),
			"Whether the buffer could be attached.",
			[]string{"key"}, nil),
		pages: prometheus.NewDesc(name("pages"),
			"Pages by sub-buffer and state.",
			[]string{"key", "buffer", "state"}, nil),
		written: prometheus.NewDesc(name("written_pages_total"),
			"Pages released full since the buffer was created.",
			[]string{"key", "buffer"}, nil),
		writerAlive: prometheus.NewDesc(name("writer_alive"),
			"Whether a live process holds the writer role.",
			[]string{"key"}, nil),
		readerAlive: prometheus.NewDesc(name("reader_alive"),
			"Whether a live process holds the reader slot.",
			[]string{"key", "slot"}, nil),
		readerLag: prometheus.NewDesc(name("reader_lag_pages"),
			"Data pages written but not yet cleared by the reader slot.",
			[]string{"key", "slot"}, nil),
		readerRead: prometheus.NewDesc(name("reader_read_pages_total"),
			"Data pages cleared by the reader slot.",
			[]string{"key", "slot"}, nil),
		readerClear: prometheus.NewDesc(name("reader_cleared_pages"),
			"Full data pages the reader slot cleared that other readers still hold.",
			[]string{"key", "slot"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.pages
	ch <- c.written
	ch <- c.writerAlive
	ch <- c.readerAlive
	ch <- c.readerLag
	ch <- c.readerRead
	ch <- c.readerClear
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, key := range c.keys {
		c.collect(ch, key)
	}
}

func (c *Collector) collect(ch chan<- prometheus.Metric, key dada.Key) {
	k := key.String()
	reply, err := Snapshot(key, c.opts...)
	if err != nil {
		c.logger.Debug("buffer not collected", "key", k, "err", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, k)
		return
	}
	st := reply.Stats
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, k)

	for _, b := range []struct {
		name string
		s    dada.BufStats
	}{
		{dada.DataPages.String(), st.Data},
		{dada.HeaderPages.String(), st.Header},
	} {
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(b.s.Free), k, b.name, "free")
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(b.s.Writing), k, b.name, "writing")
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(b.s.Full), k, b.name, "full")
		ch <- prometheus.MustNewConstMetric(c.written, prometheus.CounterValue, float64(b.s.Written), k, b.name)
	}

	ch <- prometheus.MustNewConstMetric(c.writerAlive, prometheus.GaugeValue, boolValue(st.WriterAlive), k)
	for _, r := range st.Readers {
		slot := strconv.Itoa(r.Slot)
		ch <- prometheus.MustNewConstMetric(c.readerAlive, prometheus.GaugeValue, boolValue(r.Alive), k, slot)
		ch <- prometheus.MustNewConstMetric(c.readerLag, prometheus.GaugeValue, float64(r.Lag), k, slot)
		ch <- prometheus.MustNewConstMetric(c.readerRead, prometheus.CounterValue, float64(r.Read), k, slot)
		ch <- prometheus.MustNewConstMetric(c.readerClear, prometheus.GaugeValue, float64(r.Cleared), k, slot)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
