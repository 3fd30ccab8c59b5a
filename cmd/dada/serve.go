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

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/dadaring/go-dada/dada"
	"github.com/dadaring/go-dada/internal/metrics"
	"github.com/dadaring/go-dada/monitor"
)

// ServeCmd runs the gRPC monitor service and a Prometheus endpoint until
// interrupted.
type ServeCmd struct {
	Listen        string   `name:"listen" help:"gRPC listen address. Defaults to the configured monitor.listen."`
	MetricsListen string   `name:"metrics-listen" help:"HTTP address for /metrics. Defaults to the configured monitor.metrics_listen; empty disables it."`
	Keys          []string `name:"keys" help:"Buffer keys to export as metrics. Defaults to the configured key."`
}

func (c *ServeCmd) Run(rt *Runtime) error {
	listen := c.Listen
	if listen == "" {
		listen = rt.Config.Monitor.Listen
	}
	metricsListen := c.MetricsListen
	if metricsListen == "" {
		metricsListen = rt.Config.Monitor.MetricsListen
	}
	keys := []dada.Key{rt.Key}
	if len(c.Keys) > 0 {
		keys = keys[:0]
		for _, s := range c.Keys {
			k, err := dada.ParseKey(s)
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	monitor.Register(gs, monitor.NewServer(rt.Logger, rt.Config.Options()...))

	reg := metrics.NewProcessRegistry()
	reg.MustRegister(monitor.NewCollector(rt.Logger, keys, rt.Config.Options()...))

	g, ctx := errgroup.WithContext(rt.Ctx)

	g.Go(func() error {
		rt.Logger.Info("monitor listening", "addr", lis.Addr().String())
		return gs.Serve(lis)
	})

	var hs *http.Server
	if metricsListen != "" {
		hs = newMetricsServer(metricsListen, reg)
		g.Go(func() error {
			rt.Logger.Info("metrics listening", "addr", metricsListen)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return watchLocal(ctx, rt, keys, rt.Config.Monitor.Interval.Std())
	})

	g.Go(func() error {
		<-ctx.Done()
		rt.Logger.Info("shutting down")
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			// Watch streams only end when their clients go away.
			gs.Stop()
		}
		if hs != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		}
		return nil
	})

	return g.Wait()
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics records handle metrics into a new registry and serves it at
// addr until the returned stop function is called.
func (rt *Runtime) serveMetrics(addr string) (net.Addr, func(), error) {
	reg, m := metrics.NewRegistry()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	rt.Metrics = m

	hs := newMetricsServer(addr, reg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := hs.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Warn("metrics server stopped", "error", err)
		}
	}()
	rt.Logger.Info("metrics listening", "addr", lis.Addr().String())

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(ctx)
		<-done
	}
	return lis.Addr(), stop, nil
}
