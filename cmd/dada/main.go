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

// Command dada creates, inspects, feeds and drains shared memory ring
// buffers, and serves their statistics over gRPC and Prometheus.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/dadaring/go-dada/config"
	"github.com/dadaring/go-dada/dada"
	"github.com/dadaring/go-dada/internal/metrics"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `name:"config" short:"c" help:"YAML configuration file." type:"path" env:"DADA_CONFIG"`
	Key       string `name:"key" short:"k" help:"Buffer key in hex. Overrides the configuration."`
	Dir       string `name:"dir" help:"Directory holding buffer segments. Overrides the configuration." type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error). Overrides the configuration."`
	LogFormat string `name:"log-format" help:"Log format (text, json). Overrides the configuration."`
}

// CLI is the command line of dada.
type CLI struct {
	Globals

	Create  CreateCmd  `cmd:"" help:"Create a ring buffer."`
	Destroy DestroyCmd `cmd:"" help:"Destroy a ring buffer."`
	Write   WriteCmd   `cmd:"" help:"Write datasets to a ring buffer."`
	Read    ReadCmd    `cmd:"" help:"Read datasets from a ring buffer."`
	Monitor MonitorCmd `cmd:"" help:"Print ring buffer statistics."`
	Serve   ServeCmd   `cmd:"" help:"Serve statistics over gRPC and Prometheus."`
	Probe   ProbeCmd   `cmd:"" help:"Create a scratch buffer and measure how many pages it holds."`
	Show    ConfigCmd  `cmd:"" name:"config" help:"Print the effective configuration."`
}

// Runtime is passed to every command's Run method.
type Runtime struct {
	Ctx    context.Context
	Config *config.Config
	Key    dada.Key
	Logger *slog.Logger
	Out    io.Writer

	// Metrics is set by commands that export handle metrics.
	Metrics *metrics.Metrics
}

// Options returns the options every buffer call should use.
func (rt *Runtime) Options() []dada.Option {
	opts := append(rt.Config.Options(), dada.WithLogger(rt.Logger))
	if rt.Metrics != nil {
		opts = append(opts, dada.WithMetrics(rt.Metrics))
	}
	return opts
}

// runtime loads the configuration and applies the global flags over it.
func (g *Globals) runtime(ctx context.Context, out, logOut io.Writer) (*Runtime, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Key != "" {
		k, err := dada.ParseKey(g.Key)
		if err != nil {
			return nil, err
		}
		cfg.Buffer.Key = k
	}
	if g.Dir != "" {
		cfg.Buffer.Dir = g.Dir
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		Ctx:    ctx,
		Config: cfg,
		Key:    cfg.Buffer.Key,
		Logger: setupLogger(logOut, cfg.Log),
		Out:    out,
	}, nil
}

func setupLogger(w io.Writer, c config.LogConfig) *slog.Logger {
	level, _ := config.ParseLevel(c.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(
		"service", "dada",
		"pid", os.Getpid(),
	)
}

// ConfigCmd prints the configuration after files, environment and flags
// were applied.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(rt *Runtime) error {
	data, err := rt.Config.Marshal()
	if err != nil {
		return err
	}
	_, err = rt.Out.Write(data)
	return err
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("dada"),
		kong.Description("Shared memory ring buffers for streaming datasets."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cli.Globals.runtime(ctx, os.Stdout, os.Stderr)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(rt.Logger)

	if err := kctx.Run(rt); err != nil {
		rt.Logger.Error("command failed", "command", kctx.Command(), "err", err)
		stop()
		fmt.Fprintln(os.Stderr, "dada:", err)
		os.Exit(1)
	}
}
