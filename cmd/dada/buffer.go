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
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dadaring/go-dada/dada"
)

// GeometryFlags override the configured geometry. Zero keeps the
// configured value.
type GeometryFlags struct {
	PageSize    int `name:"page-size" help:"Data page size in bytes."`
	Pages       int `name:"pages" help:"Number of data pages."`
	HeaderSize  int `name:"header-size" help:"Header page size in bytes."`
	HeaderPages int `name:"header-pages" help:"Number of header pages."`
	Readers     int `name:"readers" help:"Number of reader slots."`
}

func (f GeometryFlags) apply(g dada.Geometry) dada.Geometry {
	if f.PageSize > 0 {
		g.PageSize = f.PageSize
	}
	if f.Pages > 0 {
		g.NumPages = f.Pages
	}
	if f.HeaderSize > 0 {
		g.HeaderSize = f.HeaderSize
	}
	if f.HeaderPages > 0 {
		g.NumHeaderPages = f.HeaderPages
	}
	if f.Readers > 0 {
		g.NumReaders = f.Readers
	}
	return g
}

// CreateCmd allocates a buffer.
type CreateCmd struct {
	GeometryFlags
}

func (c *CreateCmd) Run(rt *Runtime) error {
	g := c.apply(rt.Config.Buffer.Geometry)
	buf, err := dada.Create(rt.Key, g, rt.Options()...)
	if err != nil {
		return err
	}
	defer buf.Detach()

	size, _ := g.TotalSize()
	fmt.Fprintf(rt.Out, "created %s at %s (%s)\n", rt.Key, buf.Path(), humanize.IBytes(uint64(size)))
	fmt.Fprintf(rt.Out, "  data:    %d x %s\n", g.NumPages, humanize.IBytes(uint64(g.PageSize)))
	fmt.Fprintf(rt.Out, "  header:  %d x %s\n", g.NumHeaderPages, humanize.IBytes(uint64(g.HeaderSize)))
	fmt.Fprintf(rt.Out, "  readers: %d\n", g.NumReaders)
	return nil
}

// DestroyCmd removes a buffer and wakes every process blocked on it.
type DestroyCmd struct {
	Force bool `name:"force" help:"Do not fail if the buffer does not exist."`
}

func (c *DestroyCmd) Run(rt *Runtime) error {
	err := dada.Destroy(rt.Key, rt.Options()...)
	if c.Force && errors.Is(err, dada.ErrBufferNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.Out, "destroyed %s\n", rt.Key)
	return nil
}

// ProbeCmd creates a scratch buffer with the configured geometry, fills it
// without a reader until the writer blocks, then drains it. It reports the
// layout and how many pages the writer could get ahead.
type ProbeCmd struct {
	GeometryFlags
	Timeout time.Duration `name:"timeout" default:"100ms" help:"How long a blocked writer waits before the buffer is considered full."`
}

func (c *ProbeCmd) Run(rt *Runtime) error {
	dir, err := os.MkdirTemp("", "dada-probe-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	g := c.apply(rt.Config.Buffer.Geometry)
	opts := []dada.Option{dada.WithDir(dir), dada.WithLogger(rt.Logger)}
	buf, err := dada.Create(rt.Key, g, opts...)
	if err != nil {
		return err
	}
	buf.Detach()
	defer dada.Destroy(rt.Key, opts...)

	size, _ := g.TotalSize()
	fmt.Fprintf(rt.Out, "=== Layout ===\n")
	fmt.Fprintf(rt.Out, "segment:     %s\n", humanize.IBytes(uint64(size)))
	fmt.Fprintf(rt.Out, "data pages:  %d x %s\n", g.NumPages, humanize.IBytes(uint64(g.PageSize)))
	fmt.Fprintf(rt.Out, "header pages: %d x %s\n", g.NumHeaderPages, humanize.IBytes(uint64(g.HeaderSize)))

	w, err := dada.ConnectWriter(rt.Key, opts...)
	if err != nil {
		return err
	}
	defer w.Disconnect()

	fmt.Fprintf(rt.Out, "\n=== Backpressure ===\n")
	written, err := fillUntilBlocked(rt.Ctx, w, c.Timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.Out, "writer blocked after %d pages (%s)\n", written, humanize.IBytes(uint64(written*g.PageSize)))

	var readers []*dada.Reader
	for i := 0; i < g.NumReaders; i++ {
		r, err := dada.ConnectReader(rt.Key, opts...)
		if err != nil {
			return err
		}
		defer r.Disconnect()
		readers = append(readers, r)
	}
	start := time.Now()
	for _, r := range readers {
		for i := 0; i < written; i++ {
			if _, _, err := r.GetNextPage(rt.Ctx); err != nil {
				return err
			}
			if err := r.MarkCleared(); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(rt.Out, "drained %d pages with %d readers in %s\n", written, len(readers), time.Since(start).Round(time.Microsecond))

	if after, err := fillUntilBlocked(rt.Ctx, w, c.Timeout); err != nil {
		return err
	} else if after != written {
		return fmt.Errorf("buffer held %d pages after draining, %d before", after, written)
	}
	fmt.Fprintf(rt.Out, "refilled %d pages\n", written)
	return nil
}

// fillUntilBlocked writes pages until GetNextPage does not return within
// timeout and reports how many were written.
func fillUntilBlocked(ctx context.Context, w *dada.Writer, timeout time.Duration) (int, error) {
	n := 0
	for {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		p, err := w.GetNextPage(tctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		for i := range p.Data {
			p.Data[i] = byte(n + i)
		}
		if err := w.MarkFilled(); err != nil {
			return n, err
		}
		n++
	}
}
