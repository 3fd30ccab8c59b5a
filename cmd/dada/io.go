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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/dadaring/go-dada/dada"
	"github.com/dadaring/go-dada/header"
)

// QuitKey in a header tells dada read to stop.
const QuitKey = "QUIT"

// WriteCmd writes datasets. Each dataset is a header followed by pages
// filled from a file, from stdin, or with a constant byte.
type WriteCmd struct {
	Header   []string `name:"header" short:"H" sep:"none" help:"Header entry KEY=VALUE. May be repeated."`
	Pages    int      `name:"pages" default:"1" help:"Pages per dataset when filling with a constant byte."`
	Fill     uint8    `name:"fill" help:"Byte to fill pages with."`
	Input    string   `name:"input" short:"i" help:"Write this file as one dataset instead of constant pages. Use - for stdin." type:"path"`
	Datasets int      `name:"datasets" default:"1" help:"Number of datasets to write."`
	Quit     bool     `name:"quit" help:"Finish with a header containing QUIT so that readers stop."`

	MetricsListen string `name:"metrics-listen" help:"HTTP address to serve writer metrics at /metrics while running."`
}

func (c *WriteCmd) Run(rt *Runtime) error {
	h, err := parseHeader(c.Header)
	if err != nil {
		return err
	}
	if c.Input == "" && c.Pages <= 0 {
		return fmt.Errorf("--pages must be positive, got %d", c.Pages)
	}
	if c.MetricsListen != "" {
		_, stop, err := rt.serveMetrics(c.MetricsListen)
		if err != nil {
			return err
		}
		defer stop()
	}

	w, err := dada.ConnectWriter(rt.Key, rt.Options()...)
	if err != nil {
		return err
	}
	defer w.Disconnect()

	for ds := 0; ds < c.Datasets; ds++ {
		dh := h.Clone()
		dh["DATASET"] = strconv.Itoa(ds)
		if err := w.SetHeader(rt.Ctx, dh); err != nil {
			return err
		}

		var n int
		var total int64
		if c.Input != "" {
			n, total, err = c.writeInput(rt, w)
		} else {
			n, total, err = c.writeFill(rt, w)
		}
		if err != nil {
			return err
		}
		rt.Logger.Info("dataset written", "dataset", ds, "pages", n, "bytes", humanize.IBytes(uint64(total)))
	}

	if c.Quit {
		if err := w.SetHeader(rt.Ctx, header.Header{QuitKey: "1"}); err != nil {
			return err
		}
	}
	return nil
}

func (c *WriteCmd) writeFill(rt *Runtime, w *dada.Writer) (int, int64, error) {
	n := 0
	var total int64
	for p, err := range w.Pages(rt.Ctx) {
		if err != nil {
			return n, total, err
		}
		for i := range p.Data {
			p.Data[i] = c.Fill
		}
		n++
		total += int64(len(p.Data))
		rt.Logger.Debug("page written", "number", p.Number, "seq", p.Seq, "digest", xxhash.Sum64(p.Data))
		if n == c.Pages {
			if err := w.MarkEndOfData(); err != nil {
				return n, total, err
			}
		}
	}
	return n, total, nil
}

// writeInput copies the input into pages. The last page is committed with
// only the bytes read; an empty input produces one empty end-of-data page.
func (c *WriteCmd) writeInput(rt *Runtime, w *dada.Writer) (int, int64, error) {
	var src io.Reader = os.Stdin
	if c.Input != "-" {
		f, err := os.Open(c.Input)
		if err != nil {
			return 0, 0, err
		}
		defer f.Close()
		src = f
	}

	n := 0
	var total int64
	for {
		p, err := w.GetNextPage(rt.Ctx)
		if err != nil {
			return n, total, err
		}
		m, rerr := io.ReadFull(src, p.Data)
		eof := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !eof {
			return n, total, errors.Join(rerr, w.Commit(m, true))
		}
		rt.Logger.Debug("page written", "number", p.Number, "seq", p.Seq, "digest", xxhash.Sum64(p.Data[:m]))
		// An input that ends on a page boundary is terminated by an empty
		// end-of-data page.
		if err := w.Commit(m, eof); err != nil {
			return n, total, err
		}
		n++
		total += int64(m)
		if eof {
			return n, total, nil
		}
	}
}

// parseHeader turns KEY=VALUE flags into a header.
func parseHeader(entries []string) (header.Header, error) {
	h := make(header.Header, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("header entry %q is not KEY=VALUE", e)
		}
		h[k] = strings.TrimSpace(v)
	}
	if _, err := header.Encode(h, header.EncodedSize(h)); err != nil {
		return nil, err
	}
	return h, nil
}

// ReadCmd reads datasets and logs every page's size and digest.
type ReadCmd struct {
	Datasets int    `name:"datasets" help:"Stop after this many datasets. Zero reads until a QUIT header."`
	Output   string `name:"output" short:"o" help:"Append page data to this file. Use - for stdout." type:"path"`

	MetricsListen string `name:"metrics-listen" help:"HTTP address to serve reader metrics at /metrics while running."`
}

func (c *ReadCmd) Run(rt *Runtime) error {
	var out io.Writer
	switch c.Output {
	case "":
	case "-":
		out = rt.Out
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if c.MetricsListen != "" {
		_, stop, err := rt.serveMetrics(c.MetricsListen)
		if err != nil {
			return err
		}
		defer stop()
	}

	r, err := dada.ConnectReader(rt.Key, rt.Options()...)
	if err != nil {
		return err
	}
	defer r.Disconnect()

	for ds := 0; c.Datasets == 0 || ds < c.Datasets; ds++ {
		h, err := r.GetHeader(rt.Ctx)
		if err != nil {
			return err
		}
		if _, ok := h[QuitKey]; ok {
			rt.Logger.Info("quit header received", "datasets", ds)
			return nil
		}
		rt.Logger.Info("header", headerAttrs(h)...)

		digest := xxhash.New()
		n := 0
		var total int64
		for p, err := range r.Pages(rt.Ctx) {
			if err != nil {
				return err
			}
			sum := xxhash.Sum64(p.Data)
			digest.Write(p.Data)
			if out != nil {
				if _, err := out.Write(p.Data); err != nil {
					return err
				}
			}
			rt.Logger.Info("page",
				"number", p.Number,
				"seq", p.Seq,
				"bytes", len(p.Data),
				"digest", fmt.Sprintf("%016x", sum),
				"eod", p.EndOfData)
			n++
			total += int64(len(p.Data))
		}
		rt.Logger.Info("dataset read",
			"dataset", ds,
			"pages", n,
			"bytes", humanize.IBytes(uint64(total)),
			"digest", fmt.Sprintf("%016x", digest.Sum64()))
	}
	return nil
}

func headerAttrs(h header.Header) []any {
	var attrs []any
	for _, k := range h.Keys() {
		attrs = append(attrs, slog.String(k, h[k]))
	}
	return attrs
}
