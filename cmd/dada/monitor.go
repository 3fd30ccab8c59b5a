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
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dadaring/go-dada/dada"
	"github.com/dadaring/go-dada/monitor"
)

// MonitorCmd prints buffer statistics, read locally or from a dada serve
// instance.
type MonitorCmd struct {
	Interval time.Duration `name:"interval" help:"Refresh interval. Defaults to the configured monitor interval."`
	Count    int           `name:"count" short:"n" help:"Stop after this many snapshots. Zero runs until interrupted."`
	Remote   string        `name:"remote" help:"Address of a dada serve instance to query instead of shared memory."`
}

func (c *MonitorCmd) Run(rt *Runtime) error {
	interval := c.Interval
	if interval <= 0 {
		interval = rt.Config.Monitor.Interval.Std()
	}
	if c.Remote != "" {
		return c.watchRemote(rt, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		reply, err := monitor.Snapshot(rt.Key, rt.Options()...)
		if err != nil {
			return err
		}
		printStats(rt.Out, reply.Stats)
		if n == c.Count {
			return nil
		}
		select {
		case <-rt.Ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *MonitorCmd) watchRemote(rt *Runtime, interval time.Duration) error {
	cc, err := monitor.Dial(c.Remote)
	if err != nil {
		return err
	}
	defer cc.Close()

	client := monitor.NewClient(cc)
	n := 0
	for reply, err := range client.Watch(rt.Ctx, rt.Key, interval) {
		if err != nil {
			if rt.Ctx.Err() != nil {
				return nil
			}
			return err
		}
		printStats(rt.Out, reply.Stats)
		n++
		if n == c.Count {
			return nil
		}
	}
	return nil
}

func printStats(out io.Writer, st dada.Stats) {
	writer := "none"
	if st.WriterPID != 0 {
		state := "dead"
		if st.WriterAlive {
			state = "alive"
		}
		writer = fmt.Sprintf("pid %d (%s)", st.WriterPID, state)
	}
	fmt.Fprintf(out, "buffer %s  writer %s  epoch %d  created %s\n",
		st.Key, writer, st.WriterEpoch, humanize.Time(st.Created))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUF\tPAGES\tSIZE\tFREE\tWRITING\tFULL\tNWRITE\tEOD")
	for _, b := range []struct {
		name string
		s    dada.BufStats
	}{
		{"data", st.Data},
		{"header", st.Header},
	} {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\n",
			b.name, b.s.Pages, humanize.IBytes(uint64(b.s.PageSize)),
			b.s.Free, b.s.Writing, b.s.Full, b.s.Written, b.s.LastEOD)
	}
	tw.Flush()

	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tPID\tALIVE\tNREAD\tLAG\tCLEAR\tOPEN\tCONNECTS\tLAST SEEN")
	for _, r := range st.Readers {
		seen := "-"
		if !r.LastSeen.IsZero() {
			seen = humanize.Time(r.LastSeen)
		}
		fmt.Fprintf(tw, "%d\t%d\t%t\t%d\t%d\t%d\t%t\t%d\t%s\n",
			r.Slot, r.PID, r.Alive, r.Read, r.Lag, r.Cleared, r.Open, r.Connects, seen)
	}
	tw.Flush()
	fmt.Fprintln(out)
}

// watchLocal is used by serve to log a line per interval while it runs.
func watchLocal(ctx context.Context, rt *Runtime, keys []dada.Key, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, k := range keys {
			reply, err := monitor.Snapshot(k, rt.Options()...)
			if err != nil {
				rt.Logger.Debug("buffer unavailable", "key", k.String(), "err", err)
				continue
			}
			st := reply.Stats
			rt.Logger.Debug("buffer stats",
				"key", k.String(),
				"written", st.Data.Written,
				"full", st.Data.Full,
				"writer_alive", st.WriterAlive)
		}
	}
}
