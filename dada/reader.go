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

package dada

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dadaring/go-dada/header"
	"github.com/dadaring/go-dada/internal/metrics"
	"github.com/dadaring/go-dada/internal/shm"
)

// Reader is one consumer of a ring buffer. Every reader sees every page in
// write order; a page is recycled only after all reader slots cleared it.
//
// A Reader is safe for use by multiple goroutines, but at most one data page
// is open at a time. Disconnect may be called while another goroutine is
// blocked in GetHeader or GetNextPage.
type Reader struct {
	buf     *Buffer
	store   *PageStore
	id      uuid.UUID
	slot    int
	pid     uint32
	logger  *slog.Logger
	metrics *metrics.Metrics

	done     chan struct{}
	inflight sync.WaitGroup

	mu        sync.Mutex
	connected bool
	busy      bool
	open      *Page
	eod       bool // end-of-data cursor
	number    int
	yielded   *Page // page returned by Next, cleared by the following call
}

// ConnectReader attaches to the buffer for key and claims a reader slot.
// Among free slots the one furthest behind is chosen, so pages written
// before any reader attached are not lost. Slots owned by processes that no
// longer exist are reclaimed.
func ConnectReader(key Key, opts ...Option) (*Reader, error) {
	const op = "ConnectReader"
	buf, err := Attach(key, opts...)
	if err != nil {
		return nil, err
	}

	pid := uint32(os.Getpid())
	slot, takeover := claimSlot(buf.seg, pid)
	if slot < 0 {
		n := buf.seg.H.NumReaders()
		buf.Detach()
		return nil, newError(KindAlreadyConnected, op, "all %d reader slots of %s are in use", n, key)
	}

	sl := buf.seg.Slot(slot)
	// A previous occupant may have left a page open; deliver it again.
	sl.SetOpen(shm.DataBuf, false)
	sl.SetOpen(shm.HeaderBuf, false)
	connects := sl.IncrementConnects()

	id := uuid.New()
	r := &Reader{
		buf:       buf,
		store:     buf.store,
		id:        id,
		slot:      slot,
		pid:       pid,
		logger:    buf.logger.With("role", "reader", "handle", id.String(), "slot", slot),
		metrics:   buf.metrics,
		done:      make(chan struct{}),
		connected: true,
	}
	if takeover {
		r.metrics.Takeover(key.String(), "reader")
	}
	r.metrics.Connected(key.String(), "reader")
	r.logger.Info("reader connected",
		"takeover", takeover,
		"connects", connects,
		"cursor", sl.Cursor(shm.DataBuf))
	return r, nil
}

// claimSlot claims a free reader slot, preferring the one with the oldest
// data cursor, or else takes over a slot whose owner is dead. It returns -1
// if every slot is held by a live process.
func claimSlot(seg *shm.Segment, pid uint32) (slot int, takeover bool) {
	n := int(seg.H.NumReaders())
	for attempt := 0; attempt < 8; attempt++ {
		var free, stale []int
		for i := 0; i < n; i++ {
			owner := seg.Slot(i).PID()
			switch {
			case owner == 0:
				free = append(free, i)
			case owner != pid && !shm.ProcessAlive(owner):
				stale = append(stale, i)
			}
		}
		byCursor := func(a, b int) int {
			ca, cb := seg.Slot(a).Cursor(shm.DataBuf), seg.Slot(b).Cursor(shm.DataBuf)
			switch {
			case ca < cb:
				return -1
			case ca > cb:
				return 1
			}
			return a - b
		}
		slices.SortFunc(free, byCursor)
		slices.SortFunc(stale, byCursor)

		for _, i := range free {
			if seg.Slot(i).CompareAndSwapPID(0, pid) {
				return i, false
			}
		}
		for _, i := range stale {
			s := seg.Slot(i)
			if old := s.PID(); old != 0 && old != pid && !shm.ProcessAlive(old) && s.CompareAndSwapPID(old, pid) {
				return i, true
			}
		}
		if len(free) == 0 && len(stale) == 0 {
			break
		}
	}
	return -1, false
}

// ID returns the handle's unique id, as used in log records.
func (r *Reader) ID() uuid.UUID {
	return r.id
}

// Slot returns the index of the reader slot this reader holds.
func (r *Reader) Slot() int {
	return r.slot
}

// Buffer returns the buffer the reader is attached to.
func (r *Reader) Buffer() *Buffer {
	return r.buf
}

func (r *Reader) begin(op string) error {
	if !r.connected {
		return newError(KindNotConnected, op, "reader is not connected")
	}
	if r.busy {
		return newError(KindPageStateViolation, op, "another page acquisition is in progress")
	}
	r.busy = true
	r.inflight.Add(1)
	return nil
}

// GetHeader waits for the next header, copies it out of shared memory and
// clears the header page. It resets the end-of-data cursor: the header
// starts a new dataset.
func (r *Reader) GetHeader(ctx context.Context) (header.Header, error) {
	const op = "reader.GetHeader"
	r.mu.Lock()
	if err := r.begin(op); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := r.settle(op); err != nil {
		r.busy = false
		r.mu.Unlock()
		r.inflight.Done()
		return nil, err
	}
	r.mu.Unlock()
	defer r.inflight.Done()

	p, err := r.store.AcquireReadPage(ctx, HeaderPages, r.slot, r.done)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false
	if err != nil {
		return nil, err
	}
	if !r.connected {
		r.store.abortReadPage(HeaderPages, r.slot)
		return nil, newError(KindDisconnected, op, "reader disconnected")
	}

	raw := bytes.Clone(p.Data)
	if err := r.store.ReleaseReadPage(HeaderPages, r.slot); err != nil {
		return nil, err
	}
	p.release()

	h, err := header.Decode(raw)
	if err != nil {
		return nil, wrapError(KindHeaderParse, op, err)
	}
	if v, ok := h["HDR_SIZE"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > len(raw) {
			return nil, newError(KindHeaderParse, op, "HDR_SIZE %q does not fit a %d byte header page", v, len(raw))
		}
	}

	r.eod = false
	r.number = 0
	r.logger.Debug("header read", "keys", len(h.Keys()), "seq", p.Seq)
	return h, nil
}

// GetNextPage waits for the next data page and opens it. The returned bool
// is true if the page ends the dataset; the page data is valid either way.
// After an end-of-data page GetNextPage fails with KindEndOfData until
// GetHeader or Reset is called.
func (r *Reader) GetNextPage(ctx context.Context) (*Page, bool, error) {
	const op = "reader.GetNextPage"
	r.mu.Lock()
	if r.connected && r.eod {
		r.mu.Unlock()
		return nil, false, newError(KindEndOfData, op, "end of data reached; read the next header first")
	}
	if r.connected && r.open != nil {
		idx := r.open.Index
		r.mu.Unlock()
		return nil, false, newError(KindPageStateViolation, op, "data page %d is still open", idx)
	}
	if err := r.begin(op); err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	r.mu.Unlock()
	defer r.inflight.Done()

	p, err := r.store.AcquireReadPage(ctx, DataPages, r.slot, r.done)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false
	if err != nil {
		return nil, false, err
	}
	if !r.connected {
		r.store.abortReadPage(DataPages, r.slot)
		return nil, false, newError(KindDisconnected, op, "reader disconnected")
	}

	p.Number = r.number
	r.number++
	r.open = p
	if p.EndOfData {
		r.eod = true
		r.number = 0
		r.metrics.DatasetRead(r.buf.key.String())
	}
	return p, p.EndOfData, nil
}

// MarkCleared releases the open data page.
func (r *Reader) MarkCleared() error {
	const op = "reader.MarkCleared"
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clear(op, nil)
}

// clear releases the open page. If p is not nil, only p is released and it
// is not an error for p to be released already.
func (r *Reader) clear(op string, p *Page) error {
	if !r.connected {
		return newError(KindNotConnected, op, "reader is not connected")
	}
	if r.open == nil || (p != nil && r.open != p) {
		if p != nil {
			return nil
		}
		return newError(KindPageStateViolation, op, "no open page")
	}
	if err := r.store.ReleaseReadPage(DataPages, r.slot); err != nil {
		return err
	}
	r.open.release()
	r.open = nil
	return nil
}

// settle clears the page returned by Next if it is still open, so that a
// new dataset starts without it. r.mu must be held.
func (r *Reader) settle(op string) error {
	prev := r.yielded
	if prev == nil {
		return nil
	}
	r.yielded = nil
	return r.clear(op, prev)
}

// Reset clears the end-of-data cursor without reading a header. A page
// returned by Next that is still open is cleared.
func (r *Reader) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		if err := r.settle("reader.Reset"); err != nil {
			r.logger.Warn("failed to clear page on reset", "error", err)
		}
	}
	r.eod = false
	r.number = 0
}

// EndOfData reports whether the reader has consumed the end-of-data page of
// the current dataset.
func (r *Reader) EndOfData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eod
}

// Next is the explicit form of Pages. It clears the page returned by the
// previous call if it is still open and returns the next page of the
// dataset and true. After the end-of-data page it returns false once and
// resets the end-of-data cursor.
func (r *Reader) Next(ctx context.Context) (*Page, bool, error) {
	const op = "reader.Next"
	r.mu.Lock()
	prev := r.yielded
	r.yielded = nil
	if prev != nil {
		if err := r.clear(op, prev); err != nil {
			r.mu.Unlock()
			return nil, false, err
		}
		if prev.EndOfData {
			r.eod = false
			r.number = 0
			r.mu.Unlock()
			return nil, false, nil
		}
	}
	r.mu.Unlock()

	p, _, err := r.GetNextPage(ctx)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	r.yielded = p
	r.mu.Unlock()
	return p, true, nil
}

// PagesOption configures Reader.Pages.
type PagesOption func(*pagesOptions)

type pagesOptions struct {
	manual bool
}

// ManualClear leaves clearing to the loop body, which must call MarkCleared
// before the next iteration.
func ManualClear() PagesOption {
	return func(o *pagesOptions) { o.manual = true }
}

// Pages returns an iterator over the pages of the current dataset. It stops
// after yielding the end-of-data page and resets the end-of-data cursor, so
// that the next dataset can be read after GetHeader. Unless ManualClear is
// given, each page is cleared when the loop body returns.
//
//	for p, err := range r.Pages(ctx) {
//		if err != nil {
//			return err
//		}
//		consume(p.Data)
//	}
func (r *Reader) Pages(ctx context.Context, opts ...PagesOption) iter.Seq2[*Page, error] {
	var o pagesOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(yield func(*Page, error) bool) {
		for {
			p, last, err := r.GetNextPage(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			more := yield(p, nil)
			if !o.manual {
				r.mu.Lock()
				err := r.clear("reader.Pages", p)
				r.mu.Unlock()
				if err != nil {
					if more {
						yield(nil, err)
					}
					return
				}
			}
			if last {
				r.Reset()
				return
			}
			if !more {
				return
			}
		}
	}
}

// Disconnect gives up the reader slot and detaches from the buffer. A page
// still open is not cleared; the next reader to claim the slot receives it
// again.
func (r *Reader) Disconnect() error {
	const op = "reader.Disconnect"
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return newError(KindNotConnected, op, "reader is not connected")
	}
	r.connected = false
	close(r.done)
	if r.open != nil {
		r.logger.Warn("disconnecting with an open page", "index", r.open.Index, "seq", r.open.Seq)
		r.open.release()
		r.open = nil
	}
	r.mu.Unlock()

	r.store.wakeAll()
	r.inflight.Wait()

	r.buf.seg.Slot(r.slot).CompareAndSwapPID(r.pid, 0)
	r.metrics.Disconnected(r.buf.key.String(), "reader")
	r.logger.Info("reader disconnected")
	return r.buf.Detach()
}
