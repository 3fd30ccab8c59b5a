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
	"context"
	"errors"
	"iter"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/dadaring/go-dada/header"
	"github.com/dadaring/go-dada/internal/metrics"
	"github.com/dadaring/go-dada/internal/shm"
)

// Writer is the single producer of a ring buffer.
//
// A Writer is safe for use by multiple goroutines, but at most one page is
// open at a time. Disconnect may be called while another goroutine is
// blocked in GetNextPage or SetHeader; the blocked call then fails with
// KindDisconnected.
type Writer struct {
	buf     *Buffer
	store   *PageStore
	id      uuid.UUID
	pid     uint32
	logger  *slog.Logger
	metrics *metrics.Metrics

	done     chan struct{}
	inflight sync.WaitGroup

	mu        sync.Mutex
	connected bool
	busy      bool  // a blocking acquire is in progress
	open      *Page // open data page
	number    int   // Number of the next data page
	yielded   *Page // page returned by Next, settled by the following call
	hdr       header.Header
}

// ConnectWriter attaches to the buffer for key and takes the writer role.
// A writer role held by a process that no longer exists is taken over.
func ConnectWriter(key Key, opts ...Option) (*Writer, error) {
	const op = "ConnectWriter"
	buf, err := Attach(key, opts...)
	if err != nil {
		return nil, err
	}

	pid := uint32(os.Getpid())
	h := buf.seg.H
	takeover := false
	for {
		cur := h.WriterPID()
		if cur == 0 {
			if h.CompareAndSwapWriterPID(0, pid) {
				break
			}
			continue
		}
		if cur != pid && !shm.ProcessAlive(cur) {
			if h.CompareAndSwapWriterPID(cur, pid) {
				takeover = true
				break
			}
			continue
		}
		buf.Detach()
		return nil, newError(KindAlreadyConnected, op, "buffer %s already has a writer (pid %d)", key, cur)
	}

	epoch := h.IncrementWriterEpoch()
	id := uuid.New()
	w := &Writer{
		buf:       buf,
		store:     buf.store,
		id:        id,
		pid:       pid,
		logger:    buf.logger.With("role", "writer", "handle", id.String()),
		metrics:   buf.metrics,
		done:      make(chan struct{}),
		connected: true,
	}

	// Pages left Writing belong to a writer that is gone.
	stale := w.store.resetWriting(DataPages) + w.store.resetWriting(HeaderPages)
	if takeover {
		w.metrics.Takeover(key.String(), "writer")
	}
	w.metrics.Connected(key.String(), "writer")
	w.logger.Info("writer connected", "epoch", epoch, "takeover", takeover, "stale_pages", stale)
	return w, nil
}

// ID returns the handle's unique id, as used in log records.
func (w *Writer) ID() uuid.UUID {
	return w.id
}

// Buffer returns the buffer the writer is attached to.
func (w *Writer) Buffer() *Buffer {
	return w.buf
}

// Header returns a copy of the last header set, or nil.
func (w *Writer) Header() header.Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hdr == nil {
		return nil
	}
	return w.hdr.Clone()
}

// begin reserves the handle for a blocking acquire.
func (w *Writer) begin(op string) error {
	if !w.connected {
		return newError(KindNotConnected, op, "writer is not connected")
	}
	if w.busy {
		return newError(KindPageStateViolation, op, "another page acquisition is in progress")
	}
	if w.open != nil {
		return newError(KindPageStateViolation, op, "data page %d is still open", w.open.Index)
	}
	w.busy = true
	w.inflight.Add(1)
	return nil
}

// SetHeader publishes h as the header of the next dataset. It blocks while
// the header pages are all in use by readers.
func (w *Writer) SetHeader(ctx context.Context, h header.Header) error {
	const op = "writer.SetHeader"
	w.mu.Lock()
	if err := w.begin(op); err != nil {
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	defer w.inflight.Done()

	size := w.buf.seg.Buf(shm.HeaderBuf).PageSize()
	b, encErr := header.Encode(h, int(size))

	var p *Page
	var err error
	if encErr == nil {
		p, err = w.store.AcquireWritePage(ctx, HeaderPages, w.done)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	switch {
	case errors.Is(encErr, header.ErrOverflow):
		return wrapError(KindHeaderOverflow, op, encErr)
	case encErr != nil:
		return wrapError(KindInvalidArgument, op, encErr)
	case err != nil:
		return err
	}
	if !w.connected {
		w.store.abortWritePage(HeaderPages, p)
		return newError(KindDisconnected, op, "writer disconnected")
	}

	copy(p.Data, b)
	if err := w.store.ReleaseWritePage(HeaderPages, p, len(b), false); err != nil {
		return err
	}
	p.release()

	w.hdr = h.Clone()
	w.number = 0
	w.yielded = nil
	w.logger.Debug("header set", "keys", len(h.Keys()), "seq", p.Seq)
	return nil
}

// GetNextPage acquires the next data page for writing. It blocks while the
// page is still held by a reader.
func (w *Writer) GetNextPage(ctx context.Context) (*Page, error) {
	const op = "writer.GetNextPage"
	w.mu.Lock()
	if err := w.begin(op); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.mu.Unlock()
	defer w.inflight.Done()

	p, err := w.store.AcquireWritePage(ctx, DataPages, w.done)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	if err != nil {
		return nil, err
	}
	if !w.connected {
		w.store.abortWritePage(DataPages, p)
		return nil, newError(KindDisconnected, op, "writer disconnected")
	}
	p.Number = w.number
	w.open = p
	return p, nil
}

// MarkFilled releases the open page as a full page.
func (w *Writer) MarkFilled() error {
	return w.commit("writer.MarkFilled", -1, false)
}

// MarkEndOfData releases the open page as a full page that ends the current
// dataset. The next page acquired starts a new dataset. There is no need to
// call MarkFilled as well.
func (w *Writer) MarkEndOfData() error {
	return w.commit("writer.MarkEndOfData", -1, true)
}

// Commit releases the open page holding only its first n bytes. eod marks it
// as the last page of the dataset.
func (w *Writer) Commit(n int, eod bool) error {
	if n < 0 {
		return newError(KindInvalidArgument, "writer.Commit", "negative byte count %d", n)
	}
	return w.commit("writer.Commit", n, eod)
}

func (w *Writer) commit(op string, n int, eod bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return newError(KindNotConnected, op, "writer is not connected")
	}
	p := w.open
	if p == nil {
		return newError(KindPageStateViolation, op, "no open page")
	}
	if n < 0 {
		n = len(p.Data)
	}
	if err := w.store.ReleaseWritePage(DataPages, p, n, eod); err != nil {
		return err
	}
	p.EndOfData = eod
	p.release()
	w.open = nil
	if eod {
		w.number = 0
		w.metrics.DatasetWritten(w.buf.key.String())
		w.logger.Debug("end of data", "seq", p.Seq)
	} else {
		w.number++
	}
	return nil
}

// Next is the explicit form of Pages. It marks the page returned by the
// previous call filled if the caller has not released it, then returns the
// next page and true. If that page was released with MarkEndOfData it
// returns false instead, and the call after that begins the next dataset.
func (w *Writer) Next(ctx context.Context) (*Page, bool, error) {
	w.mu.Lock()
	prev := w.yielded
	w.yielded = nil
	pending := prev != nil && w.open == prev
	ended := prev != nil && prev.EndOfData
	w.mu.Unlock()

	switch {
	case pending:
		if err := w.MarkFilled(); err != nil {
			return nil, false, err
		}
	case ended:
		return nil, false, nil
	}

	p, err := w.GetNextPage(ctx)
	if err != nil {
		return nil, false, err
	}
	w.mu.Lock()
	w.yielded = p
	w.mu.Unlock()
	return p, true, nil
}

// forget drops the page returned by Next so a later Next does not settle it.
func (w *Writer) forget() {
	w.mu.Lock()
	w.yielded = nil
	w.mu.Unlock()
}

// Pages returns an iterator over the pages of one dataset. Each page is
// marked filled when the loop body returns, unless the body released it
// itself. The iteration stops after the body calls MarkEndOfData. If the
// loop exits early the current page is left open.
//
//	for p, err := range w.Pages(ctx) {
//		if err != nil {
//			return err
//		}
//		n := copy(p.Data, src)
//		src = src[n:]
//		if len(src) == 0 {
//			w.MarkEndOfData()
//		}
//	}
func (w *Writer) Pages(ctx context.Context) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for {
			p, ok, err := w.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(p, nil) {
				w.forget()
				return
			}
		}
	}
}

// Disconnect gives up the writer role and detaches from the buffer. It fails
// if a page is open.
func (w *Writer) Disconnect() error {
	const op = "writer.Disconnect"
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return newError(KindNotConnected, op, "writer is not connected")
	}
	if w.open != nil {
		w.mu.Unlock()
		return newError(KindPageStateViolation, op, "data page %d is still open", w.open.Index)
	}
	w.connected = false
	close(w.done)
	w.mu.Unlock()

	w.store.wakeAll()
	w.inflight.Wait()

	w.buf.seg.H.CompareAndSwapWriterPID(w.pid, 0)
	w.metrics.Disconnected(w.buf.key.String(), "writer")
	w.logger.Info("writer disconnected")
	return w.buf.Detach()
}
