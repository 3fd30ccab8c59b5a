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
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dadaring/go-dada/internal/metrics"
	"github.com/dadaring/go-dada/internal/shm"
)

// waitSlice bounds a single futex sleep so that cancellation and disconnect
// are noticed even without a wake.
const waitSlice = 50 * time.Millisecond

// PageStore performs the page state transitions of a buffer. Transitions are
// compare-and-swap operations on per-page descriptors in shared memory, so a
// PageStore is safe for concurrent use by any number of processes.
//
// Each page descriptor is Free, Writing or Full. A Full page carries a count
// of readers that have not cleared it yet; the reader that clears it last
// returns it to Free. Readers track their own position with a cursor in their
// reader slot.
type PageStore struct {
	seg     *shm.Segment
	key     string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newPageStore(seg *shm.Segment, key Key, logger *slog.Logger, m *metrics.Metrics) *PageStore {
	return &PageStore{seg: seg, key: key.String(), logger: logger, metrics: m}
}

// AcquireWritePage waits for the next page in write order to be Free and
// moves it to Writing. It blocks while readers still hold the page. done is
// closed by the calling handle when it disconnects.
func (s *PageStore) AcquireWritePage(ctx context.Context, sub SubBuffer, done <-chan struct{}) (*Page, error) {
	const op = "PageStore.AcquireWritePage"
	b := s.seg.Buf(sub.id())
	bh := b.Header()

	seq := bh.WriteSeq()
	idx := b.Index(seq)
	d := b.Desc(idx)

	start := time.Now()
	err := s.wait(ctx, op, done, bh.FreeSeqAddr(), func() bool {
		return d.CompareAndSwapState(shm.PageFree, shm.PageWriting)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveWait(s.key, "writer", sub.String(), time.Since(start))

	s.logger.Debug("acquired write page", "buffer", sub.String(), "index", idx, "seq", seq)
	return &Page{Data: b.Page(idx), Index: int(idx), Seq: seq, sub: sub}, nil
}

// ReleaseWritePage commits nbytes of p and moves it from Writing to Full,
// making it visible to readers. eod marks p as the last page of its dataset.
func (s *PageStore) ReleaseWritePage(sub SubBuffer, p *Page, nbytes int, eod bool) error {
	const op = "PageStore.ReleaseWritePage"
	if p == nil || p.sub != sub {
		return newError(KindPageStateViolation, op, "page does not belong to the %s sub-buffer", sub)
	}
	b := s.seg.Buf(sub.id())
	bh := b.Header()

	if p.Seq != bh.WriteSeq() {
		return newError(KindPageStateViolation, op, "page %d is not the current write page %d", p.Seq, bh.WriteSeq())
	}
	if nbytes < 0 || uint64(nbytes) > b.PageSize() {
		return newError(KindInvalidArgument, op, "byte count %d outside [0, %d]", nbytes, b.PageSize())
	}
	d := b.Desc(uint64(p.Index))
	if d.State() != shm.PageWriting {
		return newError(KindPageStateViolation, op, "page %d is not open for writing", p.Index)
	}

	d.SetSeq(p.Seq)
	d.SetNBytes(uint64(nbytes))
	d.SetEOD(eod)
	d.SetPending(s.seg.H.NumReaders())
	if !d.CompareAndSwapState(shm.PageWriting, shm.PageFull) {
		return newError(KindPageStateViolation, op, "page %d changed state while open", p.Index)
	}

	bh.SetWriteSeq(p.Seq + 1)
	if eod {
		bh.SetEODSeq(p.Seq + 1)
	}
	shm.Notify(bh.FullSeqAddr())

	s.metrics.PageWritten(s.key, sub.String())
	s.logger.Debug("released write page", "buffer", sub.String(), "index", p.Index, "seq", p.Seq, "bytes", nbytes, "eod", eod)
	return nil
}

// abortWritePage returns an acquired but unwritten page to Free.
func (s *PageStore) abortWritePage(sub SubBuffer, p *Page) {
	b := s.seg.Buf(sub.id())
	if b.Desc(uint64(p.Index)).CompareAndSwapState(shm.PageWriting, shm.PageFree) {
		shm.Notify(b.Header().FreeSeqAddr())
	}
	p.release()
}

// resetWriting returns every Writing page of sub to Free. Only the process
// holding the writer role may call it.
func (s *PageStore) resetWriting(sub SubBuffer) int {
	b := s.seg.Buf(sub.id())
	n := 0
	for i := uint64(0); i < b.NumPages(); i++ {
		if b.Desc(i).CompareAndSwapState(shm.PageWriting, shm.PageFree) {
			n++
		}
	}
	if n > 0 {
		shm.Notify(b.Header().FreeSeqAddr())
	}
	return n
}

// AcquireReadPage waits until the page at the cursor of reader slot slot is
// Full and opens it for that reader.
func (s *PageStore) AcquireReadPage(ctx context.Context, sub SubBuffer, slot int, done <-chan struct{}) (*Page, error) {
	const op = "PageStore.AcquireReadPage"
	b := s.seg.Buf(sub.id())
	bh := b.Header()
	sl := s.seg.Slot(slot)

	if sl.Open(sub.id()) {
		return nil, newError(KindPageStateViolation, op, "reader %d already holds a %s page", slot, sub)
	}

	cursor := sl.Cursor(sub.id())
	idx := b.Index(cursor)
	d := b.Desc(idx)

	start := time.Now()
	err := s.wait(ctx, op, done, bh.FullSeqAddr(), func() bool {
		return d.State() == shm.PageFull && d.Seq() == cursor
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveWait(s.key, "reader", sub.String(), time.Since(start))

	sl.SetOpen(sub.id(), true)
	n := d.NBytes()
	s.logger.Debug("acquired read page", "buffer", sub.String(), "slot", slot, "index", idx, "seq", cursor)
	return &Page{
		Data:      b.Page(idx)[:n],
		Index:     int(idx),
		Seq:       cursor,
		EndOfData: d.EOD(),
		sub:       sub,
	}, nil
}

// ReleaseReadPage clears the page open by reader slot slot and advances the
// slot's cursor. The page returns to Free once every reader slot has
// cleared it.
func (s *PageStore) ReleaseReadPage(sub SubBuffer, slot int) error {
	const op = "PageStore.ReleaseReadPage"
	b := s.seg.Buf(sub.id())
	sl := s.seg.Slot(slot)

	if !sl.Open(sub.id()) {
		return newError(KindPageStateViolation, op, "reader %d has no open %s page", slot, sub)
	}
	cursor := sl.Cursor(sub.id())
	idx := b.Index(cursor)
	d := b.Desc(idx)
	if d.State() != shm.PageFull || d.Seq() != cursor {
		return newError(KindPageStateViolation, op, "%s page %d is not the page reader %d opened", sub, idx, slot)
	}

	sl.SetOpen(sub.id(), false)
	sl.SetCursor(sub.id(), cursor+1)
	sl.SetLastSeen(time.Now().UnixNano())

	if d.DecrementPending() == 0 {
		d.CompareAndSwapState(shm.PageFull, shm.PageFree)
		shm.Notify(b.Header().FreeSeqAddr())
	}

	s.metrics.PageRead(s.key, sub.String())
	s.logger.Debug("released read page", "buffer", sub.String(), "slot", slot, "index", idx, "seq", cursor)
	return nil
}

// abortReadPage closes the page open by slot without clearing it, so the
// same page is delivered again.
func (s *PageStore) abortReadPage(sub SubBuffer, slot int) {
	s.seg.Slot(slot).SetOpen(sub.id(), false)
}

// wakeAll wakes every waiter on the buffer so that it re-checks its state.
func (s *PageStore) wakeAll() {
	for _, id := range []shm.BufID{shm.DataBuf, shm.HeaderBuf} {
		h := s.seg.Buf(id).Header()
		shm.Notify(h.FullSeqAddr())
		shm.Notify(h.FreeSeqAddr())
	}
}

// wait blocks until ready returns true. The sequence word at addr is sampled
// before every check so that a Notify between the check and the sleep is
// never lost.
func (s *PageStore) wait(ctx context.Context, op string, done <-chan struct{}, addr *uint32, ready func() bool) error {
	for {
		val := atomic.LoadUint32(addr)
		if ready() {
			return nil
		}
		if err := s.interrupted(ctx, op, done); err != nil {
			return err
		}
		shm.Wait(addr, val, waitSlice)
	}
}

func (s *PageStore) interrupted(ctx context.Context, op string, done <-chan struct{}) error {
	select {
	case <-done:
		return newError(KindDisconnected, op, "handle disconnected while waiting")
	default:
	}
	if ctx.Err() != nil {
		return ctxError(ctx, op)
	}
	if s.seg.H.Destroyed() {
		return newError(KindDisconnected, op, "buffer destroyed")
	}
	return nil
}
