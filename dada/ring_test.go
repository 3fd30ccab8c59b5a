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
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadaring/go-dada/header"
	"github.com/dadaring/go-dada/internal/metrics"
	"github.com/dadaring/go-dada/internal/shm"
)

// deadPID is above the Linux pid limit, so no process can have it.
const deadPID = 1 << 30

func TestRoundTripInOrder(t *testing.T) {
	g := smallGeometry()
	key, opts := createTestBuffer(t, g)
	m := metrics.New()
	opts = append(opts, WithMetrics(m))
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	const n = 25
	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			if err := w.SetHeader(ctx, header.Header{"NPAGES": "25"}); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				p, err := w.GetNextPage(ctx)
				if err != nil {
					return err
				}
				for j := range p.Data {
					p.Data[j] = byte(i + j)
				}
				binary.LittleEndian.PutUint64(p.Data, uint64(i))
				if i == n-1 {
					err = w.MarkEndOfData()
				} else {
					err = w.MarkFilled()
				}
				if err != nil {
					return err
				}
			}
			return nil
		}()
	}()

	h, err := r.GetHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "25", h["NPAGES"])

	i := 0
	for p, err := range r.Pages(ctx) {
		require.NoError(t, err)
		require.Len(t, p.Data, g.PageSize)
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(p.Data))
		for j := 8; j < len(p.Data); j++ {
			if p.Data[j] != byte(i+j) {
				t.Fatalf("page %d byte %d = %d, want %d", i, j, p.Data[j], byte(i+j))
			}
		}
		assert.Equal(t, i, p.Number)
		assert.Equal(t, uint64(i), p.Seq)
		assert.Equal(t, i%g.NumPages, p.Index)
		assert.Equal(t, i == n-1, p.EndOfData)
		i++
	}
	assert.Equal(t, n, i)
	require.NoError(t, <-errc)

	assert.Equal(t, float64(n), testutil.ToFloat64(m.PagesWritten.WithLabelValues(key.String(), "data")))
	assert.Equal(t, float64(n), testutil.ToFloat64(m.PagesRead.WithLabelValues(key.String(), "data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatasetsWritten.WithLabelValues(key.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatasetsRead.WithLabelValues(key.String())))
}

func TestBackpressure(t *testing.T) {
	g := smallGeometry()
	g.NumPages = 1
	key, opts := createTestBuffer(t, g)
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	writePage(t, ctx, w, 0, false)

	acquired := make(chan error, 1)
	go func() {
		_, err := w.GetNextPage(ctx)
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("GetNextPage returned while the only page was full: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	p, last, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, uint64(0), p.Seq)

	select {
	case err := <-acquired:
		t.Fatalf("GetNextPage returned before the page was cleared: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.MarkCleared())

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("GetNextPage still blocked after the page was cleared")
	}
	require.NoError(t, w.MarkFilled())
}

func TestThreePageScenario(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	require.NoError(t, w.SetHeader(ctx, header.Header{"DATASET": "0"}))
	for v := 0; v < 3; v++ {
		p, err := w.GetNextPage(ctx)
		require.NoError(t, err)
		clear(p.Data)
		p.Data[0] = byte(v)
		if v == 2 {
			require.NoError(t, w.MarkEndOfData())
		} else {
			require.NoError(t, w.MarkFilled())
		}
	}

	h, err := r.GetHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", h["DATASET"])

	var sums []int
	for p, err := range r.Pages(ctx) {
		require.NoError(t, err)
		sums = append(sums, sum(p.Data))
	}
	assert.Equal(t, []int{0, 1, 2}, sums)
	assert.False(t, r.EndOfData())

	require.NoError(t, w.SetHeader(ctx, header.Header{"QUIT": "yes"}))
	short, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h, err = r.GetHeader(short)
	require.NoError(t, err)
	assert.Equal(t, "yes", h["QUIT"])
}

func TestDatasetIsolation(t *testing.T) {
	g := smallGeometry()
	g.NumPages = 8
	key, opts := createTestBuffer(t, g)
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	for ds, k := range []int{3, 2} {
		require.NoError(t, w.SetHeader(ctx, header.Header{"DATASET": string(rune('0' + ds))}))
		for i := 0; i < k; i++ {
			writePage(t, ctx, w, byte(ds), i == k-1)
		}
	}

	for ds, k := range []int{3, 2} {
		h, err := r.GetHeader(ctx)
		require.NoError(t, err)
		assert.Equal(t, string(rune('0'+ds)), h["DATASET"])

		got := 0
		for p, err := range r.Pages(ctx) {
			require.NoError(t, err)
			assert.Equal(t, got, p.Number)
			assert.Equal(t, byte(ds), p.Data[0])
			got++
		}
		assert.Equal(t, k, got, "dataset %d", ds)
	}
}

func TestEndOfDataCursor(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	writePage(t, ctx, w, 1, true)

	p, last, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	assert.True(t, last)
	assert.True(t, p.EndOfData)
	assert.Equal(t, byte(1), p.Data[0])
	require.NoError(t, r.MarkCleared())
	assert.True(t, r.EndOfData())

	_, _, err = r.GetNextPage(ctx)
	assert.ErrorIs(t, err, ErrEndOfData)

	require.NoError(t, w.SetHeader(ctx, header.Header{"DATASET": "1"}))
	writePage(t, ctx, w, 2, false)

	_, err = r.GetHeader(ctx)
	require.NoError(t, err)
	assert.False(t, r.EndOfData())

	p, last, err = r.GetNextPage(ctx)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, byte(2), p.Data[0])
	require.NoError(t, r.MarkCleared())
}

func TestResetClearsCursor(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	writePage(t, ctx, w, 1, true)
	writePage(t, ctx, w, 2, false)

	_, _, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	require.NoError(t, r.MarkCleared())

	r.Reset()
	p, _, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(2), p.Data[0])
	require.NoError(t, r.MarkCleared())
}

func TestMultiReaderFanOut(t *testing.T) {
	g := smallGeometry()
	g.NumReaders = 2
	key, opts := createTestBuffer(t, g)
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r1 := connectReader(t, key, opts)
	r2 := connectReader(t, key, opts)
	assert.NotEqual(t, r1.Slot(), r2.Slot())

	writePage(t, ctx, w, 7, false)

	stats := func() BufStats { return w.Buffer().Stats().Data }

	p1, _, err := r1.GetNextPage(ctx)
	require.NoError(t, err)
	p2, _, err := r2.GetNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum(p1.Data), 7*g.PageSize)
	assert.Equal(t, sum(p2.Data), 7*g.PageSize)

	require.NoError(t, r1.MarkCleared())
	assert.Equal(t, 1, stats().Full, "page freed before the second reader cleared it")

	require.NoError(t, r2.MarkCleared())
	assert.Equal(t, 0, stats().Full)
	assert.Equal(t, g.NumPages, stats().Free)
}

func TestWriterAlreadyConnected(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	connectWriter(t, key, opts)

	_, err := ConnectWriter(key, opts...)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectMissingBuffer(t *testing.T) {
	opts := []Option{WithDir(t.TempDir())}

	_, err := ConnectWriter(0xbeef, opts...)
	assert.ErrorIs(t, err, ErrBufferNotFound)
	_, err = ConnectReader(0xbeef, opts...)
	assert.ErrorIs(t, err, ErrBufferNotFound)
}

func TestWriterStateViolations(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)

	w, err := ConnectWriter(key, opts...)
	require.NoError(t, err)

	assert.ErrorIs(t, w.MarkFilled(), ErrPageStateViolation)
	assert.ErrorIs(t, w.MarkEndOfData(), ErrPageStateViolation)

	_, err = w.GetNextPage(ctx)
	require.NoError(t, err)

	_, err = w.GetNextPage(ctx)
	assert.ErrorIs(t, err, ErrPageStateViolation)
	assert.ErrorIs(t, w.SetHeader(ctx, header.Header{"A": "1"}), ErrPageStateViolation)
	assert.ErrorIs(t, w.Disconnect(), ErrPageStateViolation)

	require.NoError(t, w.MarkFilled())
	assert.ErrorIs(t, w.MarkFilled(), ErrPageStateViolation)
	require.NoError(t, w.Disconnect())

	_, err = w.GetNextPage(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, w.Disconnect(), ErrNotConnected)

	// The role is free again.
	w2, err := ConnectWriter(key, opts...)
	require.NoError(t, err)
	require.NoError(t, w2.Disconnect())
}

func TestReaderStateViolations(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)

	w := connectWriter(t, key, opts)
	r, err := ConnectReader(key, opts...)
	require.NoError(t, err)

	assert.ErrorIs(t, r.MarkCleared(), ErrPageStateViolation)

	writePage(t, ctx, w, 1, false)
	_, _, err = r.GetNextPage(ctx)
	require.NoError(t, err)
	_, _, err = r.GetNextPage(ctx)
	assert.ErrorIs(t, err, ErrPageStateViolation)
	require.NoError(t, r.MarkCleared())

	require.NoError(t, r.Disconnect())
	_, _, err = r.GetNextPage(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, r.MarkCleared(), ErrNotConnected)
}

func TestHeaderOverflow(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	w := connectWriter(t, key, opts)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	err := w.SetHeader(testContext(t), header.Header{"LONG": string(long)})
	assert.ErrorIs(t, err, ErrHeaderOverflow)

	err = w.SetHeader(testContext(t), header.Header{"BAD KEY": "1"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestHeaderSizeTooLarge(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	require.NoError(t, w.SetHeader(ctx, header.Header{"HDR_SIZE": "100000"}))
	_, err := r.GetHeader(ctx)
	assert.ErrorIs(t, err, ErrHeaderParse)

	require.NoError(t, w.SetHeader(ctx, header.Header{"HDR_SIZE": "256", "A": "1"}))
	h, err := r.GetHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", h["A"])
	assert.Contains(t, h.Raw(), "HDR_SIZE 256\n")
	assert.Equal(t, header.Header{"HDR_SIZE": "256", "A": "1"}, w.Header())
}

func TestDisconnectUnblocksReader(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	r, err := ConnectReader(key, opts...)
	require.NoError(t, err)
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, _, err := r.GetNextPage(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.Disconnect())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("GetNextPage still blocked after Disconnect")
	}
}

func TestDisconnectUnblocksWriter(t *testing.T) {
	g := smallGeometry()
	g.NumPages = 1
	key, opts := createTestBuffer(t, g)
	ctx := testContext(t)

	w, err := ConnectWriter(key, opts...)
	require.NoError(t, err)
	writePage(t, ctx, w, 1, false)

	errc := make(chan error, 1)
	go func() {
		_, err := w.GetNextPage(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, w.Disconnect())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("GetNextPage still blocked after Disconnect")
	}
}

func TestContextDeadline(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	r := connectReader(t, key, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := r.GetNextPage(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.GetHeader(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestReaderSlotsExhausted(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	connectReader(t, key, opts)

	_, err := ConnectReader(key, opts...)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestReaderDisconnectRedeliversOpenPage(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)

	writePage(t, ctx, w, 1, false)
	writePage(t, ctx, w, 2, false)

	r1, err := ConnectReader(key, opts...)
	require.NoError(t, err)
	p, _, err := r1.GetNextPage(ctx)
	require.NoError(t, err)
	require.Equal(t, byte(1), p.Data[0])
	require.NoError(t, r1.Disconnect())
	assert.Nil(t, p.Data)

	r2 := connectReader(t, key, opts)
	p, _, err = r2.GetNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.Seq)
	assert.Equal(t, byte(1), p.Data[0])
	require.NoError(t, r2.MarkCleared())
}

func TestStaleWriterTakeover(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)

	buf, err := Attach(key, opts...)
	require.NoError(t, err)
	require.True(t, buf.seg.H.CompareAndSwapWriterPID(0, deadPID))
	buf.seg.Buf(shm.DataBuf).Desc(0).SetState(shm.PageWriting)
	require.NoError(t, buf.Detach())

	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)
	writePage(t, ctx, w, 9, false)

	p, _, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(9), p.Data[0])
	require.NoError(t, r.MarkCleared())
}

func TestStaleReaderTakeover(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())

	buf, err := Attach(key, opts...)
	require.NoError(t, err)
	sl := buf.seg.Slot(0)
	require.True(t, sl.CompareAndSwapPID(0, deadPID))
	sl.SetOpen(shm.DataBuf, true)
	require.NoError(t, buf.Detach())

	r := connectReader(t, key, opts)
	assert.Equal(t, 0, r.Slot())
	assert.False(t, r.Buffer().Stats().Readers[0].Open)
}

func TestLateReaderSeesEarlierPages(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)

	writePage(t, ctx, w, 1, false)
	writePage(t, ctx, w, 2, true)

	r := connectReader(t, key, opts)
	var got []byte
	for p, err := range r.Pages(ctx) {
		require.NoError(t, err)
		got = append(got, p.Data[0])
	}
	assert.Equal(t, []byte{1, 2}, got)
}

func TestCommitPartialPage(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	_, err := w.GetNextPage(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Commit(-1, false), ErrInvalidArgument)
	assert.ErrorIs(t, w.Commit(1000, false), ErrInvalidArgument)
	require.NoError(t, w.Commit(10, true))

	p, last, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, 10, p.Len())
	require.NoError(t, r.MarkCleared())
}

func TestWriterPagesAndReaderNext(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	written := 0
	for p, err := range w.Pages(ctx) {
		require.NoError(t, err)
		assert.Equal(t, written, p.Number)
		p.Data[0] = byte(written)
		written++
		if written == 3 {
			require.NoError(t, w.MarkEndOfData())
		}
	}
	assert.Equal(t, 3, written)

	var got []int
	for {
		p, ok, err := r.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, int(p.Data[0]))
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.False(t, r.EndOfData())
	assert.Equal(t, 0, w.Buffer().Stats().Data.Full)
}

func TestWriterNextStartsNewDataset(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	connectReader(t, key, opts)

	p, ok, err := w.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, p.Number)
	require.NoError(t, w.MarkEndOfData())

	_, ok, err = w.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	p, ok, err = w.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, p.Number)
	assert.Equal(t, uint64(1), p.Seq)
	require.NoError(t, w.MarkFilled())
}

func TestWriterPagesAfterManualDataset(t *testing.T) {
	g := smallGeometry()
	g.NumPages = 8
	key, opts := createTestBuffer(t, g)
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	require.NoError(t, w.SetHeader(ctx, header.Header{"DATASET": "0"}))
	writePage(t, ctx, w, 1, true)

	written := 0
	for p, err := range w.Pages(ctx) {
		require.NoError(t, err)
		p.Data[0] = 2
		written++
		if written == 3 {
			require.NoError(t, w.MarkEndOfData())
		}
	}
	assert.Equal(t, 3, written)

	// Leave the iterator with the page open and end the dataset by hand.
	for p, err := range w.Pages(ctx) {
		require.NoError(t, err)
		p.Data[0] = 3
		break
	}
	require.NoError(t, w.MarkEndOfData())

	written = 0
	for p, err := range w.Pages(ctx) {
		require.NoError(t, err)
		p.Data[0] = 4
		written++
		if written == 2 {
			require.NoError(t, w.MarkEndOfData())
		}
	}
	assert.Equal(t, 2, written)

	_, err := r.GetHeader(ctx)
	require.NoError(t, err)
	var got [][]byte
	for range 4 {
		var ds []byte
		for p, err := range r.Pages(ctx) {
			require.NoError(t, err)
			ds = append(ds, p.Data[0])
		}
		got = append(got, ds)
	}
	assert.Equal(t, [][]byte{{1}, {2, 2, 2}, {3}, {4, 4}}, got)
}

func TestReaderNextThenGetHeader(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	for ds := range 2 {
		require.NoError(t, w.SetHeader(ctx, header.Header{"DATASET": strconv.Itoa(ds)}))
		writePage(t, ctx, w, byte(ds+1), true)
	}

	h, err := r.GetHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", h["DATASET"])

	p, ok, err := r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.EndOfData)
	assert.Equal(t, byte(1), p.Data[0])

	// Stop on the end-of-data page and move straight to the next dataset.
	h, err = r.GetHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", h["DATASET"])

	st := r.Buffer().Stats()
	assert.Equal(t, 1, st.Data.Full, "the first end-of-data page must be cleared")

	p, ok, err = r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.EndOfData)
	assert.Equal(t, byte(2), p.Data[0])

	_, ok, err = r.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReaderNextThenReset(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	writePage(t, ctx, w, 1, true)
	writePage(t, ctx, w, 2, true)

	p, ok, err := r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.EndOfData)

	r.Reset()
	p, ok, err = r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(2), p.Data[0])
}

func TestReaderPagesManualClear(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	writePage(t, ctx, w, 1, false)
	writePage(t, ctx, w, 2, true)

	n := 0
	for _, err := range r.Pages(ctx, ManualClear()) {
		require.NoError(t, err)
		require.NoError(t, r.MarkCleared())
		n++
	}
	assert.Equal(t, 2, n)

	// Without clearing, the next iteration reports the open page.
	writePage(t, ctx, w, 3, false)
	writePage(t, ctx, w, 4, true)
	var errs []error
	for _, err := range r.Pages(ctx, ManualClear()) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPageStateViolation)
	require.NoError(t, r.MarkCleared())
}

func TestStats(t *testing.T) {
	key, opts := createTestBuffer(t, smallGeometry())
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	r := connectReader(t, key, opts)

	writePage(t, ctx, w, 1, false)
	writePage(t, ctx, w, 2, true)
	_, _, err := r.GetNextPage(ctx)
	require.NoError(t, err)
	require.NoError(t, r.MarkCleared())

	st := w.Buffer().Stats()
	assert.Equal(t, key, st.Key)
	assert.True(t, st.WriterAlive)
	assert.Equal(t, uint32(1), st.WriterEpoch)
	assert.Equal(t, uint64(2), st.Data.Written)
	assert.Equal(t, uint64(2), st.Data.LastEOD)
	assert.Equal(t, 1, st.Data.Full)
	assert.Equal(t, 3, st.Data.Free)
	require.Len(t, st.Readers, 1)
	assert.True(t, st.Readers[0].Alive)
	assert.Equal(t, uint64(1), st.Readers[0].Read)
	assert.Equal(t, uint64(1), st.Readers[0].Lag)
	assert.Equal(t, uint64(1), st.Readers[0].Connects)
	assert.False(t, st.Readers[0].LastSeen.IsZero())
}

func TestStatsClearedPerReader(t *testing.T) {
	g := smallGeometry()
	g.NumReaders = 2
	key, opts := createTestBuffer(t, g)
	ctx := testContext(t)
	w := connectWriter(t, key, opts)
	fast := connectReader(t, key, opts)
	slow := connectReader(t, key, opts)

	writePage(t, ctx, w, 1, false)
	writePage(t, ctx, w, 2, false)
	writePage(t, ctx, w, 3, false)
	for range 2 {
		_, _, err := fast.GetNextPage(ctx)
		require.NoError(t, err)
		require.NoError(t, fast.MarkCleared())
	}

	st := w.Buffer().Stats()
	require.Len(t, st.Readers, 2)
	assert.Equal(t, 3, st.Data.Full)
	assert.Equal(t, 2, st.Readers[fast.Slot()].Cleared)
	assert.Equal(t, 0, st.Readers[slow.Slot()].Cleared)

	_, _, err := slow.GetNextPage(ctx)
	require.NoError(t, err)
	require.NoError(t, slow.MarkCleared())

	st = w.Buffer().Stats()
	assert.Equal(t, 2, st.Data.Full)
	assert.Equal(t, 1, st.Readers[fast.Slot()].Cleared)
	assert.Equal(t, 0, st.Readers[slow.Slot()].Cleared)
}
