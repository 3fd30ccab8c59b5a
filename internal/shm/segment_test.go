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

package shm

import (
	"context"
	"errors"
	"math"
	"os"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"
)

// createTestSegment creates a segment in a per-test directory and registers
// cleanup with t.Cleanup.
func createTestSegment(t *testing.T, g Geometry) (*Segment, string) {
	t.Helper()

	dir := t.TempDir()
	seg, err := CreateSegment(dir, "dada_test", g, 0xdada)
	if err != nil {
		t.Fatalf("Failed to create test segment: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
	})
	return seg, dir
}

func testGeometry() Geometry {
	return Geometry{
		PageSize:    4096,
		NumPages:    4,
		HeaderSize:  4096,
		NumHdrPages: 2,
		NumReaders:  2,
	}
}

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"SegmentHeader", unsafe.Sizeof(SegmentHeader{}), SegmentHeaderSize},
		{"BufHeader", unsafe.Sizeof(BufHeader{}), BufHeaderSize},
		{"ReaderSlot", unsafe.Sizeof(ReaderSlot{}), ReaderSlotSize},
		{"PageDesc", unsafe.Sizeof(PageDesc{}), PageDescSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s size = %d, want %d", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestSegmentHeaderFieldOffsets(t *testing.T) {
	h := &SegmentHeader{}

	tests := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"magic", unsafe.Offsetof(h.magic), 0x00},
		{"version", unsafe.Offsetof(h.version), 0x08},
		{"flags", unsafe.Offsetof(h.flags), 0x0C},
		{"totalSize", unsafe.Offsetof(h.totalSize), 0x10},
		{"key", unsafe.Offsetof(h.key), 0x18},
		{"nReaders", unsafe.Offsetof(h.nReaders), 0x1C},
		{"slotOff", unsafe.Offsetof(h.slotOff), 0x20},
		{"dataOff", unsafe.Offsetof(h.dataOff), 0x28},
		{"hdrOff", unsafe.Offsetof(h.hdrOff), 0x30},
		{"writerPID", unsafe.Offsetof(h.writerPID), 0x38},
		{"destroyed", unsafe.Offsetof(h.destroyed), 0x3C},
		{"created", unsafe.Offsetof(h.created), 0x40},
		{"writerEpoch", unsafe.Offsetof(h.writerEpoch), 0x48},
		{"reserved", unsafe.Offsetof(h.reserved), 0x50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.offset != tt.want {
				t.Errorf("offset of %s = 0x%02X, want 0x%02X", tt.name, uint64(tt.offset), uint64(tt.want))
			}
		})
	}
}

func TestBufHeaderFieldOffsets(t *testing.T) {
	b := &BufHeader{}

	tests := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"pageSize", unsafe.Offsetof(b.pageSize), 0x00},
		{"nPages", unsafe.Offsetof(b.nPages), 0x08},
		{"descOff", unsafe.Offsetof(b.descOff), 0x10},
		{"pagesOff", unsafe.Offsetof(b.pagesOff), 0x18},
		{"wseq", unsafe.Offsetof(b.wseq), 0x20},
		{"eodSeq", unsafe.Offsetof(b.eodSeq), 0x28},
		{"fullSeq", unsafe.Offsetof(b.fullSeq), 0x30},
		{"freeSeq", unsafe.Offsetof(b.freeSeq), 0x34},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.offset != tt.want {
				t.Errorf("offset of %s = 0x%02X, want 0x%02X", tt.name, uint64(tt.offset), uint64(tt.want))
			}
		})
	}
}

func TestCalculateLayout(t *testing.T) {
	g := testGeometry()
	l, err := CalculateLayout(g)
	if err != nil {
		t.Fatalf("CalculateLayout() error = %v", err)
	}

	if l.SlotOffset != SegmentHeaderSize {
		t.Errorf("SlotOffset = %d, want %d", l.SlotOffset, SegmentHeaderSize)
	}
	if l.DataOffset != SegmentHeaderSize+2*ReaderSlotSize {
		t.Errorf("DataOffset = %d, want %d", l.DataOffset, SegmentHeaderSize+2*ReaderSlotSize)
	}
	if l.DataPageOff < l.DataDescOff+g.NumPages*PageDescSize {
		t.Errorf("data pages overlap descriptors: pages at %d, descriptors end at %d",
			l.DataPageOff, l.DataDescOff+g.NumPages*PageDescSize)
	}
	if l.HdrOffset < l.DataPageOff+g.NumPages*g.PageSize {
		t.Errorf("header sub-buffer overlaps data pages")
	}
	if l.TotalSize < l.HdrPageOff+g.NumHdrPages*g.HeaderSize {
		t.Errorf("TotalSize %d too small", l.TotalSize)
	}
	for name, off := range map[string]uint64{
		"DataOffset": l.DataOffset, "DataPageOff": l.DataPageOff,
		"HdrOffset": l.HdrOffset, "HdrPageOff": l.HdrPageOff, "TotalSize": l.TotalSize,
	} {
		if off%64 != 0 {
			t.Errorf("%s = %d is not 64-byte aligned", name, off)
		}
	}
}

func TestGeometryValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Geometry)
	}{
		{"zero page size", func(g *Geometry) { g.PageSize = 0 }},
		{"zero pages", func(g *Geometry) { g.NumPages = 0 }},
		{"small header", func(g *Geometry) { g.HeaderSize = MinHeaderPageSize - 1 }},
		{"zero header pages", func(g *Geometry) { g.NumHdrPages = 0 }},
		{"zero readers", func(g *Geometry) { g.NumReaders = 0 }},
		{"too many readers", func(g *Geometry) { g.NumReaders = MaxReaders + 1 }},
		{"data size overflow", func(g *Geometry) { g.PageSize = 1 << 62; g.NumPages = 4 }},
		{"header size overflow", func(g *Geometry) { g.HeaderSize = 1 << 63; g.NumHdrPages = 2 }},
		{"descriptor overflow", func(g *Geometry) { g.NumPages = math.MaxUint64 / 8 }},
		{"offset overflow", func(g *Geometry) { g.PageSize = math.MaxUint64 - 32; g.NumPages = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGeometry()
			tt.mutate(&g)
			if err := g.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}

	if err := testGeometry().Validate(); err != nil {
		t.Errorf("Validate() on valid geometry = %v", err)
	}
}

func TestCreateAndOpenSegment(t *testing.T) {
	g := testGeometry()
	seg, dir := createTestSegment(t, g)

	if magic := seg.H.Magic(); string(magic[:]) != SegmentMagic {
		t.Errorf("magic = %q, want %q", seg.H.Magic(), SegmentMagic)
	}
	if seg.H.Key() != 0xdada {
		t.Errorf("Key() = %#x, want 0xdada", seg.H.Key())
	}
	if got := seg.Geometry(); got != g {
		t.Errorf("Geometry() = %+v, want %+v", got, g)
	}

	// Writes through one mapping are visible through the other.
	other, err := OpenSegment(dir, "dada_test")
	if err != nil {
		t.Fatalf("OpenSegment() error = %v", err)
	}
	defer other.Close()

	copy(seg.Buf(DataBuf).Page(3), "hello")
	if got := string(other.Buf(DataBuf).Page(3)[:5]); got != "hello" {
		t.Errorf("page content through second mapping = %q, want %q", got, "hello")
	}

	other.Buf(HeaderBuf).Desc(1).SetState(PageFull)
	if s := seg.Buf(HeaderBuf).Desc(1).State(); s != PageFull {
		t.Errorf("descriptor state through first mapping = %d, want %d", s, PageFull)
	}

	if !other.Slot(1).CompareAndSwapPID(0, 42) {
		t.Fatalf("CompareAndSwapPID(0, 42) failed on fresh slot")
	}
	if seg.Slot(1).PID() != 42 {
		t.Errorf("slot PID = %d, want 42", seg.Slot(1).PID())
	}
}

func TestCreateSegmentExists(t *testing.T) {
	_, dir := createTestSegment(t, testGeometry())

	_, err := CreateSegment(dir, "dada_test", testGeometry(), 0xdada)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("CreateSegment() on existing segment error = %v, want os.ErrExist", err)
	}
}

func TestCreateSegmentRace(t *testing.T) {
	dir := t.TempDir()

	const n = 4
	var wins atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			seg, err := CreateSegment(dir, "race", testGeometry(), 7)
			if err == nil {
				wins.Add(1)
				seg.Close()
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && !errors.Is(err, os.ErrExist) {
			t.Errorf("CreateSegment() error = %v, want nil or os.ErrExist", err)
		}
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("CreateSegment() succeeded %d times, want 1", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "race" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("directory holds %v, want only the published segment", names)
	}

	seg, err := OpenSegment(dir, "race")
	if err != nil {
		t.Fatalf("OpenSegment() error = %v", err)
	}
	seg.Close()
}

func TestOpenSegmentErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := OpenSegment(dir, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("OpenSegment() on missing segment error = %v, want os.ErrNotExist", err)
	}

	if err := os.WriteFile(SegmentPath(dir, "garbage"), make([]byte, 4096), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSegment(dir, "garbage"); !errors.Is(err, ErrInvalidSegment) {
		t.Errorf("OpenSegment() on garbage error = %v, want ErrInvalidSegment", err)
	}

	if err := os.WriteFile(SegmentPath(dir, "tiny"), make([]byte, 16), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSegment(dir, "tiny"); !errors.Is(err, ErrInvalidSegment) {
		t.Errorf("OpenSegment() on tiny file error = %v, want ErrInvalidSegment", err)
	}
}

func TestRemoveSegment(t *testing.T) {
	seg, dir := createTestSegment(t, testGeometry())
	seg.Close()

	if !SegmentExists(dir, "dada_test") {
		t.Fatalf("SegmentExists() = false after create")
	}
	if err := RemoveSegment(dir, "dada_test"); err != nil {
		t.Fatalf("RemoveSegment() error = %v", err)
	}
	if SegmentExists(dir, "dada_test") {
		t.Errorf("SegmentExists() = true after remove")
	}
}

func TestPageDescTransitions(t *testing.T) {
	seg, _ := createTestSegment(t, testGeometry())
	d := seg.Buf(DataBuf).Desc(0)

	if d.State() != PageFree {
		t.Fatalf("initial state = %d, want PageFree", d.State())
	}
	if !d.CompareAndSwapState(PageFree, PageWriting) {
		t.Fatalf("Free -> Writing failed")
	}
	if d.CompareAndSwapState(PageFree, PageWriting) {
		t.Fatalf("second Free -> Writing succeeded")
	}

	d.SetPending(2)
	d.SetEOD(true)
	if !d.EOD() {
		t.Errorf("EOD() = false after SetEOD(true)")
	}
	if n := d.DecrementPending(); n != 1 {
		t.Errorf("DecrementPending() = %d, want 1", n)
	}
	if n := d.DecrementPending(); n != 0 {
		t.Errorf("DecrementPending() = %d, want 0", n)
	}
}

func TestReaderSlotOpenBits(t *testing.T) {
	seg, _ := createTestSegment(t, testGeometry())
	s := seg.Slot(0)

	s.SetOpen(DataBuf, true)
	s.SetOpen(HeaderBuf, true)
	s.SetOpen(DataBuf, false)

	if s.Open(DataBuf) {
		t.Errorf("Open(DataBuf) = true, want false")
	}
	if !s.Open(HeaderBuf) {
		t.Errorf("Open(HeaderBuf) = false, want true")
	}

	s.SetCursor(DataBuf, 7)
	if s.Cursor(DataBuf) != 7 || s.Cursor(HeaderBuf) != 0 {
		t.Errorf("cursors = (%d, %d), want (7, 0)", s.Cursor(DataBuf), s.Cursor(HeaderBuf))
	}
}

func TestWaitNotify(t *testing.T) {
	seg, _ := createTestSegment(t, testGeometry())
	addr := seg.Buf(DataBuf).Header().FullSeqAddr()

	val := atomic.LoadUint32(addr)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for atomic.LoadUint32(addr) == val {
			Wait(addr, val, time.Second)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	Notify(addr)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Notify")
	}
}

func TestWaitTimeout(t *testing.T) {
	seg, _ := createTestSegment(t, testGeometry())
	addr := seg.Buf(DataBuf).Header().FreeSeqAddr()

	start := time.Now()
	err := Wait(addr, atomic.LoadUint32(addr), 20*time.Millisecond)
	if !errors.Is(err, ErrFutexTimeout) {
		t.Errorf("Wait() error = %v, want ErrFutexTimeout", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected to block", time.Since(start))
	}

	// A stale value returns immediately.
	if err := Wait(addr, atomic.LoadUint32(addr)+1, time.Second); err != nil {
		t.Errorf("Wait() with stale value error = %v", err)
	}
}

func TestWaitForSegment(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitForSegment(ctx, dir, "late"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForSegment() error = %v, want DeadlineExceeded", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		seg, err := CreateSegment(dir, "late", testGeometry(), 1)
		if err == nil {
			seg.Close()
		}
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := WaitForSegment(ctx2, dir, "late"); err != nil {
		t.Fatalf("WaitForSegment() error = %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(uint32(os.Getpid())) {
		t.Errorf("ProcessAlive(self) = false")
	}
	if ProcessAlive(0) {
		t.Errorf("ProcessAlive(0) = true")
	}
}
