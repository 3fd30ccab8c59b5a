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
	"fmt"
	"math"
	"math/bits"
	"os"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "DADASHM\x00"

	// Current layout version
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 128 bytes)
	SegmentHeaderSize = 128

	// Sub-buffer header size (aligned to 64 bytes)
	BufHeaderSize = 64

	// Reader slot size (one cache line)
	ReaderSlotSize = 64

	// Page descriptor size
	PageDescSize = 32

	// Maximum number of reader slots in a segment
	MaxReaders = 64

	// Minimum header page size
	MinHeaderPageSize = 64
)

// Page descriptor states.
const (
	PageFree    = uint32(0)
	PageWriting = uint32(1)
	PageFull    = uint32(2)
)

// Page descriptor flags.
const (
	PageFlagEOD = uint32(1)
)

// BufID selects one of the two sub-buffers of a segment.
type BufID int

const (
	DataBuf BufID = iota
	HeaderBuf
)

func (b BufID) String() string {
	switch b {
	case DataBuf:
		return "data"
	case HeaderBuf:
		return "header"
	default:
		return fmt.Sprintf("BufID(%d)", int(b))
	}
}

// Platform-specific functions (implemented in platform-specific files)
var (
	// unmapMemory unmaps a memory-mapped region
	unmapMemory func([]byte) error
)

// SegmentHeader is the first 128 bytes of a segment.
type SegmentHeader struct {
	magic       [8]byte  // 0x00: "DADASHM\0"
	version     uint32   // 0x08: layout version
	flags       uint32   // 0x0C: reserved flags
	totalSize   uint64   // 0x10: total segment size
	key         uint32   // 0x18: buffer key
	nReaders    uint32   // 0x1C: number of reader slots
	slotOff     uint64   // 0x20: offset to reader slot table
	dataOff     uint64   // 0x28: offset to data sub-buffer header
	hdrOff      uint64   // 0x30: offset to header sub-buffer header
	writerPID   uint32   // 0x38: connected writer process ID (0 = none)
	destroyed   uint32   // 0x3C: destroyed flag (0 live, 1 destroyed)
	created     int64    // 0x40: creation time, unix nanoseconds
	writerEpoch uint32   // 0x48: incremented on every writer connect
	pad         uint32   // 0x4C: padding
	reserved    [48]byte // 0x50-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes
func (h *SegmentHeader) Magic() [8]byte {
	return h.magic
}

// Version returns the layout version
func (h *SegmentHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// TotalSize returns the total segment size
func (h *SegmentHeader) TotalSize() uint64 {
	return atomic.LoadUint64(&h.totalSize)
}

// Key returns the buffer key the segment was created for
func (h *SegmentHeader) Key() uint32 {
	return atomic.LoadUint32(&h.key)
}

// NumReaders returns the number of reader slots
func (h *SegmentHeader) NumReaders() uint32 {
	return atomic.LoadUint32(&h.nReaders)
}

// WriterPID returns the connected writer's process ID
func (h *SegmentHeader) WriterPID() uint32 {
	return atomic.LoadUint32(&h.writerPID)
}

// CompareAndSwapWriterPID claims or hands over the writer role
func (h *SegmentHeader) CompareAndSwapWriterPID(old, pid uint32) bool {
	return atomic.CompareAndSwapUint32(&h.writerPID, old, pid)
}

// WriterEpoch returns the number of writer connects so far
func (h *SegmentHeader) WriterEpoch() uint32 {
	return atomic.LoadUint32(&h.writerEpoch)
}

// IncrementWriterEpoch bumps the writer epoch
func (h *SegmentHeader) IncrementWriterEpoch() uint32 {
	return atomic.AddUint32(&h.writerEpoch, 1)
}

// Destroyed reports whether the segment was destroyed
func (h *SegmentHeader) Destroyed() bool {
	return atomic.LoadUint32(&h.destroyed) != 0
}

// SetDestroyed marks the segment destroyed
func (h *SegmentHeader) SetDestroyed() {
	atomic.StoreUint32(&h.destroyed, 1)
}

// Created returns the creation time in unix nanoseconds
func (h *SegmentHeader) Created() int64 {
	return atomic.LoadInt64(&h.created)
}

// BufHeader describes one sub-buffer: its geometry, write sequence and the
// futex words waiters sleep on.
type BufHeader struct {
	pageSize uint64  // 0x00: bytes per page
	nPages   uint64  // 0x08: number of pages
	descOff  uint64  // 0x10: offset to page descriptors
	pagesOff uint64  // 0x18: offset to page data
	wseq     uint64  // 0x20: pages released full so far (monotonic)
	eodSeq   uint64  // 0x28: seq+1 of the last end-of-data page, 0 if none
	fullSeq  uint32  // 0x30: bumped when a page becomes full (readers wait)
	freeSeq  uint32  // 0x34: bumped when a page becomes free (writer waits)
	reserved [8]byte // 0x38-0x3F
}

// PageSize returns the page size in bytes
func (b *BufHeader) PageSize() uint64 {
	return atomic.LoadUint64(&b.pageSize)
}

// NumPages returns the number of pages
func (b *BufHeader) NumPages() uint64 {
	return atomic.LoadUint64(&b.nPages)
}

// WriteSeq returns the number of pages released full so far
func (b *BufHeader) WriteSeq() uint64 {
	return atomic.LoadUint64(&b.wseq)
}

// SetWriteSeq sets the write sequence
func (b *BufHeader) SetWriteSeq(seq uint64) {
	atomic.StoreUint64(&b.wseq, seq)
}

// EODSeq returns seq+1 of the most recent end-of-data page, or 0
func (b *BufHeader) EODSeq() uint64 {
	return atomic.LoadUint64(&b.eodSeq)
}

// SetEODSeq records the most recent end-of-data page
func (b *BufHeader) SetEODSeq(seq uint64) {
	atomic.StoreUint64(&b.eodSeq, seq)
}

// FullSeqAddr returns the futex word readers wait on
func (b *BufHeader) FullSeqAddr() *uint32 {
	return &b.fullSeq
}

// FreeSeqAddr returns the futex word the writer waits on
func (b *BufHeader) FreeSeqAddr() *uint32 {
	return &b.freeSeq
}

// PageDesc is the shared state of one page.
type PageDesc struct {
	state   uint32 // 0x00: PageFree, PageWriting or PageFull
	pending uint32 // 0x04: readers that have not cleared the page
	seq     uint64 // 0x08: write sequence of the content
	nbytes  uint64 // 0x10: bytes committed by the writer
	flags   uint32 // 0x18: PageFlag*
	pad     uint32 // 0x1C
}

// State returns the page state
func (d *PageDesc) State() uint32 {
	return atomic.LoadUint32(&d.state)
}

// SetState stores the page state unconditionally
func (d *PageDesc) SetState(s uint32) {
	atomic.StoreUint32(&d.state, s)
}

// CompareAndSwapState performs a state transition
func (d *PageDesc) CompareAndSwapState(old, s uint32) bool {
	return atomic.CompareAndSwapUint32(&d.state, old, s)
}

// Pending returns the number of readers yet to clear the page
func (d *PageDesc) Pending() uint32 {
	return atomic.LoadUint32(&d.pending)
}

// SetPending sets the number of readers yet to clear the page
func (d *PageDesc) SetPending(n uint32) {
	atomic.StoreUint32(&d.pending, n)
}

// DecrementPending records one reader clearing the page and returns the
// remaining count.
func (d *PageDesc) DecrementPending() uint32 {
	return atomic.AddUint32(&d.pending, ^uint32(0))
}

// Seq returns the write sequence of the page content
func (d *PageDesc) Seq() uint64 {
	return atomic.LoadUint64(&d.seq)
}

// SetSeq sets the write sequence of the page content
func (d *PageDesc) SetSeq(seq uint64) {
	atomic.StoreUint64(&d.seq, seq)
}

// NBytes returns the committed byte count
func (d *PageDesc) NBytes() uint64 {
	return atomic.LoadUint64(&d.nbytes)
}

// SetNBytes sets the committed byte count
func (d *PageDesc) SetNBytes(n uint64) {
	atomic.StoreUint64(&d.nbytes, n)
}

// EOD reports whether the page ends a dataset
func (d *PageDesc) EOD() bool {
	return atomic.LoadUint32(&d.flags)&PageFlagEOD != 0
}

// SetEOD sets or clears the end-of-data flag
func (d *PageDesc) SetEOD(eod bool) {
	var f uint32
	if eod {
		f = PageFlagEOD
	}
	atomic.StoreUint32(&d.flags, f)
}

// ReaderSlot holds one reader's claim and cursors.
type ReaderSlot struct {
	pid      uint32    // 0x00: owning process ID (0 = unclaimed)
	open     uint32    // 0x04: bit per BufID, set while a page is open
	cursor   [2]uint64 // 0x08: next expected seq per BufID
	connects uint64    // 0x18: number of connects to this slot
	lastSeen int64     // 0x20: unix nanoseconds of the last release
	reserved [24]byte  // 0x28-0x3F
}

// PID returns the owning process ID
func (s *ReaderSlot) PID() uint32 {
	return atomic.LoadUint32(&s.pid)
}

// CompareAndSwapPID claims, hands over or releases the slot
func (s *ReaderSlot) CompareAndSwapPID(old, pid uint32) bool {
	return atomic.CompareAndSwapUint32(&s.pid, old, pid)
}

// Cursor returns the next expected seq in the given sub-buffer
func (s *ReaderSlot) Cursor(b BufID) uint64 {
	return atomic.LoadUint64(&s.cursor[b])
}

// SetCursor sets the next expected seq in the given sub-buffer
func (s *ReaderSlot) SetCursor(b BufID, seq uint64) {
	atomic.StoreUint64(&s.cursor[b], seq)
}

// Open reports whether the slot holds an open page in the given sub-buffer
func (s *ReaderSlot) Open(b BufID) bool {
	return atomic.LoadUint32(&s.open)&(1<<uint(b)) != 0
}

// SetOpen sets or clears the open bit for the given sub-buffer
func (s *ReaderSlot) SetOpen(b BufID, open bool) {
	bit := uint32(1) << uint(b)
	for {
		old := atomic.LoadUint32(&s.open)
		v := old &^ bit
		if open {
			v = old | bit
		}
		if atomic.CompareAndSwapUint32(&s.open, old, v) {
			return
		}
	}
}

// Connects returns the number of connects to this slot
func (s *ReaderSlot) Connects() uint64 {
	return atomic.LoadUint64(&s.connects)
}

// IncrementConnects bumps the connect counter
func (s *ReaderSlot) IncrementConnects() uint64 {
	return atomic.AddUint64(&s.connects, 1)
}

// LastSeen returns the unix nanoseconds of the last release
func (s *ReaderSlot) LastSeen() int64 {
	return atomic.LoadInt64(&s.lastSeen)
}

// SetLastSeen records a release time
func (s *ReaderSlot) SetLastSeen(ns int64) {
	atomic.StoreInt64(&s.lastSeen, ns)
}

// Geometry is the fixed shape of a segment.
type Geometry struct {
	PageSize    uint64 // bytes per data page
	NumPages    uint64 // depth of the data sub-buffer
	HeaderSize  uint64 // bytes per header page
	NumHdrPages uint64 // depth of the header sub-buffer
	NumReaders  uint32 // reader slots
}

// Validate checks that g describes a usable segment.
func (g Geometry) Validate() error {
	if g.PageSize == 0 {
		return fmt.Errorf("page size must be positive")
	}
	if g.NumPages == 0 {
		return fmt.Errorf("number of pages must be positive")
	}
	if g.HeaderSize < MinHeaderPageSize {
		return fmt.Errorf("header size %d is below minimum %d", g.HeaderSize, MinHeaderPageSize)
	}
	if g.NumHdrPages == 0 {
		return fmt.Errorf("number of header pages must be positive")
	}
	if g.NumReaders == 0 || g.NumReaders > MaxReaders {
		return fmt.Errorf("number of readers %d is outside [1, %d]", g.NumReaders, MaxReaders)
	}
	if _, err := g.layout(); err != nil {
		return err
	}
	return nil
}

// Layout holds the offsets computed for a geometry.
type Layout struct {
	TotalSize   uint64
	SlotOffset  uint64
	DataOffset  uint64
	HdrOffset   uint64
	DataDescOff uint64
	DataPageOff uint64
	HdrDescOff  uint64
	HdrPageOff  uint64
}

// CalculateLayout calculates the memory layout for a segment with geometry g.
func CalculateLayout(g Geometry) (Layout, error) {
	if err := g.Validate(); err != nil {
		return Layout{}, err
	}
	return g.layout()
}

// layout computes the offsets for g. It fails if any offset overflows or the
// segment would not be addressable as an int.
func (g Geometry) layout() (Layout, error) {
	var c sizeCalc
	var l Layout
	l.SlotOffset = c.align(SegmentHeaderSize)

	l.DataOffset = c.align(c.add(l.SlotOffset, c.mul(uint64(g.NumReaders), ReaderSlotSize)))
	l.DataDescOff = c.add(l.DataOffset, BufHeaderSize)
	l.DataPageOff = c.align(c.add(l.DataDescOff, c.mul(g.NumPages, PageDescSize)))

	l.HdrOffset = c.align(c.add(l.DataPageOff, c.mul(g.NumPages, g.PageSize)))
	l.HdrDescOff = c.add(l.HdrOffset, BufHeaderSize)
	l.HdrPageOff = c.align(c.add(l.HdrDescOff, c.mul(g.NumHdrPages, PageDescSize)))

	l.TotalSize = c.align(c.add(l.HdrPageOff, c.mul(g.NumHdrPages, g.HeaderSize)))

	if c.overflow || l.TotalSize > math.MaxInt {
		return Layout{}, fmt.Errorf("segment size overflows: %d pages of %d bytes, %d header pages of %d bytes",
			g.NumPages, g.PageSize, g.NumHdrPages, g.HeaderSize)
	}
	return l, nil
}

// sizeCalc does uint64 size arithmetic and remembers whether any step
// overflowed.
type sizeCalc struct {
	overflow bool
}

func (c *sizeCalc) mul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		c.overflow = true
	}
	return lo
}

func (c *sizeCalc) add(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		c.overflow = true
	}
	return sum
}

// align aligns a size to a 64-byte boundary.
func (c *sizeCalc) align(size uint64) uint64 {
	return c.add(size, 63) &^ 63
}

// ValidateSegment checks a mapped region for a consistent segment.
func ValidateSegment(mem []byte) error {
	if len(mem) < SegmentHeaderSize {
		return fmt.Errorf("segment too small: %d bytes", len(mem))
	}
	h := (*SegmentHeader)(unsafe.Pointer(&mem[0]))

	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}
	if h.TotalSize() > uint64(len(mem)) {
		return fmt.Errorf("total size %d exceeds mapped size %d", h.TotalSize(), len(mem))
	}

	g, err := readGeometry(mem)
	if err != nil {
		return err
	}
	want, err := CalculateLayout(g)
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}

	if h.TotalSize() != want.TotalSize {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), want.TotalSize)
	}
	if h.slotOff != want.SlotOffset || h.dataOff != want.DataOffset || h.hdrOff != want.HdrOffset {
		return fmt.Errorf("sub-buffer offsets do not match geometry")
	}
	return nil
}

// readGeometry reads the geometry recorded in a mapped segment.
func readGeometry(mem []byte) (Geometry, error) {
	h := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	dataOff, hdrOff := h.dataOff, h.hdrOff
	if dataOff+BufHeaderSize > uint64(len(mem)) || hdrOff+BufHeaderSize > uint64(len(mem)) {
		return Geometry{}, fmt.Errorf("sub-buffer header outside segment")
	}
	data := (*BufHeader)(unsafe.Pointer(&mem[dataOff]))
	hdr := (*BufHeader)(unsafe.Pointer(&mem[hdrOff]))
	return Geometry{
		PageSize:    data.PageSize(),
		NumPages:    data.NumPages(),
		HeaderSize:  hdr.PageSize(),
		NumHdrPages: hdr.NumPages(),
		NumReaders:  h.NumReaders(),
	}, nil
}

// Segment represents a mapped shared memory segment
type Segment struct {
	File *os.File       // File descriptor for the shared memory file
	Mem  []byte         // Memory-mapped region
	H    *SegmentHeader // Segment header in shared memory
	Path string         // File path

	bufs [2]*SubBuffer
}

// Buf returns the view of one sub-buffer.
func (s *Segment) Buf(b BufID) *SubBuffer {
	return s.bufs[b]
}

// Geometry returns the geometry recorded in the segment.
func (s *Segment) Geometry() Geometry {
	g, _ := readGeometry(s.Mem)
	return g
}

// Slot returns reader slot i.
func (s *Segment) Slot(i int) *ReaderSlot {
	off := s.H.slotOff + uint64(i)*ReaderSlotSize
	return (*ReaderSlot)(unsafe.Pointer(&s.Mem[off]))
}

// Close unmaps the memory and closes the file
func (s *Segment) Close() error {
	var firstErr error

	// Unmap the memory
	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
		s.H = nil
		s.bufs = [2]*SubBuffer{}
	}

	// Close the file
	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// initViews builds the typed views over s.Mem.
func (s *Segment) initViews() {
	s.H = (*SegmentHeader)(unsafe.Pointer(&s.Mem[0]))
	s.bufs[DataBuf] = newSubBuffer(s.Mem, s.H.dataOff)
	s.bufs[HeaderBuf] = newSubBuffer(s.Mem, s.H.hdrOff)
}

// SubBuffer provides typed access to one circular page array.
type SubBuffer struct {
	mem      []byte
	hdr      *BufHeader
	pageSize uint64
	nPages   uint64
}

func newSubBuffer(mem []byte, off uint64) *SubBuffer {
	hdr := (*BufHeader)(unsafe.Pointer(&mem[off]))
	return &SubBuffer{
		mem:      mem,
		hdr:      hdr,
		pageSize: hdr.PageSize(),
		nPages:   hdr.NumPages(),
	}
}

// Header returns the sub-buffer header
func (b *SubBuffer) Header() *BufHeader {
	return b.hdr
}

// PageSize returns the page size in bytes
func (b *SubBuffer) PageSize() uint64 {
	return b.pageSize
}

// NumPages returns the number of pages
func (b *SubBuffer) NumPages() uint64 {
	return b.nPages
}

// Index converts a monotonic seq to a page index
func (b *SubBuffer) Index(seq uint64) uint64 {
	return seq % b.nPages
}

// Desc returns the descriptor of page i
func (b *SubBuffer) Desc(i uint64) *PageDesc {
	off := b.hdr.descOff + i*PageDescSize
	return (*PageDesc)(unsafe.Pointer(&b.mem[off]))
}

// Page returns the bytes of page i. The slice aliases shared memory.
func (b *SubBuffer) Page(i uint64) []byte {
	off := b.hdr.pagesOff + i*b.pageSize
	return b.mem[off : off+b.pageSize : off+b.pageSize]
}

// initSegment writes a fresh header, sub-buffer headers and zeroed state
// into mem. The magic is written last.
func initSegment(mem []byte, g Geometry, l Layout, key uint32, created int64) {
	h := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	h.version = SegmentVersion
	h.totalSize = l.TotalSize
	h.key = key
	h.nReaders = g.NumReaders
	h.slotOff = l.SlotOffset
	h.dataOff = l.DataOffset
	h.hdrOff = l.HdrOffset
	h.created = created

	data := (*BufHeader)(unsafe.Pointer(&mem[l.DataOffset]))
	data.pageSize = g.PageSize
	data.nPages = g.NumPages
	data.descOff = l.DataDescOff
	data.pagesOff = l.DataPageOff

	hdr := (*BufHeader)(unsafe.Pointer(&mem[l.HdrOffset]))
	hdr.pageSize = g.HeaderSize
	hdr.nPages = g.NumHdrPages
	hdr.descOff = l.HdrDescOff
	hdr.pagesOff = l.HdrPageOff

	var magic [8]byte
	copy(magic[:], SegmentMagic)
	h.magic = magic
	atomic.StoreUint32(&h.flags, 0)
}
