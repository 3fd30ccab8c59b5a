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
	"time"

	"github.com/dadaring/go-dada/internal/shm"
)

// Stats is a point-in-time view of a buffer, as printed by the monitor.
// It is read without locking and may be slightly inconsistent while the
// buffer is in use.
type Stats struct {
	Key         Key           `json:"key"`
	Geometry    Geometry      `json:"geometry"`
	Created     time.Time     `json:"created"`
	WriterPID   int           `json:"writer_pid"`
	WriterAlive bool          `json:"writer_alive"`
	WriterEpoch uint32        `json:"writer_epoch"`
	Data        BufStats      `json:"data"`
	Header      BufStats      `json:"header"`
	Readers     []ReaderStats `json:"readers"`
}

// BufStats counts pages by state in one sub-buffer.
type BufStats struct {
	Pages    int    `json:"pages"`
	PageSize int    `json:"page_size"`
	Free     int    `json:"free"`
	Writing  int    `json:"writing"`
	Full     int    `json:"full"`
	Written  uint64 `json:"written"`  // pages released full since creation
	LastEOD  uint64 `json:"last_eod"` // seq+1 of the last end-of-data page, 0 if none
}

// ReaderStats describes one reader slot.
type ReaderStats struct {
	Slot        int       `json:"slot"`
	PID         int       `json:"pid"`
	Alive       bool      `json:"alive"`
	Read        uint64    `json:"read"`         // data pages cleared
	HeadersRead uint64    `json:"headers_read"` // header pages cleared
	Lag         uint64    `json:"lag"`          // data pages written but not yet cleared
	Cleared     int       `json:"cleared"`      // full data pages this reader cleared that others still hold
	Open        bool      `json:"open"`
	Connects    uint64    `json:"connects"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
}

// Stats returns a snapshot of the buffer state.
func (b *Buffer) Stats() Stats {
	seg := b.seg
	h := seg.H
	wpid := h.WriterPID()

	st := Stats{
		Key:         b.key,
		Geometry:    b.Geometry(),
		Created:     time.Unix(0, h.Created()),
		WriterPID:   int(wpid),
		WriterAlive: shm.ProcessAlive(wpid),
		WriterEpoch: h.WriterEpoch(),
		Data:        bufStats(seg.Buf(shm.DataBuf)),
		Header:      bufStats(seg.Buf(shm.HeaderBuf)),
	}

	data := seg.Buf(shm.DataBuf)
	for i := 0; i < int(h.NumReaders()); i++ {
		sl := seg.Slot(i)
		pid := sl.PID()
		read := sl.Cursor(shm.DataBuf)
		rs := ReaderStats{
			Slot:        i,
			PID:         int(pid),
			Alive:       shm.ProcessAlive(pid),
			Read:        read,
			HeadersRead: sl.Cursor(shm.HeaderBuf),
			Open:        sl.Open(shm.DataBuf),
			Cleared:     clearedBelow(data, read),
			Connects:    sl.Connects(),
		}
		if st.Data.Written > read {
			rs.Lag = st.Data.Written - read
		}
		if ns := sl.LastSeen(); ns != 0 {
			rs.LastSeen = time.Unix(0, ns)
		}
		st.Readers = append(st.Readers, rs)
	}
	return st
}

// clearedBelow counts Full pages in b with a seq below cursor.
func clearedBelow(b *shm.SubBuffer, cursor uint64) int {
	n := 0
	for i := uint64(0); i < b.NumPages(); i++ {
		d := b.Desc(i)
		if d.State() == shm.PageFull && d.Seq() < cursor {
			n++
		}
	}
	return n
}

func bufStats(b *shm.SubBuffer) BufStats {
	bs := BufStats{
		Pages:    int(b.NumPages()),
		PageSize: int(b.PageSize()),
		Written:  b.Header().WriteSeq(),
		LastEOD:  b.Header().EODSeq(),
	}
	for i := uint64(0); i < b.NumPages(); i++ {
		switch b.Desc(i).State() {
		case shm.PageFree:
			bs.Free++
		case shm.PageWriting:
			bs.Writing++
		case shm.PageFull:
			bs.Full++
		}
	}
	return bs
}
