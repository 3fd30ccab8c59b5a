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

import "github.com/dadaring/go-dada/internal/shm"

// SubBuffer selects the data or the header page array of a buffer.
type SubBuffer int

const (
	DataPages SubBuffer = iota
	HeaderPages
)

func (s SubBuffer) id() shm.BufID {
	return shm.BufID(s)
}

// String returns "data" or "header".
func (s SubBuffer) String() string {
	return s.id().String()
}

// Page is a page held open by a writer or a reader.
//
// Data aliases shared memory and is valid only until the page is released;
// release sets it to nil. A writer's Data spans the whole page. A reader's
// Data is truncated to the bytes the writer committed.
type Page struct {
	Data      []byte
	Index     int    // slot in the circular page array
	Seq       uint64 // write sequence since the buffer was created
	Number    int    // position within the current dataset, from 0
	EndOfData bool   // last page of its dataset (readers only)

	sub SubBuffer
}

// Len returns the number of bytes in Data.
func (p *Page) Len() int {
	return len(p.Data)
}

func (p *Page) release() {
	p.Data = nil
}
