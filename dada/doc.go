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

// Package dada implements a shared memory ring buffer for streaming
// datasets from one writer process to one or more reader processes.
//
// A buffer, identified by a Key, holds two circular arrays of fixed-size
// pages: data pages and header pages. The writer publishes a header with
// SetHeader, then fills data pages one at a time and marks the last page of
// the dataset with MarkEndOfData. Each reader reads the header with
// GetHeader and consumes data pages in write order until it sees the
// end-of-data page, after which it reads the next header.
//
//	w, err := dada.ConnectWriter(dada.DefaultKey)
//	...
//	w.SetHeader(ctx, header.Header{"SOURCE": "J0437-4715"})
//	for p, err := range w.Pages(ctx) {
//		...
//	}
//
//	r, err := dada.ConnectReader(dada.DefaultKey)
//	...
//	h, err := r.GetHeader(ctx)
//	for p, err := range r.Pages(ctx) {
//		...
//	}
//
// Buffers are created with Create and removed with Destroy. Pages are
// recycled only after every reader slot has cleared them, so a slow reader
// applies backpressure to the writer.
//
// All errors returned by this package are of type *Error; use errors.Is with
// the Err* values or KindOf to tell them apart.
package dada
