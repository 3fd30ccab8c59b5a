/*
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
 */

// Package shm provides the shared memory arena underneath a dada ring buffer.
//
// A segment is a memory-mapped file holding a fixed header, a table of
// reader slots and two sub-buffers (data and header), each a circular array
// of fixed-size pages with one descriptor per page. All shared state is
// accessed with atomic operations so that the segment can be used by several
// processes at once. Blocking is done with futexes on sequence words inside
// the segment; platforms without futexes fall back to polling.
//
// This package knows nothing about the page protocol built on top of it.
package shm
