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
	"math"
	"sync/atomic"
	"time"
)

// Wait blocks until the value at addr differs from val, Notify is called on
// addr, or timeout elapses. It returns ErrFutexTimeout on timeout. Callers
// must re-check their condition after Wait returns.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	return futexWait(addr, val, timeout)
}

// Notify advances the sequence word at addr and wakes every waiter on it,
// in this process or any other process mapping the segment.
func Notify(addr *uint32) {
	atomic.AddUint32(addr, 1)
	futexWake(addr, math.MaxInt32)
}

// WaitForSegment waits until a segment named name exists in dir, so that a
// consumer can be started before the buffer is created.
func WaitForSegment(ctx context.Context, dir, name string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if SegmentExists(dir, name) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
