//go:build !linux

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
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a waiter sleeps between checks on platforms
// without futexes.
const pollInterval = time.Millisecond

// futexWait polls addr until the value changes from val or timeout elapses.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrFutexTimeout
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// futexWake is a no-op; pollers observe the changed value on their own.
func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
