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
	"fmt"
	"strconv"
	"strings"
)

// DefaultKey is the conventional key of the first buffer on a host.
const DefaultKey Key = 0xdada

// Key identifies a ring buffer.
type Key uint32

// ParseKey parses a buffer key. Keys are hexadecimal, with or without a 0x
// prefix, as accepted by the PSRDADA tools.
func ParseKey(s string) (Key, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	if t == "" {
		return 0, newError(KindInvalidArgument, "ParseKey", "empty key")
	}
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil {
		return 0, &Error{Kind: KindInvalidArgument, Op: "ParseKey", Msg: fmt.Sprintf("key %q", s), Err: err}
	}
	return Key(v), nil
}

// String formats the key the way ParseKey accepts it.
func (k Key) String() string {
	return fmt.Sprintf("0x%x", uint32(k))
}

// SegmentName returns the name of the shared memory segment for k.
func (k Key) SegmentName() string {
	return fmt.Sprintf("dada_%08x", uint32(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	v, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
