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

// Package header encodes and decodes dada ASCII headers.
//
// A header is a set of KEY VALUE pairs, one per line, newline terminated and
// zero padded to the size of a header page:
//
//	HDR_VERSION 1.0
//	HDR_SIZE 4096
//	SOURCE J0437-4715
//
// Decode keeps the unparsed text under RawKey so that tools can show a header
// exactly as it was written.
package header

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RawKey is the reserved key holding the raw header text after Decode.
const RawKey = "__RAW_HEADER__"

var (
	// ErrOverflow is returned by Encode when the text does not fit.
	ErrOverflow = errors.New("header: encoded size exceeds header size")
	// ErrInvalid is returned by Encode for keys or values that cannot be
	// represented on a single header line.
	ErrInvalid = errors.New("header: invalid key or value")
	// ErrParse is returned by Decode for malformed header text.
	ErrParse = errors.New("header: malformed header")
)

// Header maps header keys to values.
type Header map[string]string

// Raw returns the raw header text recorded by Decode.
func (h Header) Raw() string {
	return h[RawKey]
}

// Clone returns a copy of h.
func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

// Keys returns the keys of h in sorted order, without RawKey.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		if k == RawKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether h and o hold the same pairs, ignoring RawKey.
func (h Header) Equal(o Header) bool {
	hk, ok := h.Keys(), o.Keys()
	if len(hk) != len(ok) {
		return false
	}
	for _, k := range hk {
		v, found := o[k]
		if !found || v != h[k] {
			return false
		}
	}
	return true
}

// Encode renders h as sorted KEY VALUE lines zero padded to size bytes.
// RawKey is not written.
func Encode(h Header, size int) ([]byte, error) {
	var b bytes.Buffer
	for _, k := range h.Keys() {
		v := h[k]
		if err := checkKey(k); err != nil {
			return nil, err
		}
		if err := checkValue(k, v); err != nil {
			return nil, err
		}
		b.WriteString(k)
		if v != "" {
			b.WriteByte(' ')
			b.WriteString(v)
		}
		b.WriteByte('\n')
	}
	if b.Len() > size {
		return nil, fmt.Errorf("%w: %d > %d", ErrOverflow, b.Len(), size)
	}
	out := make([]byte, size)
	copy(out, b.Bytes())
	return out, nil
}

// EncodedSize returns the number of text bytes Encode would produce for h,
// without padding.
func EncodedSize(h Header) int {
	n := 0
	for _, k := range h.Keys() {
		n += len(k) + 1
		if v := h[k]; v != "" {
			n += 1 + len(v)
		}
	}
	return n
}

func checkKey(k string) error {
	if k == "" {
		return fmt.Errorf("%w: empty key", ErrInvalid)
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c <= ' ' || c >= 0x7f {
			return fmt.Errorf("%w: key %q contains byte 0x%02x", ErrInvalid, k, c)
		}
	}
	if k[0] == '#' {
		return fmt.Errorf("%w: key %q starts with a comment marker", ErrInvalid, k)
	}
	return nil
}

func checkValue(k, v string) error {
	if v != strings.TrimSpace(v) {
		return fmt.Errorf("%w: value of %s has surrounding whitespace", ErrInvalid, k)
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if (c < ' ' && c != '\t') || c >= 0x7f {
			return fmt.Errorf("%w: value of %s contains byte 0x%02x", ErrInvalid, k, c)
		}
	}
	return nil
}

// Decode parses a header page. Text ends at the first NUL byte; everything
// after it must be padding.
func Decode(b []byte) (Header, error) {
	text := b
	if i := bytes.IndexByte(b, 0); i >= 0 {
		text = b[:i]
		for j := i; j < len(b); j++ {
			if b[j] != 0 {
				return nil, fmt.Errorf("%w: data after padding at offset %d", ErrParse, j)
			}
		}
	}

	h := make(Header)
	for n, line := range strings.Split(string(text), "\n") {
		line = strings.TrimRight(line, "\r")
		for i := 0; i < len(line); i++ {
			c := line[i]
			if (c < ' ' && c != '\t') || c >= 0x7f {
				return nil, fmt.Errorf("%w: line %d contains byte 0x%02x", ErrParse, n+1, c)
			}
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		key, value := trimmed, ""
		if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
			key, value = trimmed[:i], strings.TrimSpace(trimmed[i+1:])
		}
		if key == RawKey {
			return nil, fmt.Errorf("%w: line %d uses reserved key %s", ErrParse, n+1, RawKey)
		}
		if _, dup := h[key]; dup {
			continue
		}
		h[key] = value
	}
	h[RawKey] = string(text)
	return h, nil
}
