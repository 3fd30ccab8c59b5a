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
	"context"
	"errors"
	"fmt"
)

// Kind classifies a dada error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBufferNotFound: the key does not resolve to an existing buffer.
	KindBufferNotFound
	// KindBufferExists: Create was called for a key that is in use.
	KindBufferExists
	// KindAlreadyConnected: the role is already taken.
	KindAlreadyConnected
	// KindNotConnected: the handle is not connected.
	KindNotConnected
	// KindHeaderOverflow: the header does not fit in a header page.
	KindHeaderOverflow
	// KindHeaderParse: a header page holds malformed text.
	KindHeaderParse
	// KindPageStateViolation: a page operation does not match the page state.
	KindPageStateViolation
	// KindEndOfData: the reader is past the end of the current dataset.
	KindEndOfData
	// KindDisconnected: the handle was disconnected or the buffer destroyed.
	KindDisconnected
	// KindInvalidArgument: bad geometry, key or header content.
	KindInvalidArgument
	// KindCanceled: the context was canceled or its deadline passed.
	KindCanceled
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindBufferNotFound:
		return "buffer not found"
	case KindBufferExists:
		return "buffer exists"
	case KindAlreadyConnected:
		return "already connected"
	case KindNotConnected:
		return "not connected"
	case KindHeaderOverflow:
		return "header overflow"
	case KindHeaderParse:
		return "header parse error"
	case KindPageStateViolation:
		return "page state violation"
	case KindEndOfData:
		return "end of data reached"
	case KindDisconnected:
		return "disconnected"
	case KindInvalidArgument:
		return "invalid argument"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by this package.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "reader.GetNextPage"
	Msg  string
	Err  error // underlying cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	s := "dada: "
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so that the sentinel values
// below can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinel errors, one per Kind.
var (
	ErrBufferNotFound     = &Error{Kind: KindBufferNotFound}
	ErrBufferExists       = &Error{Kind: KindBufferExists}
	ErrAlreadyConnected   = &Error{Kind: KindAlreadyConnected}
	ErrNotConnected       = &Error{Kind: KindNotConnected}
	ErrHeaderOverflow     = &Error{Kind: KindHeaderOverflow}
	ErrHeaderParse        = &Error{Kind: KindHeaderParse}
	ErrPageStateViolation = &Error{Kind: KindPageStateViolation}
	ErrEndOfData          = &Error{Kind: KindEndOfData}
	ErrDisconnected       = &Error{Kind: KindDisconnected}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrCanceled           = &Error{Kind: KindCanceled}
)

// KindOf returns the Kind of err, or KindUnknown if err is not a dada error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ctxError converts a context error into a KindCanceled error that still
// matches context.Canceled or context.DeadlineExceeded.
func ctxError(ctx context.Context, op string) *Error {
	return wrapError(KindCanceled, op, context.Cause(ctx))
}
