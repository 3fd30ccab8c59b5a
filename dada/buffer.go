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
	"log/slog"
	"os"
	"sync"

	"github.com/dadaring/go-dada/internal/metrics"
	"github.com/dadaring/go-dada/internal/shm"
)

// Geometry is the fixed shape of a ring buffer.
type Geometry struct {
	PageSize       int `yaml:"page_size" json:"page_size"`
	NumPages       int `yaml:"pages" json:"pages"`
	HeaderSize     int `yaml:"header_size" json:"header_size"`
	NumHeaderPages int `yaml:"header_pages" json:"header_pages"`
	NumReaders     int `yaml:"readers" json:"readers"`
}

// DefaultGeometry returns four data pages of 128 system pages each, eight
// header pages of one system page each and a single reader.
func DefaultGeometry() Geometry {
	ps := os.Getpagesize()
	return Geometry{
		PageSize:       ps * 128,
		NumPages:       4,
		HeaderSize:     ps,
		NumHeaderPages: 8,
		NumReaders:     1,
	}
}

// Validate checks that g describes a usable buffer.
func (g Geometry) Validate() error {
	if g.PageSize <= 0 || g.NumPages <= 0 || g.HeaderSize <= 0 || g.NumHeaderPages <= 0 || g.NumReaders <= 0 {
		return newError(KindInvalidArgument, "Geometry.Validate", "all sizes and counts must be positive: %+v", g)
	}
	if g.NumReaders > shm.MaxReaders {
		return newError(KindInvalidArgument, "Geometry.Validate", "number of readers %d exceeds %d", g.NumReaders, shm.MaxReaders)
	}
	if err := g.shm().Validate(); err != nil {
		return wrapError(KindInvalidArgument, "Geometry.Validate", err)
	}
	return nil
}

func (g Geometry) shm() shm.Geometry {
	return shm.Geometry{
		PageSize:    uint64(g.PageSize),
		NumPages:    uint64(g.NumPages),
		HeaderSize:  uint64(g.HeaderSize),
		NumHdrPages: uint64(g.NumHeaderPages),
		NumReaders:  uint32(g.NumReaders),
	}
}

func geometryFromShm(g shm.Geometry) Geometry {
	return Geometry{
		PageSize:       int(g.PageSize),
		NumPages:       int(g.NumPages),
		HeaderSize:     int(g.HeaderSize),
		NumHeaderPages: int(g.NumHdrPages),
		NumReaders:     int(g.NumReaders),
	}
}

// TotalSize returns the size in bytes of the shared segment for g.
func (g Geometry) TotalSize() (int64, error) {
	l, err := shm.CalculateLayout(g.shm())
	if err != nil {
		return 0, wrapError(KindInvalidArgument, "Geometry.TotalSize", err)
	}
	return int64(l.TotalSize), nil
}

type options struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures Create, Destroy, Attach and the Connect functions.
type Option func(*options)

// WithDir places segments in dir instead of /dev/shm.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Buffer is a process's mapping of a ring buffer.
type Buffer struct {
	key     Key
	seg     *shm.Segment
	store   *PageStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	detached bool
}

func newBuffer(key Key, seg *shm.Segment, o options) *Buffer {
	logger := o.logger.With("key", key.String())
	return &Buffer{
		key:     key,
		seg:     seg,
		store:   newPageStore(seg, key, logger, o.metrics),
		logger:  logger,
		metrics: o.metrics,
	}
}

// Create allocates a new ring buffer for key and returns it attached.
func Create(key Key, g Geometry, opts ...Option) (*Buffer, error) {
	const op = "Create"
	if err := g.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	seg, err := shm.CreateSegment(o.dir, key.SegmentName(), g.shm(), uint32(key))
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, wrapError(KindBufferExists, op, err)
		}
		return nil, wrapError(KindUnknown, op, err)
	}

	b := newBuffer(key, seg, o)
	b.logger.Info("created buffer",
		"path", seg.Path,
		"page_size", g.PageSize,
		"pages", g.NumPages,
		"header_size", g.HeaderSize,
		"header_pages", g.NumHeaderPages,
		"readers", g.NumReaders)
	return b, nil
}

// Attach maps the existing ring buffer for key.
func Attach(key Key, opts ...Option) (*Buffer, error) {
	const op = "Attach"
	o := buildOptions(opts)

	seg, err := shm.OpenSegment(o.dir, key.SegmentName())
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, wrapError(KindBufferNotFound, op, err)
		case errors.Is(err, shm.ErrInvalidSegment):
			return nil, wrapError(KindInvalidArgument, op, err)
		default:
			return nil, wrapError(KindUnknown, op, err)
		}
	}
	if seg.H.Key() != uint32(key) {
		seg.Close()
		return nil, newError(KindInvalidArgument, op, "segment %s was created for key 0x%x", seg.Path, seg.H.Key())
	}
	if seg.H.Destroyed() {
		seg.Close()
		return nil, newError(KindBufferNotFound, op, "buffer %s is being destroyed", key)
	}
	return newBuffer(key, seg, o), nil
}

// AttachWait waits until the buffer for key exists and attaches to it.
func AttachWait(ctx context.Context, key Key, opts ...Option) (*Buffer, error) {
	o := buildOptions(opts)
	if err := shm.WaitForSegment(ctx, o.dir, key.SegmentName()); err != nil {
		return nil, ctxError(ctx, "AttachWait")
	}
	return Attach(key, opts...)
}

// Destroy marks the buffer for key destroyed, wakes every blocked handle in
// every process and removes the segment. Mappings that are still attached
// stay valid until they are detached.
func Destroy(key Key, opts ...Option) error {
	const op = "Destroy"
	o := buildOptions(opts)
	name := key.SegmentName()

	seg, err := shm.OpenSegment(o.dir, name)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return wrapError(KindBufferNotFound, op, err)
	case errors.Is(err, shm.ErrInvalidSegment):
		// Nothing to wake; just remove the file.
	case err != nil:
		return wrapError(KindUnknown, op, err)
	default:
		seg.H.SetDestroyed()
		for _, id := range []shm.BufID{shm.DataBuf, shm.HeaderBuf} {
			h := seg.Buf(id).Header()
			shm.Notify(h.FullSeqAddr())
			shm.Notify(h.FreeSeqAddr())
		}
		seg.Close()
	}

	if err := shm.RemoveSegment(o.dir, name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrapError(KindUnknown, op, err)
	}
	o.logger.Info("destroyed buffer", "key", key.String())
	return nil
}

// Exists reports whether a buffer for key exists.
func Exists(key Key, opts ...Option) bool {
	o := buildOptions(opts)
	return shm.SegmentExists(o.dir, key.SegmentName())
}

// Key returns the buffer key.
func (b *Buffer) Key() Key {
	return b.key
}

// Geometry returns the geometry the buffer was created with.
func (b *Buffer) Geometry() Geometry {
	return geometryFromShm(b.seg.Geometry())
}

// Path returns the file backing the shared segment.
func (b *Buffer) Path() string {
	return b.seg.Path
}

// Store returns the page store of the buffer.
func (b *Buffer) Store() *PageStore {
	return b.store
}

// Detach unmaps the buffer. The buffer itself is left in place.
func (b *Buffer) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil
	}
	b.detached = true
	if err := b.seg.Close(); err != nil {
		return wrapError(KindUnknown, "Detach", err)
	}
	return nil
}
