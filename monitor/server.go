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

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dadaring/go-dada/dada"
)

const (
	// DefaultInterval is the Watch interval used when the request names none.
	DefaultInterval = time.Second
	// MinInterval bounds how often Watch samples a buffer.
	MinInterval = 10 * time.Millisecond
)

// Server implements Service by attaching to buffers on the local host.
type Server struct {
	opts   []dada.Option
	logger *slog.Logger
}

// NewServer returns a Server that attaches to buffers with opts.
func NewServer(logger *slog.Logger, opts ...dada.Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   append([]dada.Option{dada.WithLogger(logger)}, opts...),
		logger: logger.With("component", "monitor"),
	}
}

// Snapshot attaches to the buffer for key and returns its statistics.
func Snapshot(key dada.Key, opts ...dada.Option) (*StatsReply, error) {
	buf, err := dada.Attach(key, opts...)
	if err != nil {
		return nil, err
	}
	defer buf.Detach()
	return &StatsReply{Stats: buf.Stats(), Time: time.Now()}, nil
}

// Stats implements Service.
func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*StatsReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	reply, err := Snapshot(req.Key, s.opts...)
	if err != nil {
		return nil, Status(err)
	}
	return reply, nil
}

// Watch implements Service. It sends a snapshot at once and then one per
// interval until the client cancels.
func (s *Server) Watch(req *WatchRequest, stream WatchStream) error {
	interval := DefaultInterval
	if req.IntervalMs > 0 {
		interval = max(time.Duration(req.IntervalMs)*time.Millisecond, MinInterval)
	}
	ctx := stream.Context()
	logger := s.logger.With("key", req.Key.String(), "interval", interval)
	logger.Debug("watch started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reply, err := Snapshot(req.Key, s.opts...)
		if err != nil {
			logger.Debug("watch ended", "err", err)
			return Status(err)
		}
		if err := stream.Send(reply); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			logger.Debug("watch canceled")
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

// Code returns the gRPC code for a dada error.
func Code(err error) codes.Code {
	switch dada.KindOf(err) {
	case dada.KindBufferNotFound:
		return codes.NotFound
	case dada.KindInvalidArgument:
		return codes.InvalidArgument
	case dada.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return codes.DeadlineExceeded
		}
		return codes.Canceled
	}
	return codes.Internal
}

// Status converts a dada error into a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Code(err), err.Error())
}
