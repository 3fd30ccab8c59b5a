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
	"io"
	"iter"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dadaring/go-dada/dada"
)

// Client is a typed client for dada.monitor.Monitor.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client that calls through cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial creates a plaintext connection to a monitor server. The monitor has
// no authentication and is meant for localhost or a trusted network.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(target, opts...)
}

// Stats fetches one snapshot of the buffer for key.
func (c *Client) Stats(ctx context.Context, key dada.Key, opts ...grpc.CallOption) (*StatsReply, error) {
	out := new(StatsReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, statsMethod, &StatsRequest{Key: key}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch streams snapshots of the buffer for key every interval. The stream
// is closed when the loop exits or ctx is done.
func (c *Client) Watch(ctx context.Context, key dada.Key, interval time.Duration, opts ...grpc.CallOption) iter.Seq2[*StatsReply, error] {
	return func(yield func(*StatsReply, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
		stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchMethod, callOpts...)
		if err != nil {
			yield(nil, err)
			return
		}
		req := &WatchRequest{Key: key, IntervalMs: interval.Milliseconds()}
		if err := stream.SendMsg(req); err != nil {
			yield(nil, err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, err)
			return
		}
		for {
			m := new(StatsReply)
			if err := stream.RecvMsg(m); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
