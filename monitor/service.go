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

// Package monitor exposes buffer statistics over gRPC and Prometheus.
//
// The gRPC service dada.monitor.Monitor has two methods: Stats returns one
// snapshot, and Watch streams snapshots at a fixed interval until the client
// goes away. Messages are encoded as JSON; clients must call with the "json"
// content-subtype, which Client does.
package monitor

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/dadaring/go-dada/dada"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dada.monitor.Monitor"

const (
	statsMethod = "/" + ServiceName + "/Stats"
	watchMethod = "/" + ServiceName + "/Watch"
)

// StatsRequest names the buffer to inspect.
type StatsRequest struct {
	Key dada.Key `json:"key"`
}

// WatchRequest names the buffer to watch and how often to sample it. A zero
// IntervalMs selects the server default.
type WatchRequest struct {
	Key        dada.Key `json:"key"`
	IntervalMs int64    `json:"interval_ms"`
}

// StatsReply carries one snapshot.
type StatsReply struct {
	Stats dada.Stats `json:"stats"`
	Time  time.Time  `json:"time"`
}

// Service is the server API of dada.monitor.Monitor.
type Service interface {
	Stats(context.Context, *StatsRequest) (*StatsReply, error)
	Watch(*WatchRequest, WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*StatsReply) error
	grpc.ServerStream
}

// ServiceDesc describes dada.monitor.Monitor for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Stats",
			Handler:    statsHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dada/monitor",
}

// Register registers srv with s.
func Register(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&ServiceDesc, srv)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: statsMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Service).Watch(in, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *StatsReply) error {
	return x.ServerStream.SendMsg(m)
}
