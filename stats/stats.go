/*
 *
 * Copyright 2016 gRPC authors.
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

// Package stats defines the per-RPC observer contract referenced by the
// call pipeline (stream.go's statsHandler field). It is deliberately a
// contract only: no telemetry backend ships by default, but any number of
// Handler implementations may be plugged in, e.g. stats/prometheus.
package stats

import (
	"context"
	"time"
)

// RPCStats is implemented by all stats events reported by HandleRPC.
type RPCStats interface {
	isRPCStats()
	// IsClient returns true if this event is from client side.
	IsClient() bool
}

// Begin contains stats when an RPC attempt begins.
type Begin struct {
	Client    bool
	BeginTime time.Time
	FailFast  bool
}

func (*Begin) isRPCStats()      {}
func (s *Begin) IsClient() bool { return s.Client }

// InPayload contains stats about an incoming payload.
type InPayload struct {
	Client     bool
	Payload    interface{}
	Data       []byte
	WireLength int
	RecvTime   time.Time
}

func (*InPayload) isRPCStats()      {}
func (s *InPayload) IsClient() bool { return s.Client }

// OutPayload contains stats about an outgoing payload.
type OutPayload struct {
	Client     bool
	Payload    interface{}
	Data       []byte
	WireLength int
	SentTime   time.Time
}

func (*OutPayload) isRPCStats()      {}
func (s *OutPayload) IsClient() bool { return s.Client }

// End contains stats when an RPC ends.
type End struct {
	Client    bool
	BeginTime time.Time
	EndTime   time.Time
	Error     error
}

func (*End) isRPCStats()      {}
func (s *End) IsClient() bool { return s.Client }

// RPCTagInfo carries per-RPC information to TagRPC.
type RPCTagInfo struct {
	FullMethodName string
	FailFast       bool
}

// Handler defines the interface gRPC uses to collect per-RPC statistics.
// It is called from both the client and server call pipelines.
type Handler interface {
	// TagRPC attaches per-RPC information to ctx, returning the new context.
	TagRPC(ctx context.Context, info *RPCTagInfo) context.Context
	// HandleRPC processes an RPCStats event.
	HandleRPC(ctx context.Context, stats RPCStats)
}
