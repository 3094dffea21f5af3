/*
 *
 * Copyright 2023 gRPC authors.
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

// Package prometheus provides a stats.Handler that records per-RPC counts,
// message counts and latency as Prometheus metrics. It is one concrete,
// optional collaborator for the stats.Handler contract defined in package
// stats; it is not itself part of the gRPC core.
package prometheus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chalvern/grpc-go/stats"
	"github.com/chalvern/grpc-go/status"
)

type methodKey struct{}

// Handler implements stats.Handler, exporting RPC counters and a latency
// histogram through the supplied prometheus.Registerer.
type Handler struct {
	started  *prometheus.CounterVec
	handled  *prometheus.CounterVec
	msgsSent *prometheus.CounterVec
	msgsRecv *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewClientHandler registers client-side RPC metrics with reg and returns a
// Handler suitable for grpc.WithStatsHandler.
func NewClientHandler(reg prometheus.Registerer) *Handler {
	return newHandler(reg, "grpc_client")
}

// NewServerHandler registers server-side RPC metrics with reg and returns a
// Handler suitable for the grpc.StatsHandlerServerOption server option.
func NewServerHandler(reg prometheus.Registerer) *Handler {
	return newHandler(reg, "grpc_server")
}

func newHandler(reg prometheus.Registerer, namespace string) *Handler {
	h := &Handler{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "started_total",
			Help:      "Total number of RPCs started.",
		}, []string{"method"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handled_total",
			Help:      "Total number of RPCs completed, by status code.",
		}, []string{"method", "code"}),
		msgsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msg_sent_total",
			Help:      "Total number of messages sent.",
		}, []string{"method"}),
		msgsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msg_received_total",
			Help:      "Total number of messages received.",
		}, []string{"method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handling_seconds",
			Help:      "Latency of RPC handling, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(h.started, h.handled, h.msgsSent, h.msgsRecv, h.latency)
	return h
}

// TagRPC stashes the method name in ctx for later metric labeling.
func (h *Handler) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	return context.WithValue(ctx, methodKey{}, info.FullMethodName)
}

// HandleRPC records the given event against the appropriate metric.
func (h *Handler) HandleRPC(ctx context.Context, rs stats.RPCStats) {
	method, _ := ctx.Value(methodKey{}).(string)
	switch e := rs.(type) {
	case *stats.Begin:
		h.started.WithLabelValues(method).Inc()
	case *stats.OutPayload:
		h.msgsSent.WithLabelValues(method).Inc()
	case *stats.InPayload:
		h.msgsRecv.WithLabelValues(method).Inc()
	case *stats.End:
		h.handled.WithLabelValues(method, status.Code(e.Error).String()).Inc()
		h.latency.WithLabelValues(method).Observe(e.EndTime.Sub(e.BeginTime).Seconds())
	}
}

var _ stats.Handler = (*Handler)(nil)
