/*
 *
 * Copyright 2017 gRPC authors.
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

// Package roundrobin defines a round-robin balancer: among the currently
// READY SubConns, successive picks cycle through them in order, each one
// getting an equal share over any window of N*k picks for k SubConns.
package roundrobin

import (
	"sync/atomic"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/balancer/base"
)

// Name is the name of the round_robin balancer policy, as referenced from
// service config's loadBalancingPolicy/loadBalancingConfig fields.
const Name = "round_robin"

func init() {
	balancer.Register(base.NewBalancerBuilder(Name, &pickerBuilder{}, false))
}

type pickerBuilder struct{}

func (*pickerBuilder) Build(info base.PickerBuildInfo) balancer.Picker {
	if len(info.ReadySCs) == 0 {
		return &emptyPicker{}
	}
	scs := make([]balancer.SubConn, 0, len(info.ReadySCs))
	for sc := range info.ReadySCs {
		scs = append(scs, sc)
	}
	return &rrPicker{subConns: scs}
}

// rrPicker cycles through subConns in order, wrapping around; its next
// counter is shared by every caller of Pick so the same Picker instance
// answers every concurrent RPC with a distinct, evenly spaced SubConn.
type rrPicker struct {
	subConns []balancer.SubConn
	next     uint32
}

func (p *rrPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	n := atomic.AddUint32(&p.next, 1)
	sc := p.subConns[(n-1)%uint32(len(p.subConns))]
	return balancer.PickResult{SubConn: sc}, nil
}

type emptyPicker struct{}

func (*emptyPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
}
