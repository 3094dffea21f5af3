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

package roundrobin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/balancer/base"
	"github.com/chalvern/grpc-go/resolver"
)

// fakeSubConn is just an identity: the picker never calls its methods, only
// compares it by pointer as a map key.
type fakeSubConn struct{ name string }

func (*fakeSubConn) UpdateAddresses([]resolver.Address) {}
func (*fakeSubConn) Connect()                           {}
func (*fakeSubConn) Shutdown()                          {}

func TestPickerBuilderWithNoReadySubConnsReturnsEmptyPicker(t *testing.T) {
	pb := &pickerBuilder{}
	p := pb.Build(base.PickerBuildInfo{})

	_, err := p.Pick(balancer.PickInfo{})
	assert.Equal(t, balancer.ErrNoSubConnAvailable, err)
}

func TestPickerCyclesThroughAllSubConnsEvenly(t *testing.T) {
	a := &fakeSubConn{name: "a"}
	b := &fakeSubConn{name: "b"}
	c := &fakeSubConn{name: "c"}

	pb := &pickerBuilder{}
	p := pb.Build(base.PickerBuildInfo{ReadySCs: map[balancer.SubConn]base.SubConnInfo{
		a: {}, b: {}, c: {},
	}})

	seen := make(map[balancer.SubConn]int)
	const rounds = 3
	for i := 0; i < rounds*3; i++ {
		res, err := p.Pick(balancer.PickInfo{})
		require.NoError(t, err)
		seen[res.SubConn]++
	}

	require.Len(t, seen, 3)
	for sc, count := range seen {
		assert.Equal(t, rounds, count, "subconn %v was not picked evenly", sc)
	}
}

func TestPickerWithSingleSubConnAlwaysReturnsIt(t *testing.T) {
	only := &fakeSubConn{name: "only"}
	pb := &pickerBuilder{}
	p := pb.Build(base.PickerBuildInfo{ReadySCs: map[balancer.SubConn]base.SubConnInfo{only: {}}})

	for i := 0; i < 5; i++ {
		res, err := p.Pick(balancer.PickInfo{})
		require.NoError(t, err)
		assert.Same(t, only, res.SubConn)
	}
}
