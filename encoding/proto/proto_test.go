/*
 *
 * Copyright 2018 gRPC authors.
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

package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chalvern/grpc-go/encoding"
)

func TestInitRegistersCodec(t *testing.T) {
	c := encoding.GetCodec(Name)
	require.NotNil(t, c)
	assert.Equal(t, Name, c.Name())
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := encoding.GetCodec(Name)

	in := &wrapperspb.StringValue{Value: "round trip"}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in.Value, out.Value)
}

func TestMarshalRejectsNonProtoMessage(t *testing.T) {
	c := encoding.GetCodec(Name)
	_, err := c.Marshal("not a proto message")
	assert.Error(t, err)
}

func TestUnmarshalRejectsNonProtoMessage(t *testing.T) {
	c := encoding.GetCodec(Name)
	err := c.Unmarshal([]byte{}, "not a proto message")
	assert.Error(t, err)
}
