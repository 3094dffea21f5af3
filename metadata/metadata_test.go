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

package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReservedIsCaseInsensitive(t *testing.T) {
	assert.True(t, IsReserved("Content-Type"))
	assert.True(t, IsReserved("GRPC-STATUS"))
	assert.False(t, IsReserved("x-custom-header"))
}

func TestPairsPanicsOnOddArgs(t *testing.T) {
	assert.Panics(t, func() { Pairs("key") })
}

func TestPairsLowerCasesKeysAndPreservesOrder(t *testing.T) {
	md := Pairs("Key1", "v1", "key1", "v2", "Key2", "v3")
	assert.Equal(t, []string{"v1", "v2"}, md.Get("KEY1"))
	assert.Equal(t, []string{"v3"}, md.Get("key2"))
	assert.Equal(t, []string{"key1", "key2"}, md.Keys())
	assert.Equal(t, 3, md.Len())
}

func TestAppendCreatesKeyOnlyOnce(t *testing.T) {
	var md MD
	md.Append("a", "1")
	md.Append("a", "2")
	md.Append("b", "3")
	assert.Equal(t, []string{"a", "b"}, md.Keys())
	assert.Equal(t, []string{"1", "2"}, md.Get("a"))
}

func TestSetReplacesPriorValues(t *testing.T) {
	md := Pairs("a", "1", "a", "2")
	md.Set("a", "new")
	assert.Equal(t, []string{"new"}, md.Get("a"))
}

func TestSetOnNewKeyRecordsItOnce(t *testing.T) {
	var md MD
	md.Set("a", "1", "2")
	assert.Equal(t, []string{"a"}, md.Keys())
	assert.Equal(t, []string{"1", "2"}, md.Get("a"))
}

func TestDeleteRemovesKeyAndOrdering(t *testing.T) {
	md := Pairs("a", "1", "b", "2", "c", "3")
	md.Delete("b")
	assert.Equal(t, []string{"a", "c"}, md.Keys())
	assert.Nil(t, md.Get("b"))
}

func TestDeleteOfMissingKeyIsNoOp(t *testing.T) {
	md := Pairs("a", "1")
	md.Delete("does-not-exist")
	assert.Equal(t, []string{"a"}, md.Keys())
}

func TestCopyIsIndependentOfOriginal(t *testing.T) {
	orig := Pairs("a", "1")
	cp := orig.Copy()
	cp.Append("a", "2")
	assert.Equal(t, []string{"1"}, orig.Get("a"))
	assert.Equal(t, []string{"1", "2"}, cp.Get("a"))
}

func TestJoinMergesInOrder(t *testing.T) {
	md1 := Pairs("a", "1")
	md2 := Pairs("a", "2", "b", "3")
	joined := Join(md1, md2)
	assert.Equal(t, []string{"1", "2"}, joined.Get("a"))
	assert.Equal(t, []string{"3"}, joined.Get("b"))
}

func TestNewFromMap(t *testing.T) {
	md := New(map[string]string{"Key": "value"})
	assert.Equal(t, []string{"value"}, md.Get("key"))
}

func TestOutgoingContextRoundTrip(t *testing.T) {
	_, ok := FromOutgoingContext(context.Background())
	assert.False(t, ok)

	ctx := NewOutgoingContext(context.Background(), Pairs("a", "1"))
	md, ok := FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"1"}, md.Get("a"))
}

func TestIncomingContextRoundTrip(t *testing.T) {
	_, ok := FromIncomingContext(context.Background())
	assert.False(t, ok)

	ctx := NewIncomingContext(context.Background(), Pairs("b", "2"))
	md, ok := FromIncomingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"2"}, md.Get("b"))
}
