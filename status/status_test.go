/*
 *
 * Copyright 2014 gRPC authors.
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

package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/codes"
)

func TestNewOKStatusErrIsNil(t *testing.T) {
	s := New(codes.OK, "")
	assert.Nil(t, s.Err())
}

func TestNewfFormatsMessage(t *testing.T) {
	s := Newf(codes.NotFound, "item %d missing", 42)
	assert.Equal(t, "item 42 missing", s.Message())
	assert.Equal(t, codes.NotFound, s.Code())
}

func TestWithCauseIsNoOpOnOK(t *testing.T) {
	s := New(codes.OK, "")
	s.WithCause(errors.New("boom"))
	assert.Nil(t, s.Cause())
}

func TestWithCauseAttachesCause(t *testing.T) {
	cause := errors.New("boom")
	s := New(codes.Internal, "failed").WithCause(cause)
	assert.Equal(t, cause, s.Cause())
}

func TestNilStatusMethodsAreSafe(t *testing.T) {
	var s *Status
	assert.Equal(t, codes.OK, s.Code())
	assert.Equal(t, "", s.Message())
	assert.Nil(t, s.Cause())
}

func TestErrorMessageFormat(t *testing.T) {
	err := Error(codes.NotFound, "missing")
	assert.EqualError(t, err, "rpc error: code = NotFound desc = missing")
}

func TestErrorOnOKReturnsNil(t *testing.T) {
	assert.Nil(t, Error(codes.OK, "anything"))
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := Errorf(codes.Internal, "failed on %s", "x")
	assert.EqualError(t, err, "rpc error: code = Internal desc = failed on x")
}

func TestFromErrorOnNilReturnsOK(t *testing.T) {
	s, ok := FromError(nil)
	assert.Nil(t, s)
	assert.True(t, ok)
}

func TestFromErrorUnwrapsStatusError(t *testing.T) {
	orig := Error(codes.PermissionDenied, "denied")
	s, ok := FromError(orig)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, s.Code())
}

func TestFromErrorWrapsPlainErrorAsUnknown(t *testing.T) {
	plain := errors.New("something broke")
	s, ok := FromError(plain)
	assert.False(t, ok)
	assert.Equal(t, codes.Unknown, s.Code())
	assert.Equal(t, "something broke", s.Message())
	assert.Equal(t, plain, s.Cause())
}

func TestFromErrorUnwrapsWrappedStatusError(t *testing.T) {
	orig := Error(codes.Aborted, "aborted")
	wrapped := errors.Join(errors.New("context"), orig)
	s, ok := FromError(wrapped)
	require.True(t, ok)
	assert.Equal(t, codes.Aborted, s.Code())
}

func TestCodeReflectsUnderlyingStatus(t *testing.T) {
	assert.Equal(t, codes.OK, Code(nil))
	assert.Equal(t, codes.NotFound, Code(Error(codes.NotFound, "x")))
	assert.Equal(t, codes.Unknown, Code(errors.New("plain")))
}

func TestConvertAlwaysReturnsNonNil(t *testing.T) {
	s := Convert(nil)
	require.NotNil(t, s)
	assert.Equal(t, codes.OK, s.Code())

	s2 := Convert(Error(codes.Internal, "x"))
	assert.Equal(t, codes.Internal, s2.Code())
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := New(codes.Internal, "wrapped").WithCause(cause).Err()
	assert.True(t, errors.Is(err, cause))
}
