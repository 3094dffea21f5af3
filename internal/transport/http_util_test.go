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

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpc-go/codes"
)

func TestHTTPStatusToGRPCCode(t *testing.T) {
	cases := []struct {
		status int
		want   codes.Code
	}{
		{200, codes.Internal}, // a 2xx with no grpc-status header is itself an error
		{400, codes.Internal},
		{401, codes.Unauthenticated},
		{403, codes.PermissionDenied},
		{404, codes.Unimplemented},
		{429, codes.Unavailable},
		{502, codes.Unavailable},
		{503, codes.Unavailable},
		{504, codes.Unavailable},
		{418, codes.Unknown}, // unmapped status falls back to Unknown
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatusToGRPCCode(c.status), "status %d", c.status)
	}
}

func TestDecodeGRPCMessageLeavesPlainTextAlone(t *testing.T) {
	assert.Equal(t, "plain message", decodeGRPCMessage("plain message"))
}

func TestEncodeDecodeGRPCMessageRoundTrip(t *testing.T) {
	msg := "bad request: 100% \x01 failure"
	encoded := encodeGRPCMessage(msg)
	assert.NotEqual(t, msg, encoded)
	assert.Equal(t, msg, decodeGRPCMessage(encoded))
}

func TestEncodeGRPCMessageLeavesPrintableASCIIAlone(t *testing.T) {
	msg := "nothing to escape here"
	assert.Equal(t, msg, encodeGRPCMessage(msg))
}

func TestDecodeGRPCMessageHandlesTrailingPercent(t *testing.T) {
	// A trailing '%' with fewer than two hex digits after it can't be a
	// valid escape and must be passed through unchanged.
	assert.Equal(t, "abc%", decodeGRPCMessage("abc%"))
}

func TestContentSubtypeBareGRPC(t *testing.T) {
	subtype, ok := contentSubtype("application/grpc")
	assert.True(t, ok)
	assert.Equal(t, "", subtype)
}

func TestContentSubtypeWithPlusSeparator(t *testing.T) {
	subtype, ok := contentSubtype("application/grpc+proto")
	assert.True(t, ok)
	assert.Equal(t, "proto", subtype)
}

func TestContentSubtypeWithSemicolonSeparator(t *testing.T) {
	subtype, ok := contentSubtype("application/grpc;proto")
	assert.True(t, ok)
	assert.Equal(t, "proto", subtype)
}

func TestContentSubtypeRejectsUnrelatedContentType(t *testing.T) {
	_, ok := contentSubtype("text/plain")
	assert.False(t, ok)
}

func TestContentTypeFromSubtype(t *testing.T) {
	assert.Equal(t, "application/grpc", contentTypeFromSubtype(""))
	assert.Equal(t, "application/grpc+proto", contentTypeFromSubtype("proto"))
}

func TestHeaderFieldValidRejectsEmptyName(t *testing.T) {
	assert.False(t, headerFieldValid(hpack.HeaderField{Name: "", Value: "v"}))
	assert.True(t, headerFieldValid(hpack.HeaderField{Name: "k", Value: "v"}))
}

func TestEncodeMethodPathEscapesSpecialCharacters(t *testing.T) {
	assert.Equal(t, "/pkg.Service/Do", encodeMethodPath("/pkg.Service/Do"))
	assert.Equal(t, "/pkg.Service/With%20Space", encodeMethodPath("/pkg.Service/With Space"))
}
