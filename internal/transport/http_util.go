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
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpc-go/codes"
)

const (
	// http2MaxFrameLen is the default HTTP/2 max frame size, matching
	// golang.org/x/net/http2's own default.
	http2MaxFrameLen = 16384
	// defaultServerMaxStreams bounds concurrent inbound streams absent an
	// explicit MaxConcurrentStreams server option.
	defaultServerMaxStreams = 100
	// defaultWindowSize is the HTTP/2 flow-control window gRPC opens with:
	// 65535 bytes, the same as HTTP/2's own initial window size.
	defaultWindowSize   = 65535
	defaultWriteBufSize = 32 * 1024
	defaultReadBufSize  = 32 * 1024

	grpcStatusHeader  = "grpc-status"
	grpcMessageHeader = "grpc-message"
	httpStatusHeader  = ":status"
	contentTypeHeader = "content-type"
	userAgentHeader   = "user-agent"

	// baseContentType is the HTTP/2 content-type prefix all gRPC content
	// subtypes (e.g. "application/grpc+proto") extend.
	baseContentType = "application/grpc"
)

// httpStatusConvTab maps non-2xx HTTP status codes to the gRPC status code
// a client should surface when a request fails before reaching the gRPC
// server logic at all (e.g. a proxy 404, a load balancer 502).
var httpStatusConvTab = map[int]codes.Code{
	400: codes.Internal,
	401: codes.Unauthenticated,
	403: codes.PermissionDenied,
	404: codes.Unimplemented,
	429: codes.Unavailable,
	502: codes.Unavailable,
	503: codes.Unavailable,
	504: codes.Unavailable,
}

// HTTPStatusToGRPCCode converts an HTTP status observed on a response with
// no grpc-status header (i.e. the request never reached gRPC handling) to
// the gRPC code a client should report.
func HTTPStatusToGRPCCode(httpStatus int) codes.Code {
	if httpStatus >= 200 && httpStatus < 300 {
		// 2xx with no grpc-status is itself an error: the server should
		// always set grpc-status on a gRPC response.
		return codes.Internal
	}
	if c, ok := httpStatusConvTab[httpStatus]; ok {
		return c
	}
	return codes.Unknown
}

// decodeGRPCMessage percent-decodes a grpc-message header value per the
// gRPC-over-HTTP2 wire spec (values are %xx-escaped rather than
// HTTP-encoded, since gRPC messages may contain arbitrary UTF-8).
func decodeGRPCMessage(msg string) string {
	if !strings.ContainsRune(msg, '%') {
		return msg
	}
	var out strings.Builder
	for i := 0; i < len(msg); i++ {
		if msg[i] == '%' && i+2 < len(msg) {
			if b, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				out.WriteByte(byte(b))
				i += 2
				continue
			}
		}
		out.WriteByte(msg[i])
	}
	return out.String()
}

// encodeGRPCMessage is the inverse of decodeGRPCMessage.
func encodeGRPCMessage(msg string) string {
	if msg == "" {
		return ""
	}
	needsEscape := false
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return msg
	}
	var out strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			fmt.Fprintf(&out, "%%%02X", c)
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

// contentSubtype extracts the "proto" in "application/grpc+proto", or ""
// for the bare "application/grpc" (meaning the default proto codec).
func contentSubtype(contentType string) (string, bool) {
	if contentType == baseContentType {
		return "", true
	}
	if !strings.HasPrefix(contentType, baseContentType) {
		return "", false
	}
	switch contentType[len(baseContentType)] {
	case '+', ';':
		return contentType[len(baseContentType)+1:], true
	default:
		return "", false
	}
}

// contentTypeFromSubtype builds the content-type header value for a given
// codec name.
func contentTypeFromSubtype(subtype string) string {
	if subtype == "" {
		return baseContentType
	}
	return baseContentType + "+" + subtype
}

// headerFieldValid reports whether f has a non-empty name. The value is not
// inspected: control characters and non-base64 "-bin" values are accepted.
func headerFieldValid(f hpack.HeaderField) bool {
	return len(f.Name) > 0
}

// encodeMethodPath builds the :path pseudo-header value from a gRPC full
// method name, using net/url's path escaping for any unusual characters a
// service/method name might carry.
func encodeMethodPath(fullMethod string) string {
	return (&url.URL{Path: fullMethod}).EscapedPath()
}
