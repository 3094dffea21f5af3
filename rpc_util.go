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

package grpc

import (
	"io"
	"time"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/credentials"
	"github.com/chalvern/grpc-go/encoding"
	"github.com/chalvern/grpc-go/encoding/proto"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/metadata"
	"github.com/chalvern/grpc-go/stats"
	"github.com/chalvern/grpc-go/status"
)

const (
	defaultClientMaxReceiveMessageSize = 1024 * 1024 * 4
	defaultClientMaxSendMessageSize    = 1024 * 1024 * 4
)

// compressionFlag is the single byte preceding every gRPC message on the
// wire, indicating whether the payload that follows has been compressed.
type compressionFlag uint8

const (
	compressionNone compressionFlag = iota
	compressionMade
)

const payloadLen = 5 // 1 byte compression flag + 4 byte big-endian length

// parser pulls length-prefixed gRPC messages off of a stream's raw byte
// stream, which for both client and server streams is an *transport.Stream
// read directly (the transport layer only ever hands up undifferentiated
// frame payloads; the length-prefix framing is this package's concern, not
// the transport's).
type parser struct {
	r      io.Reader
	header [payloadLen]byte
}

// recvMsg reads one length-prefixed message, returning ResourceExhausted if
// the declared length exceeds maxReceiveMessageSize.
func (p *parser) recvMsg(maxReceiveMessageSize int) (pf compressionFlag, msg []byte, err error) {
	if _, err := io.ReadFull(p.r, p.header[:]); err != nil {
		return 0, nil, err
	}

	pf = compressionFlag(p.header[0])
	length := uint32(p.header[1])<<24 | uint32(p.header[2])<<16 | uint32(p.header[3])<<8 | uint32(p.header[4])

	if length == 0 {
		return pf, nil, nil
	}
	if int64(length) > int64(maxReceiveMessageSize) {
		return 0, nil, status.Errorf(codes.ResourceExhausted, "grpc: received message larger than max (%d vs. %d)", length, maxReceiveMessageSize)
	}
	msg = make([]byte, int(length))
	if _, err := io.ReadFull(p.r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return pf, msg, nil
}

// Compressor is the legacy per-message compressor interface, superseded by
// the encoding.Compressor registry but still accepted via WithCompressor
// for code that hasn't migrated.
type Compressor interface {
	Do(w io.Writer, p []byte) error
	Type() string
}

// Decompressor is the legacy counterpart to Compressor.
type Decompressor interface {
	Do(r io.Reader) ([]byte, error)
	Type() string
}

// baseCodec is satisfied by both encoding.Codec and the deprecated Codec
// alias, letting callInfo store either without a conversion step.
type baseCodec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// callInfo holds the effect of every CallOption applied to one RPC.
type callInfo struct {
	compressorType        string
	failFast              bool
	maxReceiveMessageSize *int
	maxSendMessageSize    *int
	creds                 credentials.PerRPCCredentials
	contentSubtype        string
	codec                 baseCodec
	stream                ClientStream
}

func defaultCallInfo() *callInfo {
	return &callInfo{failFast: true}
}

// setCallInfoCodec fills in c.codec from c.contentSubtype if one wasn't
// already selected explicitly, defaulting to the "proto" content-subtype's
// codec.
func setCallInfoCodec(c *callInfo) error {
	if c.codec != nil {
		return nil
	}
	if c.contentSubtype == "" {
		c.codec = encoding.GetCodec(proto.Name)
		return nil
	}
	c.codec = encoding.GetCodec(c.contentSubtype)
	if c.codec == nil {
		return status.Errorf(codes.Internal, "grpc: no codec registered for content-subtype %s", c.contentSubtype)
	}
	return nil
}

// CallOption configures a Call before it starts or extracts information
// from a Call after it completes.
type CallOption interface {
	// before is called before the call is sent to any server. If before
	// returns a non-nil error, the RPC fails with that error.
	before(*callInfo) error
	// after is called after the call has completed; after cannot return
	// an error, so any failures should be reported via output parameters.
	after(*callInfo)
}

// EmptyCallOption does not alter the Call configuration; it can be
// embedded in another structure to carry satellite data for use by
// interceptors.
type EmptyCallOption struct{}

func (EmptyCallOption) before(*callInfo) error { return nil }
func (EmptyCallOption) after(*callInfo)        {}

type beforeCall func(c *callInfo) error

func (o beforeCall) before(c *callInfo) error { return o(c) }
func (o beforeCall) after(c *callInfo)        {}

type afterCall func(c *callInfo)

func (o afterCall) before(c *callInfo) error { return nil }
func (o afterCall) after(c *callInfo)        { o(c) }

// Header returns a CallOptions that retrieves the header metadata for a
// unary RPC.
func Header(md *metadata.MD) CallOption {
	return afterCall(func(c *callInfo) {
		if c.stream != nil {
			h, _ := c.stream.Header()
			*md = h
		}
	})
}

// Trailer returns a CallOptions that retrieves the trailer metadata for a
// unary RPC.
func Trailer(md *metadata.MD) CallOption {
	return afterCall(func(c *callInfo) {
		if c.stream != nil {
			*md = c.stream.Trailer()
		}
	})
}

// WaitForReady configures the action to take when an RPC is attempted on
// broken connections or unreachable servers. If waitForReady is false and
// the connection is in the TRANSIENT_FAILURE state, the RPC will fail
// fast. Otherwise, the RPC client will block the call until a connection
// is available or the call is canceled or times out.
func WaitForReady(waitForReady bool) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.failFast = !waitForReady
		return nil
	})
}

// FailFast is the opposite of WaitForReady.
//
// Deprecated: use WaitForReady.
func FailFast(failFast bool) CallOption { return WaitForReady(!failFast) }

// MaxCallRecvMsgSize returns a CallOption which sets the maximum message
// size in bytes the client can receive.
func MaxCallRecvMsgSize(bytes int) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.maxReceiveMessageSize = &bytes
		return nil
	})
}

// MaxCallSendMsgSize returns a CallOption which sets the maximum message
// size in bytes the client can send.
func MaxCallSendMsgSize(bytes int) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.maxSendMessageSize = &bytes
		return nil
	})
}

// PerRPCCredentials returns a CallOption that sets credentials for the
// single RPC invoked, overriding any set channel-wide.
func PerRPCCredentials(creds credentials.PerRPCCredentials) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.creds = creds
		return nil
	})
}

// UseCompressor returns a CallOption that sets the compressor to use for
// this call only, overriding any set channel-wide via WithCompressor.
func UseCompressor(name string) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.compressorType = name
		return nil
	})
}

// CallContentSubtype returns a CallOption that sets the content-subtype
// (e.g. "json" for "application/grpc+json") for this call only.
func CallContentSubtype(contentSubtype string) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.contentSubtype = contentSubtype
		return nil
	})
}

// ForceCodec returns a CallOption that forces the use of a specific codec
// for this call only, bypassing the content-subtype registry lookup.
func ForceCodec(codec encoding.Codec) CallOption {
	return beforeCall(func(c *callInfo) error {
		c.codec = codec
		return nil
	})
}

func combine(o1 []CallOption, o2 []CallOption) []CallOption {
	if len(o1) == 0 {
		return o2
	}
	if len(o2) == 0 {
		return o1
	}
	ret := make([]CallOption, 0, len(o1)+len(o2))
	ret = append(ret, o1...)
	ret = append(ret, o2...)
	return ret
}

// encode marshals v with codec, returning its raw bytes.
func encode(c baseCodec, v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: error while marshaling: %v", err.Error())
	}
	return b, nil
}

// compress compresses data with either the legacy Compressor cp or the
// registry-based encoding.Compressor comp (exactly one should be set);
// nil/nil means send uncompressed.
func compress(data []byte, cp Compressor, comp encoding.Compressor) ([]byte, error) {
	if cp == nil && comp == nil {
		return nil, nil
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out writeCloserBuf
	if comp != nil {
		wc, err := comp.Compress(&out)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err.Error())
		}
		if _, err := wc.Write(data); err != nil {
			return nil, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err.Error())
		}
		if err := wc.Close(); err != nil {
			return nil, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err.Error())
		}
		return out.b, nil
	}
	if err := cp.Do(&out, data); err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err.Error())
	}
	return out.b, nil
}

type writeCloserBuf struct{ b []byte }

func (w *writeCloserBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// msgHeader returns the 5-byte length-prefix header for whichever of data
// (uncompressed) or compData (compressed) will actually go out on the
// wire, plus that chosen payload.
func msgHeader(data, compData []byte) (hdr []byte, payload []byte) {
	hdr = make([]byte, payloadLen)
	if compData != nil {
		hdr[0] = byte(compressionMade)
		payload = compData
	} else {
		payload = data
	}
	writeUint32(hdr[1:], uint32(len(payload)))
	return hdr, payload
}

func writeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// recv reads and decodes one gRPC message from the stream s's parser into
// m, recording stats on inPayload when non-nil.
func recv(p *parser, c baseCodec, s *transport.Stream, dc Decompressor, m interface{}, maxReceiveMessageSize int, inPayload *stats.InPayload, decomp encoding.Compressor) error {
	pf, d, err := p.recvMsg(maxReceiveMessageSize)
	if err != nil {
		return err
	}

	if pf == compressionMade {
		if dc != nil {
			d, err = dc.Do(bytesReaderOf(d))
			if err != nil {
				return status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err.Error())
			}
		} else if decomp != nil {
			r, err := decomp.Decompress(bytesReaderOf(d))
			if err != nil {
				return status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err.Error())
			}
			d, err = io.ReadAll(r)
			if err != nil {
				return status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err.Error())
			}
		} else {
			return status.Error(codes.Internal, "grpc: received compressed message but no decompressor registered for this stream")
		}
	}

	if err := c.Unmarshal(d, m); err != nil {
		return status.Errorf(codes.Internal, "grpc: failed to unmarshal the received message: %v", err.Error())
	}
	if inPayload != nil {
		inPayload.RecvTime = time.Now()
		inPayload.Payload = m
		inPayload.Data = d
		inPayload.WireLength = len(d)
	}
	return nil
}

func bytesReaderOf(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// toRPCErr converts an error received from the transport/IO layer into an
// error compatible with the status package, as required of every error
// Stream methods may return.
func toRPCErr(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch e := err.(type) {
	case transport.ConnectionError:
		return status.Error(codes.Unavailable, e.Error())
	case transport.StreamError:
		return status.Error(e.Code, e.Desc)
	}
	return status.Error(codes.Unknown, err.Error())
}
