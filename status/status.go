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

// Package status implements errors returned by gRPC. These errors are
// serialized and transmitted on the wire between server and client, and
// allow for additional data to be transmitted via the Details field in the
// status proto.
package status

import (
	"errors"
	"fmt"

	"github.com/chalvern/grpc-go/codes"
)

// Status represents an RPC status: a code from the closed set in package
// codes, an optional human-readable description, and an optional
// underlying cause. The OK code must never carry a description or cause.
type Status struct {
	code    codes.Code
	message string
	cause   error
}

// New returns a Status representing code and msg.
func New(code codes.Code, msg string) *Status {
	return &Status{code: code, message: msg}
}

// Newf returns New(code, fmt.Sprintf(format, a...)).
func Newf(code codes.Code, format string, a ...interface{}) *Status {
	return New(code, fmt.Sprintf(format, a...))
}

// WithCause attaches an underlying error to s and returns s. It is a no-op
// on an OK status.
func (s *Status) WithCause(cause error) *Status {
	if s.code == codes.OK {
		return s
	}
	s.cause = cause
	return s
}

// Code returns the status code.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns the status message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Cause returns the underlying error that produced this status, if any.
func (s *Status) Cause() error {
	if s == nil {
		return nil
	}
	return s.cause
}

// Err returns an immutable error representing s; returns nil if s.Code() is
// OK.
func (s *Status) Err() error {
	if s.Code() == codes.OK {
		return nil
	}
	return &statusError{s: s}
}

// statusError wraps a *Status as a standard error.
type statusError struct {
	s *Status
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.s.Code(), e.s.Message())
}

// GRPCStatus returns the Status represented by e.
func (e *statusError) GRPCStatus() *Status {
	return e.s
}

// Unwrap supports errors.Is/errors.As against the attached cause.
func (e *statusError) Unwrap() error {
	return e.s.cause
}

// Error returns an error representing code and msg. If code is OK, returns
// nil.
func Error(code codes.Code, msg string) error {
	return New(code, msg).Err()
}

// Errorf is fmt.Sprintf-flavored Error.
func Errorf(code codes.Code, format string, a ...interface{}) error {
	return Error(code, fmt.Sprintf(format, a...))
}

// FromError returns a Status representation of err.
//
//   - if err is nil, a nil *Status (whose Code is OK) is returned, ok is
//     true.
//   - if err implements the `GRPCStatus() *Status` interface, that Status is
//     used directly.
//   - otherwise err is wrapped as codes.Unknown with err.Error() as message
//     and the original err retained as cause, ok is false.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return nil, true
	}
	var se interface{ GRPCStatus() *Status }
	if errors.As(err, &se) {
		return se.GRPCStatus(), true
	}
	return New(codes.Unknown, err.Error()).WithCause(err), false
}

// Code returns the Code of the error if it is a Status error or wraps one,
// codes.OK if err is nil, or codes.Unknown otherwise.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	s, _ := FromError(err)
	return s.Code()
}

// Convert is FromError ignoring the ok return; it always returns a non-nil
// *Status.
func Convert(err error) *Status {
	s, _ := FromError(err)
	if s == nil {
		return New(codes.OK, "")
	}
	return s
}
