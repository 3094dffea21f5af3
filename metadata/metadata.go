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

// Package metadata defines the structure of the metadata supported by gRPC
// library. An ordered sequence of (name, value) pairs, case-insensitive on
// the name; values whose name ends in "-bin" are raw bytes, everything else
// is ASCII.
package metadata

import (
	"context"
	"fmt"
	"strings"
)

// reserved holds the header names that the wire layer owns and that must
// never be surfaced to, or settable by, user code.
var reserved = map[string]bool{
	":status":              true,
	"content-type":         true,
	"te":                   true,
	"user-agent":           true,
	"grpc-status":          true,
	"grpc-message":         true,
	"grpc-encoding":        true,
	"grpc-accept-encoding": true,
	"grpc-timeout":         true,
}

// IsReserved reports whether name (case-insensitive) is a wire-level header
// that user code must never see or set directly.
func IsReserved(name string) bool {
	return reserved[strings.ToLower(name)]
}

// MD is an ordered multi-map from a lower-cased header name to its values,
// in the order they were added. Duplicate names preserve insertion order of
// their values.
type MD struct {
	keys   []string
	values map[string][]string
}

// New creates an MD from a map, preserving insertion order of keys as
// returned by Go's (unspecified) map iteration order for this constructor
// only; use Pairs or Append for order-sensitive construction.
func New(m map[string]string) MD {
	md := MD{values: make(map[string][]string, len(m))}
	for k, v := range m {
		md.Append(k, v)
	}
	return md
}

// Pairs returns an MD formed by the mapping of kv. Pairs panics if len(kv)
// is odd.
func Pairs(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: Pairs got the odd number of input pairs for metadata: %d", len(kv)))
	}
	md := MD{values: make(map[string][]string, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// Len returns the number of items in md.
func (md MD) Len() int {
	n := 0
	for _, v := range md.values {
		n += len(v)
	}
	return n
}

// Append appends value to keys for key. key is lower-cased before storing.
func (md *MD) Append(key string, value string) {
	key = strings.ToLower(key)
	if md.values == nil {
		md.values = make(map[string][]string)
	}
	if _, ok := md.values[key]; !ok {
		md.keys = append(md.keys, key)
	}
	md.values[key] = append(md.values[key], value)
}

// Get returns all values associated with the lower-cased key, in insertion
// order, or nil if there are none.
func (md MD) Get(key string) []string {
	return md.values[strings.ToLower(key)]
}

// Set replaces all values for key with value, discarding any prior values.
func (md *MD) Set(key string, value ...string) {
	key = strings.ToLower(key)
	if md.values == nil {
		md.values = make(map[string][]string)
	}
	if _, ok := md.values[key]; !ok {
		md.keys = append(md.keys, key)
	}
	md.values[key] = value
}

// Delete removes all values for key.
func (md *MD) Delete(key string) {
	key = strings.ToLower(key)
	if _, ok := md.values[key]; !ok {
		return
	}
	delete(md.values, key)
	for i, k := range md.keys {
		if k == key {
			md.keys = append(md.keys[:i], md.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the set of lower-cased keys present in md, in the order they
// were first inserted.
func (md MD) Keys() []string {
	out := make([]string, len(md.keys))
	copy(out, md.keys)
	return out
}

// Copy returns a deep copy of md.
func (md MD) Copy() MD {
	out := MD{keys: append([]string(nil), md.keys...), values: make(map[string][]string, len(md.values))}
	for k, v := range md.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// Join merges any number of MDs into a single MD, later entries for the
// same key appending to earlier ones.
func Join(mds ...MD) MD {
	out := MD{values: make(map[string][]string)}
	for _, md := range mds {
		for _, k := range md.keys {
			for _, v := range md.values[k] {
				out.Append(k, v)
			}
		}
	}
	return out
}

type mdIncomingKey struct{}
type mdOutgoingKey struct{}

// NewOutgoingContext creates a new context with outgoing md attached. It
// overwrites any previously-attached outgoing metadata.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, mdOutgoingKey{}, md)
}

// FromOutgoingContext returns the outgoing MD in ctx, if any.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(mdOutgoingKey{}).(MD)
	return md, ok
}

// NewIncomingContext creates a new context with incoming md attached.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, mdIncomingKey{}, md)
}

// FromIncomingContext returns the incoming MD in ctx, if any.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(mdIncomingKey{}).(MD)
	return md, ok
}
