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

package grpc

import (
	"sync"

	"golang.org/x/net/context"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/status"
)

// pickerWrapper buffers RPCs that arrive before a balancer has published any
// Picker (or whose current Picker has nothing READY yet), and wakes them as
// soon as a new Picker is published.
type pickerWrapper struct {
	mu         sync.Mutex
	done       bool
	picker     balancer.Picker
	blockingCh chan struct{}
}

func newPickerWrapper() *pickerWrapper {
	return &pickerWrapper{blockingCh: make(chan struct{})}
}

// updatePicker installs p as the current Picker and wakes every RPC
// blocked waiting for one.
func (pw *pickerWrapper) updatePicker(p balancer.Picker) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.done {
		return
	}
	pw.picker = p
	close(pw.blockingCh)
	pw.blockingCh = make(chan struct{})
}

// pick blocks until a READY SubConn's transport is available, ctx expires,
// or the ClientConn is closed.
func (pw *pickerWrapper) pick(ctx context.Context, failFast bool, info balancer.PickInfo) (transport.ClientTransport, func(balancer.DoneInfo), error) {
	for {
		pw.mu.Lock()
		if pw.done {
			pw.mu.Unlock()
			return nil, nil, ErrClientConnClosing
		}
		p := pw.picker
		ch := pw.blockingCh
		pw.mu.Unlock()

		if p == nil {
			if err := waitForPickerOrDone(ctx, ch); err != nil {
				return nil, nil, err
			}
			continue
		}

		res, err := p.Pick(info)
		if err != nil {
			switch err {
			case balancer.ErrNoSubConnAvailable:
				if err := waitForPickerOrDone(ctx, ch); err != nil {
					return nil, nil, err
				}
				continue
			case balancer.ErrTransientFailure:
				if failFast {
					return nil, nil, status.Error(codes.Unavailable, err.Error())
				}
				if err := waitForPickerOrDone(ctx, ch); err != nil {
					return nil, nil, err
				}
				continue
			default:
				return nil, nil, status.Error(codes.Unavailable, err.Error())
			}
		}

		ac, ok := res.SubConn.(*addrConn)
		if !ok {
			continue
		}
		t := ac.getReadyTransport()
		if t == nil {
			if err := waitForPickerOrDone(ctx, ch); err != nil {
				return nil, nil, err
			}
			continue
		}
		return t, res.Done, nil
	}
}

func waitForPickerOrDone(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ctx.Done():
		return toRPCErr(ctx.Err())
	case <-ch:
		return nil
	}
}

// close unblocks every pending pick with ErrClientConnClosing.
func (pw *pickerWrapper) close() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.done {
		return
	}
	pw.done = true
	close(pw.blockingCh)
}
