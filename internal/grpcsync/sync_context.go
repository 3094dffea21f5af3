/*
 *
 * Copyright 2019 gRPC authors.
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

// Package grpcsync implements the cooperative single-threaded task queue
// that every control-plane component (resolver, load balancer, picker,
// subchannel) runs its callbacks through.
package grpcsync

import (
	"container/list"
	"sync"
)

// CallbackSerializer provides a mechanism to schedule callbacks in a
// synchronized manner. All callbacks are executed in the order in which
// they were scheduled, and a callback is guaranteed to complete before the
// next one starts.
//
// Schedule enqueues and, if no drain is in progress, starts one on a new
// goroutine; callbacks never run on the goroutine that called Schedule.
// There is no reentrant draining, so a callback that calls Schedule from
// inside another callback just enqueues without recursing.
type CallbackSerializer struct {
	mu       sync.Mutex
	q        *list.List
	draining bool

	closed bool
	donec  chan struct{}
}

// NewCallbackSerializer returns a new CallbackSerializer. Done is closed
// once Close has been called and every callback already scheduled has run.
func NewCallbackSerializer() *CallbackSerializer {
	return &CallbackSerializer{
		q:     list.New(),
		donec: make(chan struct{}),
	}
}

// Schedule adds a callback to be executed. Callbacks are executed in FIFO
// order. If the serializer is closed, the callback is silently dropped.
//
// The first caller to observe a non-draining queue starts a drain
// goroutine, which runs callbacks until the queue is empty again; Schedule
// returns without waiting for f to run.
func (cs *CallbackSerializer) Schedule(f func()) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.q.PushBack(f)
	if cs.draining {
		return true
	}
	cs.draining = true
	go cs.drain()
	return true
}

// ScheduleLater enqueues f without attempting to become the drainer. It is
// meant to be called from inside a callback already running on this
// serializer, to schedule work for the next batch without recursing.
func (cs *CallbackSerializer) ScheduleLater(f func()) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.q.PushBack(f)
	return true
}

func (cs *CallbackSerializer) drain() {
	for {
		cs.mu.Lock()
		if cs.q.Len() == 0 {
			cs.draining = false
			if cs.closed {
				close(cs.donec)
			}
			cs.mu.Unlock()
			return
		}
		e := cs.q.Front()
		cs.q.Remove(e)
		cs.mu.Unlock()

		f := e.Value.(func())
		f()
	}
}

// Close stops the serializer from accepting new callbacks. Already
// scheduled callbacks still run to completion; Done() is closed once the
// queue drains.
func (cs *CallbackSerializer) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}
	cs.closed = true
	if !cs.draining {
		close(cs.donec)
	}
}

// Done returns a channel closed once the serializer has drained and will
// run no more callbacks.
func (cs *CallbackSerializer) Done() <-chan struct{} {
	return cs.donec
}
