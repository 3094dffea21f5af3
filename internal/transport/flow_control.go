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

import "sync"

// writeQuota gates how many bytes a stream (or the connection as a whole)
// may write before it must wait for the peer to acknowledge more via a
// WINDOW_UPDATE, implementing HTTP/2's per-stream and per-connection flow
// control (RFC 7540 §6.9) on the write side.
type writeQuota struct {
	mu    sync.Mutex
	quota int32
	ch    chan struct{}
}

func newWriteQuota(n int32) *writeQuota {
	return &writeQuota{quota: n, ch: make(chan struct{}, 1)}
}

// get blocks until at least one byte of quota is available (or done
// fires), then reserves up to n bytes, returning how many were actually
// reserved.
func (w *writeQuota) get(n int32, done <-chan struct{}) (int32, error) {
	for {
		w.mu.Lock()
		if w.quota > 0 {
			got := w.quota
			if got > n {
				got = n
			}
			w.quota -= got
			w.mu.Unlock()
			return got, nil
		}
		w.mu.Unlock()
		select {
		case <-w.ch:
		case <-done:
			return 0, ErrContextCanceled
		}
	}
}

// replenish adds n bytes of quota back (from a WINDOW_UPDATE), waking one
// blocked writer if the quota was previously exhausted.
func (w *writeQuota) replenish(n int32) {
	w.mu.Lock()
	wasEmpty := w.quota <= 0
	w.quota += n
	w.mu.Unlock()
	if wasEmpty {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// inFlowController tracks how many bytes have been received against a
// stream's advertised window, signaling when a WINDOW_UPDATE should be
// sent back to the peer to avoid stalling its writes.
type inFlowController struct {
	mu        sync.Mutex
	limit     uint32
	pendingUp uint32
}

func newInFlowController(limit uint32) *inFlowController {
	return &inFlowController{limit: limit}
}

// onData records n newly received bytes and returns the size of a
// WINDOW_UPDATE to send now, or 0 if none is needed yet. gRPC's own
// accounting (rather than relying solely on http2.Framer's internal flow
// control) lets it batch updates instead of sending one per frame.
func (f *inFlowController) onData(n uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingUp += n
	if f.pendingUp >= f.limit/4 {
		up := f.pendingUp
		f.pendingUp = 0
		return up
	}
	return 0
}
