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
	"errors"
	"io"
	"sync"
)

// recvMsg holds one frame or error received from a stream's recvBuffer.
type recvMsg struct {
	buffer *Buffer
	err    error
}

// recvBuffer is an unbounded FIFO of recvMsg, written to by a transport's
// read loop and drained by the stream's reader, which receives from get()
// and then calls load().
type recvBuffer struct {
	c       chan recvMsg
	mu      sync.Mutex
	backlog []recvMsg
	err     error
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{c: make(chan recvMsg, 1)}
}

func (b *recvBuffer) put(r recvMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	if r.err != nil {
		b.err = r.err
	}
	if len(b.backlog) == 0 {
		select {
		case b.c <- r:
			return
		default:
		}
	}
	b.backlog = append(b.backlog, r)
}

func (b *recvBuffer) load() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) > 0 {
		select {
		case b.c <- b.backlog[0]:
			b.backlog[0] = recvMsg{}
			b.backlog = b.backlog[1:]
		default:
		}
	}
}

// get returns the channel from which callers should receive the next
// recvMsg; load() must be called after draining one to refill it from the
// backlog.
func (b *recvBuffer) get() <-chan recvMsg {
	return b.c
}

// recvBufferReader implements io.Reader over a recvBuffer, pulling
// HTTP/2-frame-sized payloads into the gRPC message deframer.
type recvBufferReader struct {
	ctxDone <-chan struct{}
	recv    *recvBuffer
	last    *Buffer
	err     error
}

func (r *recvBufferReader) Read(p []byte) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.last != nil {
		n, r.last = r.last.Read(p)
		return n, nil
	}
	n, r.err = r.readClient(p)
	return n, r.err
}

func (r *recvBufferReader) readClient(p []byte) (n int, err error) {
	select {
	case <-r.ctxDone:
		return 0, ErrContextCanceled
	case m := <-r.recv.get():
		r.recv.load()
		if m.err != nil {
			return 0, m.err
		}
		n, r.last = m.buffer.Read(p)
		return n, nil
	}
}

// ErrContextCanceled is returned by recvBufferReader when the owning
// stream's context is done before a frame arrives.
var ErrContextCanceled = errors.New("transport: context canceled while waiting for data")

// Buffer is a mark/reset capable byte buffer used to pass received payload
// slices to the stream's reader without copying; its storage is released
// once, by Free.
type Buffer struct {
	data []byte
	off  int
	mark int
	free func()
	once sync.Once
}

// NewBuffer wraps data; free (if non-nil) is invoked exactly once, when
// the Buffer is Freed, to return the underlying storage (e.g. to a pool).
func NewBuffer(data []byte, free func()) *Buffer {
	return &Buffer{data: data, free: free}
}

// Len returns the number of unread bytes remaining.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data) - b.off
}

// Read copies into p, returning the new (possibly nil) remainder buffer to
// keep reading from, matching the pattern of io.Reader but without
// requiring the caller to hold onto *Buffer across calls that might free
// the backing array.
func (b *Buffer) Read(p []byte) (int, *Buffer) {
	n := copy(p, b.data[b.off:])
	b.off += n
	if b.off == len(b.data) {
		b.Free()
		return n, nil
	}
	return n, b
}

// Mark records the current read offset so a subsequent Reset returns to it.
func (b *Buffer) Mark() { b.mark = b.off }

// Reset rewinds the read offset back to the last Mark.
func (b *Buffer) Reset() { b.off = b.mark }

// Free releases the underlying storage via the registered free func,
// exactly once.
func (b *Buffer) Free() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		if b.free != nil {
			b.free()
		}
	})
}

// CompositeReadableBuffer concatenates multiple Buffers (e.g. several
// HTTP/2 DATA frames that together carry one gRPC message) behind a single
// io.Reader, with mark/reset support spanning all of them — needed because
// the length-prefixed message framer may need to back out a read that
// crossed a frame boundary.
type CompositeReadableBuffer struct {
	buffers []*Buffer
	idx     int
	markIdx int
	markOff int
}

// Append adds b to the composite, to be read after any buffers already
// present.
func (c *CompositeReadableBuffer) Append(b *Buffer) {
	c.buffers = append(c.buffers, b)
}

// Len returns the total number of unread bytes across all buffers.
func (c *CompositeReadableBuffer) Len() int {
	n := 0
	for i := c.idx; i < len(c.buffers); i++ {
		n += c.buffers[i].Len()
	}
	return n
}

// Read implements io.Reader across the composite buffer's current
// remaining contents.
func (c *CompositeReadableBuffer) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) && c.idx < len(c.buffers) {
		n, rest := c.buffers[c.idx].Read(p[total:])
		total += n
		if rest == nil {
			c.idx++
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Mark records the current position so Reset can rewind to it.
func (c *CompositeReadableBuffer) Mark() {
	c.markIdx = c.idx
	if c.idx < len(c.buffers) {
		c.buffers[c.idx].Mark()
	}
}

// Reset rewinds to the last Mark.
func (c *CompositeReadableBuffer) Reset() {
	c.idx = c.markIdx
	if c.idx < len(c.buffers) {
		c.buffers[c.idx].Reset()
	}
	// Buffers after the marked one were still unread when Mark was called.
	for i := c.idx + 1; i < len(c.buffers); i++ {
		c.buffers[i].off = 0
	}
}
