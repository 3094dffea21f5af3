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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReadDrainsAndFrees(t *testing.T) {
	freed := false
	b := NewBuffer([]byte("hello"), func() { freed = true })

	p := make([]byte, 3)
	n, rest := b.Read(p)
	assert.Equal(t, 3, n)
	assert.Equal(t, "hel", string(p))
	require.NotNil(t, rest)
	assert.False(t, freed)

	p2 := make([]byte, 3)
	n2, rest2 := rest.Read(p2)
	assert.Equal(t, 2, n2)
	assert.Nil(t, rest2)
	assert.True(t, freed, "Free must run exactly once all data has been consumed")
}

func TestBufferFreeIsIdempotent(t *testing.T) {
	calls := 0
	b := NewBuffer([]byte("x"), func() { calls++ })
	b.Free()
	b.Free()
	assert.Equal(t, 1, calls)
}

func TestBufferNilLenIsZero(t *testing.T) {
	var b *Buffer
	assert.Equal(t, 0, b.Len())
	b.Free() // must not panic
}

func TestBufferMarkReset(t *testing.T) {
	b := NewBuffer([]byte("abcdef"), nil)
	p := make([]byte, 2)
	b.Read(p)
	b.Mark()
	b.Read(p)
	assert.Equal(t, 2, b.Len()) // consumed 4 of 6
	b.Reset()
	assert.Equal(t, 4, b.Len()) // rewound to the mark at offset 2
}

func TestCompositeReadableBufferSpansMultipleBuffers(t *testing.T) {
	c := &CompositeReadableBuffer{}
	c.Append(NewBuffer([]byte("foo"), nil))
	c.Append(NewBuffer([]byte("bar"), nil))
	assert.Equal(t, 6, c.Len())

	p := make([]byte, 4)
	n, err := c.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "foob", string(p))
	assert.Equal(t, 2, c.Len())
}

func TestCompositeReadableBufferReturnsEOFWhenExhausted(t *testing.T) {
	c := &CompositeReadableBuffer{}
	c.Append(NewBuffer([]byte("hi"), nil))

	p := make([]byte, 2)
	n, err := c.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n2, err2 := c.Read(p)
	assert.Equal(t, 0, n2)
	assert.Equal(t, io.EOF, err2)
}

func TestCompositeReadableBufferMarkReset(t *testing.T) {
	c := &CompositeReadableBuffer{}
	c.Append(NewBuffer([]byte("abc"), nil))
	c.Append(NewBuffer([]byte("def"), nil))

	p := make([]byte, 1)
	c.Read(p) // consume "a"
	c.Mark()
	c.Read(make([]byte, 4)) // consume "bcde"
	assert.Equal(t, 1, c.Len())

	c.Reset()
	assert.Equal(t, 5, c.Len())
}

func TestRecvBufferPutAndGetPreservesFIFOOrder(t *testing.T) {
	b := newRecvBuffer()
	b.put(recvMsg{buffer: NewBuffer([]byte("1"), nil)})
	b.put(recvMsg{buffer: NewBuffer([]byte("2"), nil)})

	m1 := <-b.get()
	assert.Equal(t, "1", string(m1.buffer.data))
	b.load()

	m2 := <-b.get()
	assert.Equal(t, "2", string(m2.buffer.data))
}

func TestRecvBufferPutAfterErrIsDropped(t *testing.T) {
	b := newRecvBuffer()
	b.put(recvMsg{err: io.ErrClosedPipe})
	b.put(recvMsg{buffer: NewBuffer([]byte("ignored"), nil)})

	m := <-b.get()
	assert.Equal(t, io.ErrClosedPipe, m.err)

	b.load()
	select {
	case <-b.get():
		t.Fatal("no further messages should be queued once the buffer has errored")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestRecvBufferReaderReturnsErrContextCanceled(t *testing.T) {
	ctxDone := make(chan struct{})
	close(ctxDone)
	r := &recvBufferReader{ctxDone: ctxDone, recv: newRecvBuffer()}

	n, err := r.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.Equal(t, ErrContextCanceled, err)
}

func TestRecvBufferReaderReadsQueuedData(t *testing.T) {
	recv := newRecvBuffer()
	recv.put(recvMsg{buffer: NewBuffer([]byte("payload"), nil)})
	r := &recvBufferReader{ctxDone: make(chan struct{}), recv: recv}

	p := make([]byte, 7)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", string(p))
}
