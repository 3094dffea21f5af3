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

package encoding

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCodec struct{ name string }

func (fakeCodec) Marshal(v interface{}) ([]byte, error)      { return nil, nil }
func (fakeCodec) Unmarshal(data []byte, v interface{}) error { return nil }
func (c fakeCodec) Name() string                             { return c.name }

func TestRegisterCodecAndGetCodec(t *testing.T) {
	RegisterCodec(fakeCodec{name: "test-codec"})
	got := GetCodec("test-codec")
	assert.NotNil(t, got)
	assert.Equal(t, "test-codec", got.Name())
}

func TestGetCodecUnknownReturnsNil(t *testing.T) {
	assert.Nil(t, GetCodec("does-not-exist"))
}

func TestRegisterCodecPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { RegisterCodec(nil) })
}

func TestRegisterCodecPanicsOnEmptyName(t *testing.T) {
	assert.Panics(t, func() { RegisterCodec(fakeCodec{name: ""}) })
}

type fakeCompressor struct{ name string }

func (fakeCompressor) Compress(w io.Writer) (io.WriteCloser, error) { return nil, nil }
func (fakeCompressor) Decompress(r io.Reader) (io.Reader, error)    { return nil, nil }
func (c fakeCompressor) Name() string                               { return c.name }

func TestRegisterCompressorAndGetCompressor(t *testing.T) {
	RegisterCompressor(fakeCompressor{name: "test-compressor"})
	got := GetCompressor("test-compressor")
	assert.NotNil(t, got)
	assert.Equal(t, "test-compressor", got.Name())
}

func TestGetCompressorUnknownReturnsNil(t *testing.T) {
	assert.Nil(t, GetCompressor("does-not-exist"))
}
