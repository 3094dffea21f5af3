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

package credentials

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTLSSetsALPNProtocols(t *testing.T) {
	creds := NewTLS(&tls.Config{ServerName: "example.com"})
	tc, ok := creds.(*tlsCreds)
	require.True(t, ok)
	assert.Equal(t, []string{"h2"}, tc.config.NextProtos)
	assert.Equal(t, "example.com", tc.config.ServerName)
}

func TestNewTLSDoesNotMutateCallerConfig(t *testing.T) {
	original := &tls.Config{ServerName: "example.com"}
	NewTLS(original)
	assert.Nil(t, original.NextProtos, "NewTLS must clone the config before mutating it")
}

func TestNewTLSWithNilConfig(t *testing.T) {
	creds := NewTLS(nil)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)
}

func TestOverrideServerNameUpdatesProtocolInfo(t *testing.T) {
	creds := NewTLS(&tls.Config{})
	require.NoError(t, creds.OverrideServerName("override.example.com"))
	assert.Equal(t, "override.example.com", creds.Info().ServerName)
}

func TestCloneProducesIndependentConfig(t *testing.T) {
	creds := NewTLS(&tls.Config{ServerName: "a.example.com"})
	clone := creds.Clone()

	require.NoError(t, clone.OverrideServerName("b.example.com"))
	assert.Equal(t, "a.example.com", creds.Info().ServerName)
	assert.Equal(t, "b.example.com", clone.Info().ServerName)
}

func TestTLSInfoAuthType(t *testing.T) {
	var info TLSInfo
	assert.Equal(t, "tls", info.AuthType())
}
