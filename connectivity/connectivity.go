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

// Package connectivity defines the connectivity semantics of subchannels
// and channels, mirroring the state machine in the core spec: IDLE ->
// CONNECTING -> READY, with TRANSIENT_FAILURE and terminal SHUTDOWN.
package connectivity

// State is a connectivity state of a subchannel or a channel.
type State int

const (
	// Idle means the entity isn't attempting to connect.
	Idle State = iota
	// Connecting means the entity is attempting to connect.
	Connecting
	// Ready means the entity has a usable connection.
	Ready
	// TransientFailure means the entity has seen a failure but expects to
	// recover.
	TransientFailure
	// Shutdown means the entity has stopped permanently. Terminal.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "INVALID_STATE"
	}
}
