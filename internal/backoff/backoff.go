/*
 *
 * Copyright 2018 gRPC authors.
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

// Package backoff implements the policy-provider abstraction the
// subchannel connectivity state machine uses between repeated connection
// failures.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the methodology for backing off after a connection
// failure.
type Strategy interface {
	// Backoff returns the amount of time to wait before the retryAttempt-th
	// retry (0-indexed: the first retry after the initial failure is
	// retryAttempt==0).
	Backoff(retryAttempt int) time.Duration
}

// Config defines the parameters for the default exponential backoff
// strategy, matching grpc's documented connection backoff:
// https://github.com/grpc/grpc/blob/master/doc/connection-backoff.md
type Config struct {
	// BaseDelay is the amount of time to wait before retrying after the
	// first failure.
	BaseDelay time.Duration
	// Multiplier is the factor with which to multiply backoffs after a
	// failed retry.
	Multiplier float64
	// Jitter is the factor with which backoffs are randomized.
	Jitter float64
	// MaxDelay is the upper bound of backoff delay.
	MaxDelay time.Duration
}

// DefaultConfig is a reasonable default for Config, matching grpc-go's own
// defaults.
var DefaultConfig = Config{
	BaseDelay:  1.0 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

// Exponential implements exponential backoff algorithm as defined in
// https://github.com/grpc/grpc/blob/master/doc/connection-backoff.md.
type Exponential struct {
	Config Config
}

// Backoff returns the amount of time to wait before the retryAttempt-th
// retry. It is reset (conceptually, by starting retryAttempt back at 0)
// whenever the caller sees a successful connection.
func (bc Exponential) Backoff(retryAttempt int) time.Duration {
	if retryAttempt == 0 {
		return bc.Config.BaseDelay
	}
	backoff, max := float64(bc.Config.BaseDelay), float64(bc.Config.MaxDelay)
	for backoff < max && retryAttempt > 0 {
		backoff *= bc.Config.Multiplier
		retryAttempt--
	}
	if backoff > max {
		backoff = max
	}
	// Randomize backoff delays so that if a cluster of requests start at
	// the same time, they won't operate in lockstep.
	backoff *= 1 + bc.Config.Jitter*(rand.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
