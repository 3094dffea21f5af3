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

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffFirstAttemptIsBaseDelay(t *testing.T) {
	bc := Exponential{Config: Config{
		BaseDelay:  time.Second,
		Multiplier: 1.6,
		Jitter:     0.2,
		MaxDelay:   120 * time.Second,
	}}
	assert.Equal(t, time.Second, bc.Backoff(0))
}

func TestExponentialBackoffGrowsWithAttempt(t *testing.T) {
	bc := Exponential{Config: Config{
		BaseDelay:  time.Second,
		Multiplier: 2,
		Jitter:     0,
		MaxDelay:   120 * time.Second,
	}}
	// With zero jitter, retry N is exactly BaseDelay * Multiplier^N.
	assert.Equal(t, 2*time.Second, bc.Backoff(1))
	assert.Equal(t, 4*time.Second, bc.Backoff(2))
}

func TestExponentialBackoffCapsAtMaxDelay(t *testing.T) {
	bc := Exponential{Config: Config{
		BaseDelay:  time.Second,
		Multiplier: 2,
		Jitter:     0,
		MaxDelay:   3 * time.Second,
	}}
	assert.Equal(t, 3*time.Second, bc.Backoff(10))
}

func TestExponentialBackoffNeverNegative(t *testing.T) {
	bc := Exponential{Config: Config{
		BaseDelay:  time.Second,
		Multiplier: 1.6,
		Jitter:     0.9,
		MaxDelay:   120 * time.Second,
	}}
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, bc.Backoff(i), time.Duration(0))
	}
}
