/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 60 * time.Second

	backoffMultiplier = 2.0
)

// Backoff computes the Cooldown delay between login attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("backoff base must be a positive duration")
	}
	if b.Max < b.Base {
		return fmt.Errorf("backoff max (%s) must be >= base (%s)", b.Max, b.Base)
	}
	return nil
}

// Delay returns the delay after failedAttempt has completed:
// min(Base * 2^(failedAttempt-1), Max).
func (b Backoff) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	delay := float64(b.Base) * math.Pow(backoffMultiplier, float64(failedAttempt-1))
	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 1)) {
		return b.Max
	}
	if delay <= 0 || delay > float64(math.MaxInt64) {
		return b.Base
	}
	return time.Duration(delay)
}
