// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package sched holds the one timer primitive every cooperative timer in the
// runtime is built on, plus the pure reconnect delay policy.
package sched

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer runs at most one pending callback. Schedule replaces any pending
// callback; Cancel is synchronous: once it returns, a callback whose timer
// already fired but has not yet run will observe a stale token and return
// without running.
type Timer struct {
	clock clock.Clock

	mu      sync.Mutex
	pending *clock.Timer
	token   uint64
}

func NewTimer(clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clock: clk}
}

func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.token++
	token := t.token
	t.pending = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if token != t.token || t.pending == nil {
			t.mu.Unlock()
			return
		}
		t.pending = nil
		t.mu.Unlock()
		fn()
	})
}

func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.token++
}

func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Timer) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Backoff computes reconnect delays as min(Base * 2^attempt, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
