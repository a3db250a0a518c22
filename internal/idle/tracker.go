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

// Package idle records user activity and decides when an unlocked session
// has been idle long enough to lock or log out.
package idle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type InputKind int

const (
	InputPointer InputKind = iota
	InputKey
	InputScroll
	InputTouch
	InputFocus
	InputResize
)

func (k InputKind) String() string {
	switch k {
	case InputPointer:
		return "pointer"
	case InputKey:
		return "key"
	case InputScroll:
		return "scroll"
	case InputTouch:
		return "touch"
	case InputFocus:
		return "focus"
	case InputResize:
		return "resize"
	default:
		return "unknown"
	}
}

// Qualifies reports whether the input counts as genuine user activity.
func (k InputKind) Qualifies() bool {
	switch k {
	case InputPointer, InputKey, InputScroll, InputTouch:
		return true
	}
	return false
}

// InputSource delivers raw input events from the UI surface.
type InputSource interface {
	Subscribe(fn func(InputKind)) (unsubscribe func())
}

// Tracker holds the timestamp of the last qualifying input. The timestamp
// never moves backwards.
type Tracker struct {
	clock clock.Clock

	mu    sync.Mutex
	last  time.Time
	unsub func()
}

func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{clock: clk, last: clk.Now()}
}

// Record stamps now for qualifying input and ignores everything else.
func (t *Tracker) Record(kind InputKind) bool {
	if !kind.Qualifies() {
		return false
	}
	t.touch()
	return true
}

// Reset stamps now regardless of input; used after login and unlock.
func (t *Tracker) Reset() {
	t.touch()
}

func (t *Tracker) touch() {
	now := t.clock.Now()
	t.mu.Lock()
	if now.After(t.last) {
		t.last = now
	}
	t.mu.Unlock()
}

func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Tracker) IdleFor() time.Duration {
	return t.clock.Now().Sub(t.LastActivity())
}

// Start subscribes to src. Calling Start again replaces the previous source.
func (t *Tracker) Start(src InputSource) {
	if src == nil {
		return
	}
	unsub := src.Subscribe(func(kind InputKind) { t.Record(kind) })

	t.mu.Lock()
	prev := t.unsub
	t.unsub = unsub
	t.mu.Unlock()

	if prev != nil {
		prev()
	}
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
