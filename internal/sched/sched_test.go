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

package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelaySequence(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second}

	prev := time.Duration(0)
	for i := 1; i <= 5; i++ {
		want := time.Duration(1<<i) * time.Second
		if want > b.Cap {
			want = b.Cap
		}
		got := b.NextDelay(i)
		assert.Equal(t, want, got, "attempt %d", i)
		assert.GreaterOrEqual(t, got, prev, "delays must not decrease")
		prev = got
	}
	assert.Equal(t, time.Second, b.NextDelay(0))
}

func TestNextDelayCapsLargeAttempts(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.NextDelay(200))
	assert.Equal(t, time.Second, b.NextDelay(-3))
}

func TestNextDelayWithoutCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond}
	assert.Equal(t, 800*time.Millisecond, b.NextDelay(3))
	assert.Equal(t, time.Duration(0), Backoff{}.NextDelay(4))
}

func TestTimerFires(t *testing.T) {
	mock := clock.NewMock()
	timer := NewTimer(mock)

	var fired atomic.Int32
	timer.Schedule(time.Second, func() { fired.Add(1) })
	require.True(t, timer.Pending())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, timer.Pending())
}

func TestTimerCancel(t *testing.T) {
	mock := clock.NewMock()
	timer := NewTimer(mock)

	var fired atomic.Int32
	timer.Schedule(time.Second, func() { fired.Add(1) })
	timer.Cancel()
	timer.Cancel()

	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, timer.Pending())
}

func TestTimerScheduleReplacesPending(t *testing.T) {
	mock := clock.NewMock()
	timer := NewTimer(mock)

	var first, second atomic.Int32
	timer.Schedule(time.Second, func() { first.Add(1) })
	timer.Schedule(2*time.Second, func() { second.Add(1) })

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}
