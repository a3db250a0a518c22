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

package idle

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	grace   atomic.Bool
	expired atomic.Int32
	mu      sync.Mutex
	last    Params
}

func (h *recordingHandler) IdleGrace() bool { return h.grace.Load() }

func (h *recordingHandler) IdleExpired(p Params) {
	h.mu.Lock()
	h.last = p
	h.mu.Unlock()
	h.expired.Add(1)
}

type fakeSource struct {
	mu  sync.Mutex
	fns map[int]func(InputKind)
	seq int
}

func (s *fakeSource) Subscribe(fn func(InputKind)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(InputKind))
	}
	s.seq++
	id := s.seq
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *fakeSource) emit(kind InputKind) {
	s.mu.Lock()
	fns := make([]func(InputKind), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

func newTestMonitor(mock *clock.Mock) (*Monitor, *Tracker, *recordingHandler) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := NewTracker(mock)
	h := &recordingHandler{}
	return NewMonitor(mock, 10*time.Second, tracker, h, logger), tracker, h
}

func TestTrackerRecordsQualifyingInput(t *testing.T) {
	mock := clock.NewMock()
	tracker := NewTracker(mock)
	start := tracker.LastActivity()

	mock.Add(time.Minute)
	assert.False(t, tracker.Record(InputFocus))
	assert.False(t, tracker.Record(InputResize))
	assert.Equal(t, start, tracker.LastActivity())

	for _, kind := range []InputKind{InputPointer, InputKey, InputScroll, InputTouch} {
		mock.Add(time.Second)
		assert.True(t, tracker.Record(kind), kind.String())
		assert.Equal(t, mock.Now(), tracker.LastActivity())
	}
}

func TestTrackerNeverMovesBackwards(t *testing.T) {
	mock := clock.NewMock()
	tracker := NewTracker(mock)
	mock.Add(time.Hour)
	tracker.Reset()
	latest := tracker.LastActivity()

	mock.Set(mock.Now().Add(-30 * time.Minute))
	tracker.Record(InputKey)
	assert.Equal(t, latest, tracker.LastActivity())
}

func TestTrackerStartStop(t *testing.T) {
	mock := clock.NewMock()
	tracker := NewTracker(mock)
	src := &fakeSource{}

	tracker.Start(src)
	mock.Add(time.Minute)
	src.emit(InputPointer)
	assert.Equal(t, mock.Now(), tracker.LastActivity())

	tracker.Stop()
	tracker.Stop()
	stamped := tracker.LastActivity()
	mock.Add(time.Minute)
	src.emit(InputPointer)
	assert.Equal(t, stamped, tracker.LastActivity())
}

func TestMonitorNeverStartsWithoutTimeout(t *testing.T) {
	for _, minutes := range []int{0, -1, -30} {
		mock := clock.NewMock()
		m, _, h := newTestMonitor(mock)

		m.Apply(Params{Active: true, TimeoutMinutes: minutes, RememberMe: true})
		assert.False(t, m.Running(), "timeout %d", minutes)

		mock.Add(24 * time.Hour)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(0), h.expired.Load())
	}
}

func TestMonitorNeverStartsWhenInactive(t *testing.T) {
	mock := clock.NewMock()
	m, _, _ := newTestMonitor(mock)
	m.Apply(Params{Active: false, TimeoutMinutes: 5})
	assert.False(t, m.Running())
}

func TestMonitorExpiresOnce(t *testing.T) {
	mock := clock.NewMock()
	m, _, h := newTestMonitor(mock)

	m.Apply(Params{Active: true, TimeoutMinutes: 1, RememberMe: true})
	require.True(t, m.Running())

	mock.Add(61 * time.Second)
	require.Eventually(t, func() bool { return h.expired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Running())

	mock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.expired.Load())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.last.RememberMe)
}

func TestMonitorActivityPostponesExpiry(t *testing.T) {
	mock := clock.NewMock()
	m, tracker, h := newTestMonitor(mock)
	m.Apply(Params{Active: true, TimeoutMinutes: 1})

	for i := 0; i < 5; i++ {
		mock.Add(30 * time.Second)
		tracker.Record(InputKey)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.expired.Load())
	assert.True(t, m.Running())
}

func TestMonitorGraceSuppressesTicks(t *testing.T) {
	mock := clock.NewMock()
	m, _, h := newTestMonitor(mock)
	h.grace.Store(true)
	m.Apply(Params{Active: true, TimeoutMinutes: 1})

	mock.Add(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.expired.Load())

	h.grace.Store(false)
	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return h.expired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitorApplyReplacesSchedule(t *testing.T) {
	mock := clock.NewMock()
	m, _, h := newTestMonitor(mock)

	for i := 0; i < 10; i++ {
		m.Apply(Params{Active: true, TimeoutMinutes: 1})
	}
	mock.Add(5 * time.Minute)
	require.Eventually(t, func() bool { return h.expired.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.expired.Load())
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	m, _, h := newTestMonitor(mock)
	m.Apply(Params{Active: true, TimeoutMinutes: 1})
	m.Stop()
	m.Stop()
	assert.False(t, m.Running())

	mock.Add(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.expired.Load())
}
