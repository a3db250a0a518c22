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
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultPollInterval = 10 * time.Second

// Params is the slice of session state the monitor schedules on.
type Params struct {
	Active         bool
	TimeoutMinutes int
	RememberMe     bool
}

func (p Params) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

func (p Params) enabled() bool {
	return p.Active && p.TimeoutMinutes > 0
}

// Handler is called from the monitor goroutine without any monitor lock
// held, so it may call back into Apply or Stop.
type Handler interface {
	// IdleGrace suppresses a tick while it returns true.
	IdleGrace() bool
	// IdleExpired is called once per schedule when the timeout elapses.
	IdleExpired(p Params)
}

// Monitor polls the tracker while its params are enabled. A ticker exists
// only while Active and TimeoutMinutes > 0, and there is never more than one.
type Monitor struct {
	clock    clock.Clock
	interval time.Duration
	tracker  *Tracker
	handler  Handler
	logger   *slog.Logger

	mu     sync.Mutex
	params Params
	gen    uint64
	stop   chan struct{}
}

func NewMonitor(clk clock.Clock, interval time.Duration, tracker *Tracker, handler Handler, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		clock:    clk,
		interval: interval,
		tracker:  tracker,
		handler:  handler,
		logger:   logger,
	}
}

// Apply cancels any running schedule and starts a new one if p is enabled.
func (m *Monitor) Apply(p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.params = p
	if !p.enabled() {
		return
	}

	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	m.stop = stop
	ticker := m.clock.Ticker(m.interval)

	go m.run(gen, ticker, stop)

	m.logger.Debug("idle monitor scheduled",
		"timeout_minutes", p.TimeoutMinutes,
		"remember_me", p.RememberMe,
		"interval", m.interval,
	)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLocked()
	m.params = Params{}
	m.mu.Unlock()
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *Monitor) stopLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.gen++
}

func (m *Monitor) run(gen uint64, ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("idle monitor panic recovered", "error", r)
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.tick(gen) {
				return
			}
		}
	}
}

// tick reports whether the schedule ended.
func (m *Monitor) tick(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return true
	}
	p := m.params
	m.mu.Unlock()

	if m.handler.IdleGrace() {
		return false
	}

	if m.tracker.IdleFor() < p.Timeout() {
		return false
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return true
	}
	m.stopLocked()
	m.mu.Unlock()

	m.logger.Info("idle timeout elapsed", "timeout_minutes", p.TimeoutMinutes, "remember_me", p.RememberMe)
	m.handler.IdleExpired(p)
	return true
}
