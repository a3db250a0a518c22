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

// Package crosstab broadcasts logout to every open tab through a storage
// pulse: one key written with a fresh value and cleared shortly after.
package crosstab

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/portal/session-runtime/internal/sched"
)

const clearTimeout = 2 * time.Second

// Pulse is an observed write of the pulse key.
type Pulse struct {
	Value  string
	Origin string
	Self   bool
}

type Sync struct {
	storage    Storage
	key        string
	clearAfter time.Duration
	tabID      string
	clock      clock.Clock
	clear      *sched.Timer
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSync(storage Storage, key string, clearAfter time.Duration, tabID string, clk clock.Clock, logger *slog.Logger) *Sync {
	if clk == nil {
		clk = clock.New()
	}
	return &Sync{
		storage:    storage,
		key:        key,
		clearAfter: clearAfter,
		tabID:      tabID,
		clock:      clk,
		clear:      sched.NewTimer(clk),
		logger:     logger,
	}
}

// Broadcast writes a fresh value to the pulse key and schedules its removal.
func (s *Sync) Broadcast(ctx context.Context) error {
	value := fmt.Sprintf("%d:%s", s.clock.Now().UnixNano(), s.tabID)
	if err := s.storage.Set(ctx, s.key, value); err != nil {
		return fmt.Errorf("write pulse: %w", err)
	}
	s.clear.Schedule(s.clearAfter, s.removePulse)
	s.logger.Debug("logout pulse written", "key", s.key, "tab_id", s.tabID)
	return nil
}

func (s *Sync) removePulse() {
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := s.storage.Remove(ctx, s.key); err != nil {
		s.logger.Warn("clear pulse failed", "key", s.key, "error", err)
	}
}

// Start delivers every write of the pulse key to onPulse. Removals and
// other keys are ignored, so clearing the pulse never reads as a new one.
func (s *Sync) Start(ctx context.Context, onPulse func(Pulse)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := s.storage.Subscribe(subCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe storage: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(events, onPulse, s.done)
	return nil
}

func (s *Sync) loop(events <-chan Event, onPulse func(Pulse), done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pulse handler panic recovered", "error", r)
		}
	}()
	for evt := range events {
		if evt.Key != s.key || evt.Removal() {
			continue
		}
		p := s.parse(evt.Value)
		s.logger.Info("logout pulse observed", "origin", p.Origin, "self", p.Self)
		onPulse(p)
	}
}

func (s *Sync) parse(value string) Pulse {
	p := Pulse{Value: value}
	if stamp, origin, ok := strings.Cut(value, ":"); ok {
		if _, err := strconv.ParseInt(stamp, 10, 64); err == nil {
			p.Origin = origin
		}
	}
	p.Self = p.Origin != "" && p.Origin == s.tabID
	return p
}

// Stop detaches from storage and flushes a pending clear.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if s.clear.Pending() {
		s.clear.Cancel()
		s.removePulse()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}
