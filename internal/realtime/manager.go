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

// Package realtime keeps one resilient WebSocket per chat room and turns its
// frames into typed observer calls.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/portal/session-runtime/internal/logging"
	"github.com/wso2/api-platform/portal/session-runtime/internal/sched"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithFrameLogger(f *logging.FrameLogger) Option {
	return func(m *Manager) { m.frames = f }
}

// WithIdentity makes Connect refuse to open rooms without an
// authenticated user.
func WithIdentity(src core.IdentitySource) Option {
	return func(m *Manager) { m.identity = src }
}

type Manager struct {
	dialer   Dialer
	clock    clock.Clock
	frames   *logging.FrameLogger
	identity core.IdentitySource
	logger   *slog.Logger
	rooms    roomTable

	mu     sync.RWMutex
	policy Policy
	window int
}

func NewManager(cfg config.RealtimeConfig, dialer Dialer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer: dialer,
		logger: logger.With("component", "realtime"),
	}
	m.SetPolicy(cfg)
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	return m
}

// SetPolicy replaces the backoff policy. Channels read it when they schedule
// their next retry; the dedupe window applies to rooms opened afterwards.
func (m *Manager) SetPolicy(cfg config.RealtimeConfig) {
	m.mu.Lock()
	m.policy = Policy{
		Backoff:     sched.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		MaxAttempts: cfg.MaxAttempts,
	}
	m.window = cfg.DedupeWindow
	m.mu.Unlock()
}

func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Connect returns the room's channel, opening it if needed. The socket is
// dialled in the background; observe the channel for Open. Cancelling ctx
// disconnects the channel.
func (m *Manager) Connect(ctx context.Context, room string) (*Channel, error) {
	if room == "" {
		return nil, core.ErrRoomRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user := ""
	if m.identity != nil {
		id, ok := m.identity.Identity()
		if !ok {
			return nil, fmt.Errorf("%w: room=%s", core.ErrNotAuthenticated, room)
		}
		user = id.Username
	}

	m.mu.RLock()
	window := m.window
	m.mu.RUnlock()

	ch := newChannel(room, m.dialer, m.clock, m.Policy, window, m.frames, m.logger, m.rooms.release)
	existing, loaded := m.rooms.claim(room, ch)
	if loaded {
		ch.cancel()
		return existing, nil
	}

	ch.bindContext(ctx)
	m.logger.Info("connecting room", "room", room, "user", user)
	ch.start()
	return ch, nil
}

func (m *Manager) Channel(room string) (*Channel, bool) {
	return m.rooms.lookup(room)
}

func (m *Manager) Rooms() []string {
	return m.rooms.names()
}

func (m *Manager) DisconnectAll() {
	for _, ch := range m.rooms.all() {
		ch.Disconnect()
	}
}
