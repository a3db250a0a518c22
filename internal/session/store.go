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

// Package session holds the session lifecycle state machine: login, idle
// timeout, lock, unlock and logout, kept consistent across tabs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/portal/session-runtime/internal/crosstab"
	"github.com/wso2/api-platform/portal/session-runtime/internal/idle"
	"github.com/wso2/api-platform/portal/session-runtime/internal/sched"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const backgroundTimeout = 15 * time.Second

// Broadcaster carries the logout pulse between tabs.
type Broadcaster interface {
	Broadcast(ctx context.Context) error
	Start(ctx context.Context, onPulse func(crosstab.Pulse)) error
	Stop()
}

type LoginResult struct {
	User             *core.UserIdentity
	Requires2FA      bool
	Requires2FASetup bool
}

type LogoutOptions struct {
	// Silent skips the redirect to the login surface.
	Silent bool
	Reason string
}

type Option func(*Store)

func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Store) { s.pulse = b }
}

func WithNavigator(n core.Navigator) Option {
	return func(s *Store) { s.nav = n }
}

func WithInputSource(src idle.InputSource) Option {
	return func(s *Store) { s.input = src }
}

// Store is the single source of truth for identity, lock state and session
// settings.
//
// Every mutation advances mutSeq when it starts and again when it commits.
// Passive reads do not. A
// Login or Unlock result commits only if it is still the newest mutation; a
// CheckAuth result commits only if no mutation happened while it was in
// flight and no later CheckAuth already committed.
type Store struct {
	cfg     config.SessionConfig
	api     core.AuthAPI
	pulse   Broadcaster
	nav     core.Navigator
	input   idle.InputSource
	clock   clock.Clock
	logger  *slog.Logger
	tracker *idle.Tracker
	monitor *idle.Monitor
	grace   *sched.Timer

	mu          sync.Mutex
	state       core.SessionState
	mutSeq      uint64
	readSeq     uint64
	readApplied uint64
	inFlight    bool
	graceOn     bool
	graceGen    uint64
	started     bool
	listeners   map[int]func(core.SessionState)
	nextID      int
}

func New(cfg config.SessionConfig, api core.AuthAPI, opts ...Option) *Store {
	s := &Store{
		cfg:       cfg,
		api:       api,
		listeners: make(map[int]func(core.SessionState)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	s.tracker = idle.NewTracker(s.clock)
	s.monitor = idle.NewMonitor(s.clock, cfg.PollInterval, s.tracker, s, s.logger.With("component", "idle"))
	s.grace = sched.NewTimer(s.clock)
	return s
}

// Start attaches the input source and the cross-tab pulse and arms the idle
// monitor for the current state. It does not resync with the server; call
// CheckAuth for that. Timers only run between Start and Stop.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.monitor.Apply(paramsFor(s.state))
	s.mu.Unlock()

	s.tracker.Start(s.input)
	if s.pulse != nil {
		if err := s.pulse.Start(ctx, s.onPulse); err != nil {
			s.tracker.Stop()
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			s.monitor.Stop()
			return fmt.Errorf("start cross-tab sync: %w", err)
		}
	}
	return nil
}

// Stop tears down every timer and subscription. Session state is kept.
// Requests still in flight are superseded and their results dropped.
func (s *Store) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.mutSeq++
	s.cancelGraceLocked()
	s.mu.Unlock()

	s.monitor.Stop()
	if !wasStarted {
		return
	}
	s.tracker.Stop()
	if s.pulse != nil {
		s.pulse.Stop()
	}
}

func (s *Store) State() core.SessionState {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	st.LastActivityAt = s.tracker.LastActivity()
	return st
}

func (s *Store) Identity() (core.UserIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LockState != core.Unlocked || s.state.Identity == nil {
		return core.UserIdentity{}, false
	}
	return *s.state.Identity, true
}

// Subscribe registers fn for every committed transition. fn runs on the
// goroutine that made the change, without store locks held.
func (s *Store) Subscribe(fn func(core.SessionState)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// RecordActivity forwards raw input to the tracker.
func (s *Store) RecordActivity(kind idle.InputKind) {
	s.tracker.Record(kind)
}

// CheckAuth resyncs with the server and returns the resulting lock state.
// Any response other than authenticated or locked maps to Unauthenticated.
func (s *Store) CheckAuth(ctx context.Context) core.LockState {
	s.mu.Lock()
	s.readSeq++
	read, mut := s.readSeq, s.mutSeq
	def := core.SessionSettings{TimeoutMinutes: s.cfg.DefaultTimeoutMinutes, RememberMe: s.state.Settings.RememberMe}
	s.mu.Unlock()

	next := core.SessionState{LockState: core.Unauthenticated}
	status, err := s.api.SessionStatus(ctx)
	var lockErr *core.ServerLockError
	switch {
	case errors.As(err, &lockErr):
		snap := lockErr.Snapshot
		next = core.SessionState{LockState: core.Locked, Snapshot: &snap, Settings: def}
	case err != nil:
		s.logger.Warn("session status failed, treating as unauthenticated", "error", err)
	case status.Status == core.SessionStatusLocked && status.User != nil:
		snap := status.User.Snapshot()
		next = core.SessionState{LockState: core.Locked, Snapshot: &snap, Settings: status.Settings(def)}
	case status.Authenticated && status.User != nil:
		user := *status.User
		next = core.SessionState{LockState: core.Unlocked, Identity: &user, Settings: status.Settings(def)}
	}

	s.mu.Lock()
	if mut != s.mutSeq || read <= s.readApplied {
		current := s.state.LockState
		s.mu.Unlock()
		s.logger.Debug("discarding stale session status", "lock_state", next.LockState)
		return current
	}
	s.readApplied = read
	if next.LockState != core.Unlocked {
		s.cancelGraceLocked()
	}
	notify := s.commitLocked(next)
	s.mu.Unlock()

	notify()
	return next.LockState
}

// Login authenticates with username and password. On success the store is
// Unlocked with settings fetched from the session-status endpoint. A login
// that needs a second factor reports it without changing state.
func (s *Store) Login(ctx context.Context, username, password string, rememberMe bool) (LoginResult, error) {
	token, err := s.begin()
	if err != nil {
		return LoginResult{}, err
	}
	defer s.end()

	resp, err := s.api.Login(ctx, core.LoginRequest{Username: username, Password: password, RememberMe: rememberMe})
	if err != nil {
		s.logger.Info("login failed", "username", username, "error", err)
		return LoginResult{}, err
	}
	result := LoginResult{User: resp.User, Requires2FA: resp.Requires2FA, Requires2FASetup: resp.Requires2FASetup}
	if resp.Requires2FA || resp.Requires2FASetup {
		s.logger.Info("login requires second factor", "username", username)
		return result, nil
	}
	if resp.User == nil {
		return LoginResult{}, &core.NetworkError{Op: "login", Err: errors.New("response carries no user")}
	}

	settings := s.fetchSettings(ctx, core.SessionSettings{TimeoutMinutes: s.cfg.DefaultTimeoutMinutes, RememberMe: rememberMe})
	user := *resp.User

	s.mu.Lock()
	if token != s.mutSeq {
		s.mu.Unlock()
		return LoginResult{}, fmt.Errorf("login: %w", core.ErrStaleResponse)
	}
	s.tracker.Reset()
	notify := s.mutateLocked(core.SessionState{LockState: core.Unlocked, Identity: &user, Settings: settings})
	s.mu.Unlock()

	s.logger.Info("login succeeded",
		"username", user.Username,
		"timeout_minutes", settings.TimeoutMinutes,
		"remember_me", settings.RememberMe,
	)
	notify()
	return result, nil
}

// Unlock re-authenticates a Locked session with the password alone.
func (s *Store) Unlock(ctx context.Context, password string) error {
	s.mu.Lock()
	if s.state.LockState != core.Locked {
		s.mu.Unlock()
		return core.ErrNotLocked
	}
	def := s.state.Settings
	s.mu.Unlock()

	token, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end()

	resp, err := s.api.Unlock(ctx, password)
	if err != nil {
		s.logger.Info("unlock failed", "error", err)
		return err
	}

	status, statusErr := s.api.SessionStatus(ctx)
	user := resp.User
	if user == nil && statusErr == nil && status.Authenticated {
		user = status.User
	}
	if user == nil {
		return &core.NetworkError{Op: "unlock-session", Err: errors.New("response carries no user")}
	}
	settings := def
	if statusErr == nil && status.Authenticated {
		settings = status.Settings(def)
	}
	identity := *user

	s.mu.Lock()
	if token != s.mutSeq || s.state.LockState != core.Locked {
		s.mu.Unlock()
		return fmt.Errorf("unlock: %w", core.ErrStaleResponse)
	}
	s.tracker.Reset()
	s.startGraceLocked()
	notify := s.mutateLocked(core.SessionState{LockState: core.Unlocked, Identity: &identity, Settings: settings})
	s.mu.Unlock()

	s.logger.Info("session unlocked", "username", identity.Username)
	notify()
	return nil
}

// Logout always clears local state and pulses other tabs, then tells the
// server. Server failure is logged and swallowed. Safe to call repeatedly.
func (s *Store) Logout(ctx context.Context, opts LogoutOptions) {
	s.logoutLocal(opts.Reason, true)

	if s.pulse != nil {
		if err := s.pulse.Broadcast(ctx); err != nil {
			s.logger.Warn("logout pulse failed", "error", err)
		}
	}
	if err := s.api.Logout(ctx); err != nil {
		s.logger.Warn("server logout failed", "error", err)
	}
	if !opts.Silent && s.nav != nil {
		s.nav.ToLogin(opts.Reason)
	}
}

// logoutLocal clears the session and reports whether it was authenticated.
// Unless force is set, an already unauthenticated store is left untouched so
// an in-flight login is not superseded.
func (s *Store) logoutLocal(reason string, force bool) bool {
	s.mu.Lock()
	wasAuthenticated := s.state.LockState != core.Unauthenticated
	s.cancelGraceLocked()
	if !wasAuthenticated && !force {
		s.mu.Unlock()
		return false
	}
	notify := s.mutateLocked(core.SessionState{LockState: core.Unauthenticated, Reason: reason})
	s.mu.Unlock()

	if wasAuthenticated {
		s.logger.Info("session cleared", "reason", reason)
	}
	notify()
	return wasAuthenticated
}

// HandleServerLock moves an Unlocked session to Locked with the snapshot the
// server sent. It is ignored in any other state.
func (s *Store) HandleServerLock(snapshot core.LockedSnapshot) {
	s.mu.Lock()
	if s.state.LockState != core.Unlocked {
		s.mu.Unlock()
		return
	}
	if snapshot.Username == "" && s.state.Identity != nil {
		snapshot = s.state.Identity.Snapshot()
	}
	s.cancelGraceLocked()
	notify := s.mutateLocked(core.SessionState{LockState: core.Locked, Snapshot: &snapshot, Settings: s.state.Settings})
	s.mu.Unlock()

	s.logger.Info("session locked by server", "username", snapshot.Username)
	notify()
}

// HandleUnauthorized drops an authenticated session after a plain 401.
func (s *Store) HandleUnauthorized() {
	if !s.logoutLocal(core.ReasonUnauthorized, false) {
		return
	}
	if s.nav != nil {
		s.nav.ToLogin(core.ReasonUnauthorized)
	}
}

// IdleGrace reports whether an unlock happened within the grace window.
func (s *Store) IdleGrace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graceOn
}

// IdleExpired is called by the monitor once the timeout elapsed. State is
// re-checked because it may have changed while the monitor was deciding.
func (s *Store) IdleExpired(p idle.Params) {
	s.mu.Lock()
	st := s.state
	if !s.started || st.LockState != core.Unlocked || st.Identity == nil {
		s.mu.Unlock()
		return
	}
	if st.Settings.TimeoutMinutes != p.TimeoutMinutes || st.Settings.RememberMe != p.RememberMe ||
		s.tracker.IdleFor() < p.Timeout() {
		s.monitor.Apply(paramsFor(st))
		s.mu.Unlock()
		return
	}

	if !p.RememberMe {
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		s.logger.Info("idle timeout, logging out", "username", st.Identity.Username)
		s.Logout(ctx, LogoutOptions{Reason: core.ReasonSessionExpired})
		return
	}

	snap := st.Identity.Snapshot()
	notify := s.mutateLocked(core.SessionState{LockState: core.Locked, Snapshot: &snap, Settings: st.Settings})
	s.mu.Unlock()

	s.logger.Info("idle timeout, session locked", "username", snap.Username)
	notify()
}

func (s *Store) onPulse(p crosstab.Pulse) {
	if p.Self {
		return
	}
	if !s.logoutLocal(core.ReasonLoggedOutElsewhere, false) {
		return
	}
	if s.nav != nil {
		s.nav.ToLogin(core.ReasonLoggedOutElsewhere)
	}
}

// begin reserves the credential slot and opens a mutation.
func (s *Store) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return 0, core.ErrRequestInFlight
	}
	s.inFlight = true
	s.mutSeq++
	return s.mutSeq, nil
}

func (s *Store) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Store) fetchSettings(ctx context.Context, def core.SessionSettings) core.SessionSettings {
	status, err := s.api.SessionStatus(ctx)
	if err != nil {
		s.logger.Warn("session settings unavailable, using defaults", "error", err)
		return def
	}
	if !status.Authenticated {
		return def
	}
	return status.Settings(def)
}

func (s *Store) startGraceLocked() {
	if s.cfg.UnlockGrace <= 0 || !s.started {
		return
	}
	s.graceGen++
	gen := s.graceGen
	s.graceOn = true
	s.grace.Schedule(s.cfg.UnlockGrace, func() { s.graceExpired(gen) })
}

// graceExpired closes the grace window gen. A newer window may have opened
// after the timer released this callback; it is left alone.
func (s *Store) graceExpired(gen uint64) {
	s.mu.Lock()
	if s.graceGen == gen {
		s.graceOn = false
	}
	s.mu.Unlock()
}

func (s *Store) cancelGraceLocked() {
	s.grace.Cancel()
	s.graceGen++
	s.graceOn = false
}

// mutateLocked commits next as a mutation, superseding every request that
// is still in flight.
func (s *Store) mutateLocked(next core.SessionState) func() {
	s.mutSeq++
	return s.commitLocked(next)
}

// commitLocked installs next, reschedules the monitor while the store is
// started and returns the listener fan-out to run once the lock is released.
func (s *Store) commitLocked(next core.SessionState) func() {
	prev := s.state.LockState
	s.state = next
	if s.started {
		s.monitor.Apply(paramsFor(next))
	}

	if prev != next.LockState {
		s.logger.Info("lock state changed", "from", prev, "to", next.LockState, "reason", next.Reason)
	}

	fns := make([]func(core.SessionState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	snapshot := next
	return func() {
		snapshot.LastActivityAt = s.tracker.LastActivity()
		for _, fn := range fns {
			fn(snapshot)
		}
	}
}

func paramsFor(st core.SessionState) idle.Params {
	return idle.Params{
		Active:         st.LockState == core.Unlocked,
		TimeoutMinutes: st.Settings.TimeoutMinutes,
		RememberMe:     st.Settings.RememberMe,
	}
}
