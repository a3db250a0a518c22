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

// Package lockscreen gates password-only re-entry to a locked session.
package lockscreen

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wso2/api-platform/portal/session-runtime/internal/session"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const DefaultMaxAttempts = 5

// Session is the part of the store the gate drives.
type Session interface {
	State() core.SessionState
	Unlock(ctx context.Context, password string) error
	Logout(ctx context.Context, opts session.LogoutOptions)
	Subscribe(fn func(core.SessionState)) func()
}

type SubmitResult struct {
	Unlocked     bool
	Remaining    int
	ForcedLogout bool
	Err          error
}

// Gate is visible exactly while the session is Locked. It counts
// consecutive rejected passwords within one lock episode and forces a full
// logout at the limit, whatever the remember-me preference. The count starts
// over whenever the session leaves Locked, however that happens.
type Gate struct {
	session Session
	max     int
	logger  *slog.Logger
	unsub   func()

	mu     sync.Mutex
	failed int
}

func New(s Session, maxAttempts int, logger *slog.Logger) *Gate {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	g := &Gate{session: s, max: maxAttempts, logger: logger.With("component", "lockscreen")}
	g.unsub = s.Subscribe(g.onSessionChange)
	return g
}

// Close detaches the gate from the session.
func (g *Gate) Close() {
	g.mu.Lock()
	unsub := g.unsub
	g.unsub = nil
	g.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (g *Gate) onSessionChange(st core.SessionState) {
	if st.LockState == core.Locked {
		return
	}
	g.mu.Lock()
	g.failed = 0
	g.mu.Unlock()
}

func (g *Gate) Visible() bool {
	return g.session.State().LockState == core.Locked
}

// Snapshot is what the lock screen may render.
func (g *Gate) Snapshot() (core.LockedSnapshot, bool) {
	st := g.session.State()
	if st.LockState != core.Locked || st.Snapshot == nil {
		return core.LockedSnapshot{}, false
	}
	return *st.Snapshot, true
}

func (g *Gate) FailedAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed
}

// Submit tries password. Only a rejected password counts as a failed
// attempt; transport failures and superseded requests leave the counter
// alone.
func (g *Gate) Submit(ctx context.Context, password string) SubmitResult {
	if !g.Visible() {
		return SubmitResult{Err: core.ErrNotLocked}
	}

	err := g.session.Unlock(ctx, password)
	if err == nil {
		g.mu.Lock()
		g.failed = 0
		g.mu.Unlock()
		return SubmitResult{Unlocked: true, Remaining: g.max}
	}

	if !errors.Is(err, core.ErrInvalidCredentials) {
		g.mu.Lock()
		remaining := g.max - g.failed
		g.mu.Unlock()
		return SubmitResult{Remaining: remaining, Err: err}
	}

	g.mu.Lock()
	g.failed++
	failed := g.failed
	forced := failed >= g.max
	if forced {
		g.failed = 0
	}
	g.mu.Unlock()

	if !forced {
		remaining := g.max - failed
		g.logger.Info("unlock rejected", "failed_attempts", failed, "remaining", remaining)
		return SubmitResult{Remaining: remaining, Err: err}
	}

	g.logger.Warn("unlock attempts exhausted, forcing logout", "failed_attempts", failed)
	g.session.Logout(ctx, session.LogoutOptions{Reason: core.ReasonTooManyUnlockAttempts})
	return SubmitResult{
		ForcedLogout: true,
		Err:          &core.SessionError{Kind: core.ErrTooManyUnlockAttempts},
	}
}
