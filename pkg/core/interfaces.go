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

package core

import (
	"context"
	"encoding/json"
)

// AuthAPI is the collaborator REST surface the session core depends on.
type AuthAPI interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)
	SessionStatus(ctx context.Context) (*SessionStatus, error)
	Unlock(ctx context.Context, password string) (*UnlockResponse, error)
	Logout(ctx context.Context) error
}

// Navigator moves the UI to the unauthenticated surface.
type Navigator interface {
	ToLogin(reason string)
}

type NavigatorFunc func(reason string)

func (f NavigatorFunc) ToLogin(reason string) { f(reason) }

// LockHandler receives out-of-band transitions decoded by the request
// interceptor.
type LockHandler interface {
	HandleServerLock(snapshot LockedSnapshot)
	HandleUnauthorized()
}

// IdentitySource exposes the authenticated identity to consumers that are
// otherwise decoupled from the session store.
type IdentitySource interface {
	Identity() (UserIdentity, bool)
}

type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type LoginResponse struct {
	User             *UserIdentity `json:"user"`
	Requires2FA      bool          `json:"requires_2fa,omitempty"`
	Requires2FASetup bool          `json:"requires_2fa_setup,omitempty"`
}

type SessionStatus struct {
	Authenticated  bool          `json:"authenticated"`
	Status         string        `json:"status,omitempty"`
	User           *UserIdentity `json:"user,omitempty"`
	TimeoutMinutes *int          `json:"session_timeout_minutes,omitempty"`
	RememberMe     *bool         `json:"remember_me,omitempty"`
}

const SessionStatusLocked = "locked"

// Settings returns the session settings carried by the status, falling back
// to def for fields the server omitted.
func (s *SessionStatus) Settings(def SessionSettings) SessionSettings {
	out := def
	if s.TimeoutMinutes != nil {
		out.TimeoutMinutes = *s.TimeoutMinutes
	}
	if s.RememberMe != nil {
		out.RememberMe = *s.RememberMe
	}
	return out
}

type UnlockResponse struct {
	Success bool          `json:"success"`
	User    *UserIdentity `json:"user,omitempty"`
}

// LockedBody is the 401 payload a server sends to force a lock.
type LockedBody struct {
	Error  string          `json:"error"`
	Locked bool            `json:"locked"`
	User   *LockedSnapshot `json:"user"`
}

const ErrorCodeSessionLocked = "session_locked"

// IsLock reports whether the body carries the full lock discriminator.
func (b LockedBody) IsLock() bool {
	return b.Error == ErrorCodeSessionLocked && b.Locked && b.User != nil
}

// ParseLockedBody reports whether body is the session_locked discriminator.
// Discrimination is by payload shape only; the status code is the caller's
// concern.
func ParseLockedBody(body []byte) (LockedBody, bool) {
	var lb LockedBody
	if err := json.Unmarshal(body, &lb); err != nil {
		return LockedBody{}, false
	}
	return lb, lb.IsLock()
}
