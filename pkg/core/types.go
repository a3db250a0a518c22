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

import "time"

type LockState int

const (
	Unauthenticated LockState = iota
	Unlocked
	Locked
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	default:
		return "unauthenticated"
	}
}

// Reason codes attached to an Unauthenticated state so the login surface can
// render a contextual banner.
const (
	ReasonNone                  = ""
	ReasonSessionExpired        = "session_expired"
	ReasonTooManyUnlockAttempts = "too_many_unlock_attempts"
	ReasonLoggedOutElsewhere    = "logged_out_elsewhere"
	ReasonUnauthorized          = "unauthorized"
)

type UserIdentity struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
}

// Snapshot reduces the identity to what the lock screen may show.
func (u UserIdentity) Snapshot() LockedSnapshot {
	return LockedSnapshot{
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		FullName:  u.FullName,
	}
}

// LockedSnapshot is the reduced identity retained while Locked. It carries
// no id or role and cannot be promoted back to an identity without
// re-authentication.
type LockedSnapshot struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
}

type SessionSettings struct {
	TimeoutMinutes int  `json:"session_timeout_minutes"`
	RememberMe     bool `json:"remember_me"`
}

// SessionState is an immutable view of the store. Exactly one of
// Identity (Unlocked) or Snapshot (Locked) is set, and neither when
// Unauthenticated.
type SessionState struct {
	Identity       *UserIdentity
	Snapshot       *LockedSnapshot
	LockState      LockState
	Settings       SessionSettings
	LastActivityAt time.Time
	Reason         string
}

func (s SessionState) Authenticated() bool {
	return s.LockState == Unlocked && s.Identity != nil
}

type ConnStatus int

const (
	StatusClosed ConnStatus = iota
	StatusConnecting
	StatusOpen
	StatusReconnecting
	StatusFailed
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "closed"
	}
}

type ConnectionState struct {
	Room      string
	Status    ConnStatus
	Attempt   int
	LastError error
}

type ChatMessage struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Type      string    `json:"message_type"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}
