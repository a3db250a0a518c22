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
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRequestInFlight  = errors.New("request already in flight")
	ErrNotLocked        = errors.New("session is not locked")
	ErrStaleResponse    = errors.New("response superseded by a newer state change")
	ErrRoomRequired     = errors.New("room is required")
	ErrChannelClosed    = errors.New("channel closed")
	ErrStorageClosed    = errors.New("storage closed")
	ErrUnknownDriver    = errors.New("unknown storage driver")
)

// Kind sentinels, matched with errors.Is against the structured errors below.
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountUnverified     = errors.New("account unverified")
	ErrTimeoutExpired        = errors.New("session timeout expired")
	ErrTooManyUnlockAttempts = errors.New("too many unlock attempts")
	ErrConnectFailed         = errors.New("connect failed")
	ErrMaxRetriesExceeded    = errors.New("max retries exceeded")
)

type AuthError struct {
	Kind   error
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *AuthError) Unwrap() error { return e.Kind }

type SessionError struct {
	Kind error
}

func (e *SessionError) Error() string { return e.Kind.Error() }

func (e *SessionError) Unwrap() error { return e.Kind }

type ChannelError struct {
	Kind    error
	Room    string
	Attempt int
	Err     error
}

func (e *ChannelError) Error() string {
	msg := fmt.Sprintf("%s: room=%s attempt=%d", e.Kind, e.Room, e.Attempt)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChannelError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NetworkError is a generic transport failure: the collaborator could not be
// reached or answered with something that is not part of its contract.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerLockError is returned for a 401 carrying the session_locked
// discriminator.
type ServerLockError struct {
	Snapshot LockedSnapshot
}

func (e *ServerLockError) Error() string {
	return fmt.Sprintf("session locked by server: user=%s", e.Snapshot.Username)
}

func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
