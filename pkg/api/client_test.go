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

package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/portal/session-runtime/internal/fakeportal"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPortal(t *testing.T) *fakeportal.Server {
	t.Helper()
	p := fakeportal.New(testLogger())
	t.Cleanup(p.Close)
	require.NoError(t, p.AddUser(fakeportal.User{
		Identity:       core.UserIdentity{ID: "u-1", Username: "alice", Email: "alice@example.com", Role: "admin"},
		Password:       "pw",
		TimeoutMinutes: 1,
	}))
	require.NoError(t, p.AddUser(fakeportal.User{
		Identity:   core.UserIdentity{ID: "u-2", Username: "bob"},
		Password:   "pw",
		Unverified: true,
	}))
	require.NoError(t, p.AddUser(fakeportal.User{
		Identity:    core.UserIdentity{ID: "u-3", Username: "carol"},
		Password:    "pw",
		Requires2FA: true,
	}))
	return p
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.Default().API
	cfg.BaseURL = baseURL
	c, err := New(cfg, testLogger(), WithTabID("tab-1"))
	require.NoError(t, err)
	return c
}

func TestLoginAndSessionStatus(t *testing.T) {
	p := newPortal(t)
	c := newClient(t, p.URL())
	ctx := context.Background()

	status, err := c.SessionStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	resp, err := c.Login(ctx, core.LoginRequest{Username: "alice", Password: "pw", RememberMe: true})
	require.NoError(t, err)
	require.NotNil(t, resp.User)
	assert.Equal(t, "u-1", resp.User.ID)

	status, err = c.SessionStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	settings := status.Settings(core.SessionSettings{TimeoutMinutes: 30})
	assert.Equal(t, core.SessionSettings{TimeoutMinutes: 1, RememberMe: true}, settings)
}

func TestLoginErrors(t *testing.T) {
	p := newPortal(t)
	c := newClient(t, p.URL())
	ctx := context.Background()

	_, err := c.Login(ctx, core.LoginRequest{Username: "alice", Password: "nope"})
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)
	assert.Equal(t, "Invalid username or password.", authErr.Detail)

	_, err = c.Login(ctx, core.LoginRequest{Username: "bob", Password: "pw"})
	assert.ErrorIs(t, err, core.ErrAccountUnverified)

	resp, err := c.Login(ctx, core.LoginRequest{Username: "carol", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, resp.Requires2FA)
	assert.Nil(t, resp.User)
}

func TestServerLockAndUnlock(t *testing.T) {
	p := newPortal(t)
	c := newClient(t, p.URL())
	ctx := context.Background()

	_, err := c.Login(ctx, core.LoginRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	p.Lock("alice")

	status, err := c.SessionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusLocked, status.Status)

	_, err = c.Unlock(ctx, "wrong")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	resp, err := c.Unlock(ctx, "pw")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "alice", resp.User.Username)
}

func TestSessionStatusLockShaped401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"session_locked","locked":true,"user":{"username":"alice"}}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).SessionStatus(context.Background())
	var lockErr *core.ServerLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "alice", lockErr.Snapshot.Username)
}

func TestUnexpectedStatusIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.SessionStatus(ctx)
	assert.True(t, core.IsNetworkError(err))
	_, err = c.Login(ctx, core.LoginRequest{Username: "alice", Password: "pw"})
	assert.True(t, core.IsNetworkError(err))
	_, err = c.Unlock(ctx, "pw")
	assert.True(t, core.IsNetworkError(err))
	assert.True(t, core.IsNetworkError(c.Logout(ctx)))
}

func TestUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).SessionStatus(context.Background())
	var netErr *core.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "session-status", netErr.Op)
	assert.False(t, errors.Is(err, core.ErrInvalidCredentials))
}

func TestRequestsCarryTabID(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(core.ClientIDHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newClient(t, srv.URL).Logout(context.Background()))
	assert.Equal(t, "tab-1", <-got)
}

func TestLogoutDropsServerSession(t *testing.T) {
	p := newPortal(t)
	c := newClient(t, p.URL())
	ctx := context.Background()

	_, err := c.Login(ctx, core.LoginRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, 1, p.LogoutCalls())

	status, err := c.SessionStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)
}
