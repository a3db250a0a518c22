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

// Package api is the client for the collaborator REST surface: login,
// session-status, unlock-session and logout.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
	"golang.org/x/net/publicsuffix"
)

const (
	codeAccountUnverified = "account_unverified"
	maxErrorBody          = 64 << 10
)

type Client struct {
	baseURL string
	paths   config.PathsConfig
	http    *http.Client
	jar     http.CookieJar
	tabID   string
	logger  *slog.Logger
}

type Option func(*Client)

// WithTransport routes every request through rt, typically the lock
// interceptor.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

func WithTabID(id string) Option {
	return func(c *Client) { c.tabID = id }
}

func WithJar(jar http.CookieJar) Option {
	return func(c *Client) {
		c.jar = jar
		c.http.Jar = jar
	}
}

func New(cfg config.APIConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		paths:   cfg.Paths,
		http:    &http.Client{Jar: jar, Timeout: timeout},
		jar:     jar,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Jar holds the session cookies; the realtime dialer shares it.
func (c *Client) Jar() http.CookieJar { return c.jar }

type errorBody struct {
	Error         string `json:"error"`
	Detail        string `json:"detail"`
	Message       string `json:"message"`
	EmailVerified *bool  `json:"email_verified"`
}

func (b errorBody) text() string {
	if b.Detail != "" {
		return b.Detail
	}
	return b.Message
}

func (c *Client) Login(ctx context.Context, req core.LoginRequest) (*core.LoginResponse, error) {
	resp, body, err := c.do(ctx, http.MethodPost, c.paths.Login, req)
	if err != nil {
		return nil, &core.NetworkError{Op: "login", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out core.LoginResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &core.NetworkError{Op: "login", Err: fmt.Errorf("decode response: %w", err)}
		}
		if out.User == nil && !out.Requires2FA && !out.Requires2FASetup {
			return nil, &core.NetworkError{Op: "login", Err: errors.New("response carries no user")}
		}
		return &out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		if eb.Error == codeAccountUnverified || (eb.EmailVerified != nil && !*eb.EmailVerified) {
			return nil, &core.AuthError{Kind: core.ErrAccountUnverified, Detail: eb.text()}
		}
		return nil, &core.AuthError{Kind: core.ErrInvalidCredentials, Detail: eb.text()}
	default:
		return nil, &core.NetworkError{Op: "login", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

// SessionStatus answers a plain 401 as unauthenticated and a lock-shaped
// 401 as *core.ServerLockError.
func (c *Client) SessionStatus(ctx context.Context) (*core.SessionStatus, error) {
	resp, body, err := c.do(ctx, http.MethodGet, c.paths.SessionStatus, nil)
	if err != nil {
		return nil, &core.NetworkError{Op: "session-status", Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out core.SessionStatus
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &core.NetworkError{Op: "session-status", Err: fmt.Errorf("decode response: %w", err)}
		}
		return &out, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		if lb, ok := core.ParseLockedBody(body); ok {
			return nil, &core.ServerLockError{Snapshot: *lb.User}
		}
		return &core.SessionStatus{Authenticated: false}, nil
	default:
		return nil, &core.NetworkError{Op: "session-status", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func (c *Client) Unlock(ctx context.Context, password string) (*core.UnlockResponse, error) {
	resp, body, err := c.do(ctx, http.MethodPost, c.paths.Unlock, map[string]string{"password": password})
	if err != nil {
		return nil, &core.NetworkError{Op: "unlock-session", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out core.UnlockResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &core.NetworkError{Op: "unlock-session", Err: fmt.Errorf("decode response: %w", err)}
		}
		if !out.Success {
			return nil, &core.AuthError{Kind: core.ErrInvalidCredentials}
		}
		return &out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		return nil, &core.AuthError{Kind: core.ErrInvalidCredentials, Detail: eb.text()}
	default:
		return nil, &core.NetworkError{Op: "unlock-session", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func (c *Client) Logout(ctx context.Context) error {
	resp, _, err := c.do(ctx, http.MethodPost, c.paths.Logout, struct{}{})
	if err != nil {
		return &core.NetworkError{Op: "logout", Err: err}
	}
	if resp.StatusCode >= 300 {
		return &core.NetworkError{Op: "logout", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	core.TagRequest(req, c.tabID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode)
	return resp, data, nil
}
