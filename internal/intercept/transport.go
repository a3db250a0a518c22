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

// Package intercept inspects collaborator responses for a server-declared
// session lock.
package intercept

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const maxInspectBody = 64 << 10

// Transport wraps every outgoing request. A 401 whose body carries the
// session_locked discriminator locks the session; any other 401 drops it to
// unauthenticated, except on paths listed as skip (credential checks whose
// 401 is an ordinary answer). The response is always returned unchanged, so
// the caller's own error handling still runs.
type Transport struct {
	base   http.RoundTripper
	skip   map[string]struct{}
	logger *slog.Logger

	mu      sync.RWMutex
	handler core.LockHandler
}

func New(base http.RoundTripper, logger *slog.Logger, skipPaths ...string) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &Transport{base: base, skip: skip, logger: logger}
}

// Attach sets the receiver of lock and unauthorized signals.
func (t *Transport) Attach(h core.LockHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectBody))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read 401 body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return resp, nil
	}

	if lb, ok := core.ParseLockedBody(body); ok {
		t.logger.Info("server declared session lock", "path", req.URL.Path, "user", lb.User.Username)
		h.HandleServerLock(*lb.User)
		return resp, nil
	}

	if _, skipped := t.skip[req.URL.Path]; skipped {
		return resp, nil
	}

	t.logger.Info("request unauthorized", "path", req.URL.Path)
	h.HandleUnauthorized()
	return resp, nil
}
