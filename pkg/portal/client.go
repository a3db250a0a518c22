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

// Package portal wires the session runtime for one tab: REST client,
// lock interceptor, session store, lock screen, cross-tab sync and chat.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/portal/session-runtime/internal/crosstab"
	"github.com/wso2/api-platform/portal/session-runtime/internal/idle"
	"github.com/wso2/api-platform/portal/session-runtime/internal/intercept"
	"github.com/wso2/api-platform/portal/session-runtime/internal/lockscreen"
	"github.com/wso2/api-platform/portal/session-runtime/internal/logging"
	"github.com/wso2/api-platform/portal/session-runtime/internal/realtime"
	"github.com/wso2/api-platform/portal/session-runtime/internal/session"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/api"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const reloadInterval = 5 * time.Second

type Option func(*options)

type options struct {
	clock      clock.Clock
	storage    crosstab.Storage
	navigator  core.Navigator
	input      idle.InputSource
	dialer     realtime.Dialer
	transport  http.RoundTripper
	configPath string
	level      *slog.LevelVar
	tabID      string
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithStorage shares an existing cross-tab storage. The client does not
// close it.
func WithStorage(s crosstab.Storage) Option {
	return func(o *options) { o.storage = s }
}

func WithNavigator(n core.Navigator) Option {
	return func(o *options) { o.navigator = n }
}

func WithInputSource(src idle.InputSource) Option {
	return func(o *options) { o.input = src }
}

func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTransport sets the transport under the lock interceptor.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithConfigWatch reloads backoff policy and log level from path.
func WithConfigWatch(path string, level *slog.LevelVar) Option {
	return func(o *options) {
		o.configPath = path
		o.level = level
	}
}

func WithTabID(id string) Option {
	return func(o *options) { o.tabID = id }
}

type Client struct {
	cfg        *config.Config
	tabID      string
	logger     *slog.Logger
	level      *slog.LevelVar
	configPath string

	storage     crosstab.Storage
	ownsStorage bool
	transport   *intercept.Transport
	api         *api.Client
	store       *session.Store
	gate        *lockscreen.Gate
	chat        *realtime.Manager

	mu       sync.Mutex
	cancel   context.CancelFunc
	unsub    func()
	watching sync.WaitGroup
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.tabID == "" {
		o.tabID = core.NewTabID()
	}
	logger = logger.With("tab_id", o.tabID)

	c := &Client{
		cfg:        cfg,
		tabID:      o.tabID,
		logger:     logger,
		level:      o.level,
		configPath: o.configPath,
		storage:    o.storage,
	}

	if c.storage == nil {
		s, err := crosstab.NewStorage(cfg.CrossTab, logger.With("component", "crosstab"))
		if err != nil {
			return nil, fmt.Errorf("cross-tab storage: %w", err)
		}
		c.storage = s
		c.ownsStorage = true
	}

	paths := cfg.API.Paths
	c.transport = intercept.New(o.transport, logger.With("component", "intercept"), paths.Login, paths.Unlock, paths.Logout)

	apiClient, err := api.New(cfg.API, logger.With("component", "api"), api.WithTransport(c.transport), api.WithTabID(o.tabID))
	if err != nil {
		c.closeStorage()
		return nil, err
	}
	c.api = apiClient

	pulse := crosstab.NewSync(c.storage, cfg.Session.PulseKey, cfg.Session.PulseClearAfter, o.tabID, o.clock, logger.With("component", "crosstab"))
	storeOpts := []session.Option{
		session.WithClock(o.clock),
		session.WithLogger(logger),
		session.WithBroadcaster(pulse),
	}
	if o.navigator != nil {
		storeOpts = append(storeOpts, session.WithNavigator(o.navigator))
	}
	if o.input != nil {
		storeOpts = append(storeOpts, session.WithInputSource(o.input))
	}
	c.store = session.New(cfg.Session, apiClient, storeOpts...)
	c.transport.Attach(c.store)

	c.gate = lockscreen.New(c.store, cfg.Session.MaxUnlockAttempts, logger)

	dialer := o.dialer
	if dialer == nil {
		dialer = realtime.NewWSDialer(cfg.Realtime.URL, apiClient.Jar(), o.tabID)
	}
	c.chat = realtime.NewManager(cfg.Realtime, dialer, logger,
		realtime.WithClock(o.clock),
		realtime.WithIdentity(c.store),
		realtime.WithFrameLogger(logging.NewFrameLogger(logger.With("component", "frames"))),
	)
	return c, nil
}

func (c *Client) TabID() string { return c.tabID }

func (c *Client) Session() *session.Store { return c.store }

func (c *Client) LockScreen() *lockscreen.Gate { return c.gate }

func (c *Client) Chat() *realtime.Manager { return c.chat }

// HTTPClient is for collaborator calls outside the auth surface. It shares
// the session cookies and passes every response through the lock
// interceptor.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c.transport, Jar: c.api.Jar(), Timeout: c.cfg.API.RequestTimeout}
}

// Start attaches the store, resyncs with the server and returns the
// resulting lock state.
func (c *Client) Start(ctx context.Context) (core.LockState, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return c.store.State().LockState, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.unsub = c.store.Subscribe(c.onSessionChange)
	c.mu.Unlock()

	if err := c.store.Start(runCtx); err != nil {
		c.Stop()
		return core.Unauthenticated, err
	}

	if c.configPath != "" {
		w := config.NewWatcher(c.configPath, reloadInterval, c.applyConfig, c.logger.With("component", "config"))
		c.watching.Add(1)
		go func() {
			defer c.watching.Done()
			w.Watch(runCtx)
		}()
	}

	state := c.store.CheckAuth(ctx)
	c.logger.Info("portal session started", "lock_state", state)
	return state, nil
}

// Stop closes every chat room and tears down the store's timers and
// subscriptions. Safe to call repeatedly.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, unsub := c.cancel, c.unsub
	c.cancel, c.unsub = nil, nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.chat.DisconnectAll()
	c.gate.Close()
	c.store.Stop()
	if cancel != nil {
		cancel()
		c.watching.Wait()
	}
	c.closeStorage()
}

func (c *Client) closeStorage() {
	if !c.ownsStorage || c.storage == nil {
		return
	}
	if err := c.storage.Close(); err != nil {
		c.logger.Warn("close cross-tab storage failed", "error", err)
	}
	c.storage = nil
}

func (c *Client) onSessionChange(st core.SessionState) {
	if st.LockState != core.Unauthenticated {
		return
	}
	if rooms := c.chat.Rooms(); len(rooms) > 0 {
		c.logger.Info("session ended, closing chat rooms", "rooms", rooms, "reason", st.Reason)
		c.chat.DisconnectAll()
	}
}

func (c *Client) applyConfig(cfg *config.Config) {
	c.chat.SetPolicy(cfg.Realtime)
	if c.level != nil {
		c.level.Set(config.ParseLevel(cfg.Log.Level))
	}
	c.logger.Info("runtime config applied",
		"backoff_base", cfg.Realtime.BackoffBase,
		"backoff_cap", cfg.Realtime.BackoffCap,
		"max_attempts", cfg.Realtime.MaxAttempts,
		"log_level", cfg.Log.Level,
	)
}
