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

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/wso2/api-platform/portal/session-runtime/internal/idle"
	"github.com/wso2/api-platform/portal/session-runtime/internal/realtime"
	"github.com/wso2/api-platform/portal/session-runtime/internal/session"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/portal"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	configPath := os.Getenv("PORTAL_CONFIG")
	if configPath == "" {
		configPath = "/etc/portal/session.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	level.Set(config.ParseLevel(cfg.Log.Level))

	input := &lineSource{}
	nav := core.NavigatorFunc(func(reason string) {
		if reason == "" {
			fmt.Println("-- signed out")
			return
		}
		fmt.Printf("-- signed out (%s)\n", reason)
	})

	client, err := portal.New(cfg, logger,
		portal.WithNavigator(nav),
		portal.WithInputSource(input),
		portal.WithConfigWatch(configPath, level),
	)
	if err != nil {
		logger.Error("failed to build portal client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Session().Subscribe(func(st core.SessionState) {
		fmt.Printf("-- session %s\n", st.LockState)
	})

	state, err := client.Start(ctx)
	if err != nil {
		logger.Error("failed to start portal client", "error", err)
		os.Exit(1)
	}

	if state == core.Unauthenticated {
		if user := os.Getenv("PORTAL_USERNAME"); user != "" {
			remember := os.Getenv("PORTAL_REMEMBER_ME") == "true"
			res, err := client.Session().Login(ctx, user, os.Getenv("PORTAL_PASSWORD"), remember)
			switch {
			case err != nil:
				logger.Error("login failed", "username", user, "error", err)
			case res.Requires2FA || res.Requires2FASetup:
				logger.Warn("login requires a second factor; finish it in the browser", "username", user)
			}
		}
	}

	var room *realtime.Channel
	if name := os.Getenv("PORTAL_ROOM"); name != "" {
		room, err = client.Chat().Connect(ctx, name)
		if err != nil {
			logger.Error("chat connect failed", "room", name, "error", err)
		} else {
			room.Subscribe(printer{})
		}
	}

	logger.Info("portal session running", "config", configPath, "tab_id", client.TabID())

	go input.run(os.Stdin, func(line string) {
		handleLine(ctx, client, room, line)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down portal session")
	cancel()
	client.Stop()
	logger.Info("portal session stopped")
}

func handleLine(ctx context.Context, client *portal.Client, room *realtime.Channel, line string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "/unlock":
		res := client.LockScreen().Submit(ctx, arg)
		switch {
		case res.Unlocked:
			fmt.Println("-- unlocked")
		case res.ForcedLogout:
			fmt.Println("-- too many attempts")
		case res.Err != nil:
			fmt.Printf("-- unlock failed: %v (%d attempts left)\n", res.Err, res.Remaining)
		}
	case "/logout":
		client.Session().Logout(ctx, session.LogoutOptions{})
	case "/retry":
		if room != nil && !room.Retry() {
			fmt.Println("-- channel is not failed")
		}
	case "/typing":
		if room != nil {
			room.SendTyping(arg == "on")
		}
	default:
		if room == nil || !room.SendMessage(line) {
			fmt.Println("-- not sent: chat is not connected")
		}
	}
}

// lineSource turns terminal lines into key activity.
type lineSource struct {
	mu sync.Mutex
	fn func(idle.InputKind)
}

func (s *lineSource) Subscribe(fn func(idle.InputKind)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *lineSource) run(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.mu.Lock()
		fn := s.fn
		s.mu.Unlock()
		if fn != nil {
			fn(idle.InputKey)
		}
		onLine(scanner.Text())
	}
}

type printer struct{}

func (printer) OnMessage(room string, m core.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", room, m.SenderID, m.Content)
}

func (printer) OnTyping(room string, t realtime.TypingIndicator) {
	if t.IsTyping {
		fmt.Printf("[%s] %s is typing\n", room, t.Username)
	}
}

func (printer) OnUserStatus(room string, s realtime.UserStatus) {
	fmt.Printf("[%s] %s is %s\n", room, s.Username, s.Status)
}

func (printer) OnMessageRead(room string, r realtime.MessageRead) {
	fmt.Printf("[%s] %s read %s\n", room, r.UserID, r.MessageID)
}

func (printer) OnStateChange(st core.ConnectionState) {
	switch st.Status {
	case core.StatusFailed:
		fmt.Printf("[%s] disconnected: %v (type /retry)\n", st.Room, st.LastError)
	case core.StatusReconnecting:
		fmt.Printf("[%s] reconnecting (attempt %d)\n", st.Room, st.Attempt)
	default:
		fmt.Printf("[%s] %s\n", st.Room, st.Status)
	}
}
