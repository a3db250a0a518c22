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

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	os.WriteFile(path, []byte(sample), 0644)
	past := time.Now().Add(-time.Minute)
	os.Chtimes(path, past, past)

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, 10*time.Millisecond, func(cfg *Config) { reloaded <- cfg }, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)

	os.WriteFile(path, []byte(strings.Replace(sample, "max_attempts: 4", "max_attempts: 9", 1)), 0644)

	select {
	case cfg := <-reloaded:
		if cfg.Realtime.MaxAttempts != 9 {
			t.Fatalf("expected reloaded max attempts 9, got %d", cfg.Realtime.MaxAttempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload changed config")
	}
}

func TestWatcherReloadsOnNotification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	os.WriteFile(path, []byte(sample), 0644)
	past := time.Now().Add(-time.Minute)
	os.Chtimes(path, past, past)

	reloaded := make(chan *Config, 1)
	// Polling interval far beyond the test deadline.
	w := NewWatcher(path, time.Hour, func(cfg *Config) { reloaded <- cfg }, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	os.WriteFile(path, []byte(strings.Replace(sample, "max_attempts: 4", "max_attempts: 7", 1)), 0644)

	select {
	case cfg := <-reloaded:
		if cfg.Realtime.MaxAttempts != 7 {
			t.Fatalf("expected reloaded max attempts 7, got %d", cfg.Realtime.MaxAttempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not react to file notification")
	}
}

func TestWatcherSkipsInvalidRevision(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	os.WriteFile(path, []byte(sample), 0644)
	past := time.Now().Add(-time.Minute)
	os.Chtimes(path, past, past)

	called := false
	w := NewWatcher(path, time.Second, func(*Config) { called = true }, logger)

	os.WriteFile(path, []byte("crosstab:\n  driver: etcd\n"), 0644)
	w.poll()

	if called {
		t.Fatal("invalid revision must not be applied")
	}
}
