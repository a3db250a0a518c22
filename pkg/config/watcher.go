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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets an editor finish writing before the file is parsed.
const settleDelay = 50 * time.Millisecond

type ReloadFunc func(cfg *Config)

// Watcher follows the config file through filesystem notifications, with a
// polling fallback, and hands every successfully parsed revision to the
// reload callback. Invalid revisions are logged and skipped so the running
// configuration stays in effect.
type Watcher struct {
	path     string
	onReload ReloadFunc
	interval time.Duration
	logger   *slog.Logger
	lastMod  time.Time
}

func NewWatcher(path string, interval time.Duration, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{
		path:     path,
		onReload: onReload,
		interval: interval,
		logger:   logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw, err := fsnotify.NewWatcher(); err != nil {
		w.logger.Warn("config notifications unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		// The directory is watched so atomic renames by editors are seen.
		if err := fw.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn("config notifications unavailable, polling only", "path", w.path, "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	target := filepath.Clean(w.path)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle = time.After(settleDelay)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("config notification error", "error", err)
		case <-settle:
			settle = nil
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return
	}

	if !info.ModTime().After(w.lastMod) {
		return
	}

	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}

	w.onReload(cfg)
	w.logger.Info("config reloaded", "path", w.path)
}
