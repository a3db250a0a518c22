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

package crosstab

import (
	"context"
	"sync"

	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const subscriberBuffer = 64

// MemoryStorage is shared by tabs living in one process.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[chan Event]struct{}
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: make(map[string]string),
		subs:   make(map[chan Event]struct{}),
	}
}

func (m *MemoryStorage) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStorageClosed
	}
	m.values[key] = value
	m.publishLocked(Event{Key: key, Value: value})
	return nil
}

func (m *MemoryStorage) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStorageClosed
	}
	if _, ok := m.values[key]; !ok {
		return nil
	}
	delete(m.values, key)
	m.publishLocked(Event{Key: key})
	return nil
}

func (m *MemoryStorage) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStorage) Subscribe(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrStorageClosed
	}
	ch := make(chan Event, subscriberBuffer)
	m.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.values = nil
	return nil
}

// publishLocked drops the event for a subscriber whose buffer is full.
func (m *MemoryStorage) publishLocked(evt Event) {
	for ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
