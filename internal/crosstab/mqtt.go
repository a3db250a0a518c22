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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const (
	defaultMQTTTopic = "portal/storage"
	mqttTimeout      = 5 * time.Second
	mqttQoS          = 1
)

// MQTTStorage maps each key to a topic below the configured prefix. Values
// are published non-retained: a tab joining later must not see a pulse that
// was written before it attached.
type MQTTStorage struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

func NewMQTTStorage(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTStorage, error) {
	prefix := strings.TrimSuffix(cfg.Topic, "/")
	if prefix == "" {
		prefix = defaultMQTTTopic
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "portal-tab-" + core.NewTabID()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("crosstab mqtt connection lost", "broker", cfg.Broker, "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := wait(client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	logger.Info("crosstab mqtt storage connected", "broker", cfg.Broker, "topic", prefix)
	return &MQTTStorage{client: client, prefix: prefix, logger: logger}, nil
}

func (m *MQTTStorage) topic(key string) string {
	return m.prefix + "/" + key
}

func (m *MQTTStorage) Set(ctx context.Context, key, value string) error {
	if err := wait(m.client.Publish(m.topic(key), mqttQoS, false, value)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", key, err)
	}
	return nil
}

func (m *MQTTStorage) Remove(ctx context.Context, key string) error {
	if err := wait(m.client.Publish(m.topic(key), mqttQoS, false, []byte{})); err != nil {
		return fmt.Errorf("mqtt publish removal %s: %w", key, err)
	}
	return nil
}

func (m *MQTTStorage) Subscribe(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, subscriberBuffer)
	filter := m.prefix + "/#"

	var mu sync.Mutex
	closed := false

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		evt, ok := eventFromMessage(m.prefix, msg.Topic(), msg.Payload(), msg.Retained())
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- evt:
		default:
			m.logger.Warn("crosstab subscriber full, dropping event", "key", evt.Key)
		}
	}

	if err := wait(m.client.Subscribe(filter, mqttQoS, handler)); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}

	go func() {
		<-ctx.Done()
		if err := wait(m.client.Unsubscribe(filter)); err != nil {
			m.logger.Warn("mqtt unsubscribe failed", "topic", filter, "error", err)
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (m *MQTTStorage) Close() error {
	m.client.Disconnect(250)
	return nil
}

// eventFromMessage ignores retained deliveries, which replay state from
// before the subscription rather than a change.
func eventFromMessage(prefix, topic string, payload []byte, retained bool) (Event, bool) {
	if retained {
		return Event{}, false
	}
	key, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok || key == "" {
		return Event{}, false
	}
	return Event{Key: key, Value: string(payload)}, true
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("timed out after %s", mqttTimeout)
	}
	return token.Error()
}
