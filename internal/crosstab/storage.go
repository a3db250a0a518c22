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

	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

// Event is a storage change as every attached tab observes it. An empty
// Value means the key was removed.
type Event struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e Event) Removal() bool { return e.Value == "" }

// Storage is the key space shared by all tabs. Changes are delivered to every
// subscriber, including the one that made them.
type Storage interface {
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Subscribe streams changes until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

func NewStorage(cfg config.CrossTabConfig, logger *slog.Logger) (Storage, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemoryStorage(), nil
	case config.DriverRedis:
		return NewRedisStorage(cfg.Redis, logger)
	case config.DriverMQTT:
		return NewMQTTStorage(cfg.MQTT, logger)
	case config.DriverAMQP:
		return NewAMQPStorage(cfg.AMQP, logger)
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownDriver, cfg.Driver)
	}
}
