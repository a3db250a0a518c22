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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
)

const (
	defaultRedisChannel = "portal:storage"
	redisKeyPrefix      = "portal:tab:"
	// redisKeyTTL bounds how long a value outlives a tab that died before
	// clearing it.
	redisKeyTTL = time.Minute
)

// RedisStorage keeps values as plain keys and announces every change on a
// pub/sub channel so tabs in other processes observe it.
type RedisStorage struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisStorage(cfg config.RedisConfig, logger *slog.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = defaultRedisChannel
	}

	logger.Info("crosstab redis storage connected", "addr", cfg.Addr, "channel", channel)
	return &RedisStorage{client: client, channel: channel, logger: logger}, nil
}

func (r *RedisStorage) key(key string) string {
	return redisKeyPrefix + key
}

func (r *RedisStorage) Set(ctx context.Context, key, value string) error {
	data, err := json.Marshal(Event{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("marshal storage event: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(key), value, redisKeyTTL)
	pipe.Publish(ctx, r.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Remove(ctx context.Context, key string) error {
	data, err := json.Marshal(Event{Key: key})
	if err != nil {
		return fmt.Errorf("marshal storage event: %w", err)
	}

	removed, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if removed == 0 {
		return nil
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish removal %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					r.logger.Warn("malformed storage event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
