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
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/config"
)

const defaultAMQPExchange = "portal.storage"

// AMQPStorage fans storage events out through a fanout exchange. Values are
// not retained by the broker, so a tab only observes changes made after it
// subscribed.
type AMQPStorage struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	pubMu sync.Mutex
	pub   *amqp.Channel
}

func NewAMQPStorage(cfg config.AMQPConfig, logger *slog.Logger) (*AMQPStorage, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = defaultAMQPExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logger.Info("crosstab amqp storage connected", "exchange", exchange)
	return &AMQPStorage{conn: conn, exchange: exchange, logger: logger, pub: ch}, nil
}

func (a *AMQPStorage) Set(ctx context.Context, key, value string) error {
	return a.publish(ctx, Event{Key: key, Value: value})
}

func (a *AMQPStorage) Remove(ctx context.Context, key string) error {
	return a.publish(ctx, Event{Key: key})
}

func (a *AMQPStorage) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal storage event: %w", err)
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	err = a.pub.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", evt.Key, err)
	}
	return nil
}

func (a *AMQPStorage) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare subscriber queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", a.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", q.Name, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				evt, err := eventFromDelivery(d.Body)
				if err != nil {
					a.logger.Warn("malformed storage event", "exchange", a.exchange, "error", err)
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

func (a *AMQPStorage) Close() error {
	return a.conn.Close()
}

func eventFromDelivery(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, err
	}
	if evt.Key == "" {
		return Event{}, fmt.Errorf("storage event without key")
	}
	return evt, nil
}
