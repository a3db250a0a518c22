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
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMQTT   = "mqtt"
	DriverAMQP   = "amqp"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Session  SessionConfig  `yaml:"session"`
	Realtime RealtimeConfig `yaml:"realtime"`
	CrossTab CrossTabConfig `yaml:"crosstab"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	Paths          PathsConfig   `yaml:"paths"`
}

type PathsConfig struct {
	Login         string `yaml:"login" validate:"required,startswith=/"`
	SessionStatus string `yaml:"session_status" validate:"required,startswith=/"`
	Unlock        string `yaml:"unlock" validate:"required,startswith=/"`
	Logout        string `yaml:"logout" validate:"required,startswith=/"`
}

type SessionConfig struct {
	DefaultTimeoutMinutes int           `yaml:"default_timeout_minutes" validate:"min=0"`
	PollInterval          time.Duration `yaml:"poll_interval" validate:"gt=0"`
	UnlockGrace           time.Duration `yaml:"unlock_grace" validate:"gte=0"`
	MaxUnlockAttempts     int           `yaml:"max_unlock_attempts" validate:"min=1"`
	PulseKey              string        `yaml:"pulse_key" validate:"required"`
	PulseClearAfter       time.Duration `yaml:"pulse_clear_after" validate:"gt=0"`
}

type RealtimeConfig struct {
	URL          string        `yaml:"url" validate:"required,url"`
	BackoffBase  time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffCap   time.Duration `yaml:"backoff_cap" validate:"gtefield=BackoffBase"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1"`
	DedupeWindow int           `yaml:"dedupe_window" validate:"min=0"`
}

type CrossTabConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=memory redis mqtt amqp"`
	Redis  RedisConfig `yaml:"redis"`
	MQTT   MQTTConfig  `yaml:"mqtt"`
	AMQP   AMQPConfig  `yaml:"amqp"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	Channel  string `yaml:"channel"`
	Enabled  bool   `yaml:"-"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" validate:"required_if=Enabled true"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Enabled  bool   `yaml:"-"`
}

type AMQPConfig struct {
	URL      string `yaml:"url" validate:"required_if=Enabled true"`
	Exchange string `yaml:"exchange"`
	Enabled  bool   `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

func Default() *Config {
	return &Config{
		API: APIConfig{
			RequestTimeout: 15 * time.Second,
			Paths: PathsConfig{
				Login:         "/api/auth/login/",
				SessionStatus: "/api/auth/session-status/",
				Unlock:        "/api/auth/unlock-session/",
				Logout:        "/api/auth/logout/",
			},
		},
		Session: SessionConfig{
			DefaultTimeoutMinutes: 30,
			PollInterval:          10 * time.Second,
			UnlockGrace:           3 * time.Second,
			MaxUnlockAttempts:     5,
			PulseKey:              "portal.logout",
			PulseClearAfter:       100 * time.Millisecond,
		},
		Realtime: RealtimeConfig{
			BackoffBase:  time.Second,
			BackoffCap:   30 * time.Second,
			MaxAttempts:  5,
			DedupeWindow: 256,
		},
		CrossTab: CrossTabConfig{
			Driver: DriverMemory,
			Redis:  RedisConfig{Channel: "portal:storage"},
			MQTT:   MQTTConfig{Topic: "portal/storage"},
			AMQP:   AMQPConfig{Exchange: "portal.storage"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	c.CrossTab.Redis.Enabled = c.CrossTab.Driver == DriverRedis
	c.CrossTab.MQTT.Enabled = c.CrossTab.Driver == DriverMQTT
	c.CrossTab.AMQP.Enabled = c.CrossTab.Driver == DriverAMQP
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
