// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Transmitter names accepted in telemetry.transmitter.
const (
	TransmitterHTTP  = "http"
	TransmitterMQTT  = "mqtt"
	TransmitterRedis = "redis"
)

// MQTTConfig holds the MQTT transmitter settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// TelemetryConfig holds the telemetry platform settings.
type TelemetryConfig struct {
	BaseURL      string     `yaml:"base_url"`
	TokenURL     string     `yaml:"token_url"`
	ClientID     string     `yaml:"client_id"`
	ClientSecret string     `yaml:"client_secret"`
	Scopes       []string   `yaml:"scopes"`
	Transmitter  string     `yaml:"transmitter"`
	MQTT         MQTTConfig `yaml:"mqtt"`
	RedisQueue   string     `yaml:"redis_queue"`
}

// Config holds all configuration for the device handler.
type Config struct {
	CollectorsDir string
	DevicesDir    string
	Telemetry     TelemetryConfig
	DeviceTimeout time.Duration

	DatabaseURL string
	RedisURL    string

	// Dedup drops mail already routed, keyed by Message-ID, using Redis.
	DedupEnabled bool
	DedupTTL     time.Duration

	// Server (health and metrics)
	Port     int
	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Plugins struct {
		Dir        string `yaml:"dir"`
		Collectors string `yaml:"collectors"`
		Devices    string `yaml:"devices"`
	} `yaml:"plugins"`
	Router struct {
		DeviceTimeout time.Duration `yaml:"device_timeout"`
	} `yaml:"router"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Dedup struct {
		Enabled bool          `yaml:"enabled"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"dedup"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// envConfig holds the environment overrides. Environment values win over
// config.yaml.
type envConfig struct {
	ConfigPath  string `envconfig:"CONFIG_PATH" default:"/app/config/config.yaml"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	Port        int    `envconfig:"PORT"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	PluginsDir  string `envconfig:"PLUGINS_DIR"`
}

// Load reads configuration from the file named by CONFIG_PATH (with env var
// expansion) and applies environment overrides.
func Load() (*Config, error) {
	var env envConfig
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return load(env)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	var env envConfig
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	env.ConfigPath = path
	return load(env)
}

func load(env envConfig) (*Config, error) {
	data, err := os.ReadFile(env.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", env.ConfigPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	pluginsDir := firstNonEmpty(env.PluginsDir, raw.Plugins.Dir, "/app/plugins")
	cfg := &Config{
		CollectorsDir: firstNonEmpty(raw.Plugins.Collectors, filepath.Join(pluginsDir, "collectors")),
		DevicesDir:    firstNonEmpty(raw.Plugins.Devices, filepath.Join(pluginsDir, "devices")),
		Telemetry:     raw.Telemetry,
		DeviceTimeout: raw.Router.DeviceTimeout,
		DatabaseURL:   firstNonEmpty(env.DatabaseURL, raw.Database.URL),
		RedisURL:      firstNonEmpty(env.RedisURL, raw.Redis.URL, "redis://localhost:6379/0"),
		DedupEnabled:  raw.Dedup.Enabled,
		DedupTTL:      raw.Dedup.TTL,
		Port:          firstPositive(env.Port, raw.Server.Port, 8080),
		LogLevel:      strings.ToLower(firstNonEmpty(env.LogLevel, raw.Log.Level, "info")),
	}
	if env.PluginsDir != "" {
		cfg.CollectorsDir = filepath.Join(env.PluginsDir, "collectors")
		cfg.DevicesDir = filepath.Join(env.PluginsDir, "devices")
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 10 * time.Second
	}
	cfg.Telemetry.Transmitter = strings.ToLower(firstNonEmpty(cfg.Telemetry.Transmitter, TransmitterHTTP))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Telemetry.BaseURL == "" {
		return fmt.Errorf("telemetry.base_url is required")
	}
	switch c.Telemetry.Transmitter {
	case TransmitterHTTP, TransmitterRedis:
	case TransmitterMQTT:
		if c.Telemetry.MQTT.Broker == "" {
			return fmt.Errorf("telemetry.mqtt.broker is required for the mqtt transmitter")
		}
	default:
		return fmt.Errorf("unknown telemetry.transmitter %q", c.Telemetry.Transmitter)
	}
	return nil
}

// SlogLevel converts the LogLevel string to a slog.Level.
// Unknown values default to slog.LevelInfo.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
