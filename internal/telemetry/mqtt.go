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

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wedo/devicehandler/internal/models"
)

// MQTTConfig configures the MQTT alert transmitter.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTTransmitter publishes alerts to "<prefix>/<endpoint>/alerts".
type MQTTTransmitter struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// BuildMQTTClient returns an MQTT client for cfg. The client is not
// connected.
func BuildMQTTClient(cfg MQTTConfig) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("connected to MQTT broker", "module", "IOTCS", "broker", cfg.BrokerURL)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "module", "IOTCS", "error", err)
	}

	return mqtt.NewClient(opts)
}

// ConnectWithBackoff connects client, doubling the wait between failed
// attempts from start up to maxBackoff, until it succeeds or ctx is cancelled.
func ConnectWithBackoff(ctx context.Context, client mqtt.Client, start, maxBackoff time.Duration) error {
	backoff := start
	for {
		token := client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return fmt.Errorf("connect MQTT broker: %w", ctx.Err())
		}
		if token.Error() == nil {
			return nil
		}
		slog.Warn("MQTT connect failed", "module", "IOTCS", "error", token.Error(), "retry_in", backoff)
		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return fmt.Errorf("connect MQTT broker: %w", ctx.Err())
		}
	}
}

// NewMQTTTransmitter creates a transmitter on a connected client.
func NewMQTTTransmitter(client mqtt.Client, topicPrefix string, qos byte) *MQTTTransmitter {
	prefix := strings.TrimRight(topicPrefix, "/")
	if prefix == "" {
		prefix = "devicehandler"
	}
	return &MQTTTransmitter{client: client, prefix: prefix, qos: qos}
}

// Topic returns the topic alerts from source are published on.
func (t *MQTTTransmitter) Topic(source string) string {
	return t.prefix + "/" + source + "/alerts"
}

// Transmit publishes msg as JSON and waits for the broker acknowledgement
// or ctx cancellation.
func (t *MQTTTransmitter) Transmit(ctx context.Context, msg models.AlertMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	token := t.client.Publish(t.Topic(msg.Source), t.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish alert: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish alert: %w", ctx.Err())
	}
}

// Close disconnects the client, allowing in-flight publishes 250ms.
func (t *MQTTTransmitter) Close() {
	t.client.Disconnect(250)
}
