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

package models

import "time"

// Attribute keys a collector may pre-extract into Event.Attributes.
const (
	AttrText   = "text"
	AttrSender = "sender"
)

// Event is the normalized representation of one received message. It is
// built once per message by a collector and consumed by a single routing pass.
type Event struct {
	ID            string            `json:"id"`
	SourceTag     string            `json:"source_tag"`
	TenantID      string            `json:"tenant_id"`
	OriginAddress string            `json:"origin_address"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
}

// Attribute returns a pre-extracted attribute, or "" when it is absent.
func (e Event) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Alert is built and raised by a device in response to a matched Event.
type Alert struct {
	URN      string         `json:"urn"`
	Priority string         `json:"priority,omitempty"`
	Fields   map[string]any `json:"fields"`
	Raised   bool           `json:"raised"`
}

// NewAlert returns an alert for the given format URN with its timestamp
// field already set.
func NewAlert(urn string, now time.Time) *Alert {
	return &Alert{
		URN: urn,
		Fields: map[string]any{
			"timestamp": now.UnixMilli(),
		},
	}
}

// AlertMessage is the wire form of a raised alert, as handed to a telemetry
// transmitter.
type AlertMessage struct {
	ClientID  string         `json:"clientId"`
	Source    string         `json:"source"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority"`
	EventTime int64          `json:"eventTime"`
	Format    string         `json:"format"`
	Data      map[string]any `json:"data"`
}
