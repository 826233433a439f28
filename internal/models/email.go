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

// Package models defines the data structures shared across the device handler.
package models

import (
	"strings"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// RawMessage is a single message as fetched by a mailbox transport, before
// it is turned into an Event.
type RawMessage struct {
	UID        uint32         `json:"uid"`
	MessageID  string         `json:"message_id"`
	From       EmailAddress   `json:"from"`
	To         []EmailAddress `json:"to"`
	Subject    string         `json:"subject"`
	HTML       string         `json:"html,omitempty"`
	Text       string         `json:"text,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// DeliveredTo returns the mailbox address the message was delivered to: the
// first To recipient, or the sender when the message has no recipients.
func (m RawMessage) DeliveredTo() string {
	for _, to := range m.To {
		if a := strings.TrimSpace(to.Address); a != "" {
			return a
		}
	}
	return m.From.Address
}

// Content returns the HTML body when present, the plain-text body otherwise.
func (m RawMessage) Content() string {
	if m.HTML != "" {
		return m.HTML
	}
	return m.Text
}
