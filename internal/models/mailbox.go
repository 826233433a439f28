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

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Defaults applied to mailbox connections when the configuration service
// leaves a field unset.
const (
	DefaultRetryBackoff   = 60 * time.Second
	DefaultMaxRetries     = 999
	DefaultConnectTimeout = 10 * time.Second
	DefaultAuthTimeout    = 5 * time.Second
	DefaultMailbox        = "INBOX"
)

// MailboxConfig describes one mailbox connection for one tenant.
type MailboxConfig struct {
	Name           string
	Host           string
	Port           int
	Username       string
	SecretRef      string
	UseTLS         bool
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	Mailbox        string
	RetryBackoff   time.Duration
	MaxRetries     int
	UnreadOnly     bool
	MarkSeen       bool
	// FetchUnreadOnStart delivers mail already waiting when a connection
	// opens. When false only mail arriving after the connect is delivered.
	FetchUnreadOnStart bool
}

// Addr returns host:port.
func (c MailboxConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String identifies the mailbox in logs without exposing credentials.
func (c MailboxConfig) String() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, c.Addr(), c.Mailbox)
}

// WithDefaults fills unset connection fields with the package defaults.
// RetryBackoff and MaxRetries are left as they are: zero is a valid setting
// for both, so their defaults are applied where the configuration is decoded.
func (c MailboxConfig) WithDefaults() MailboxConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.Mailbox == "" {
		c.Mailbox = DefaultMailbox
	}
	if c.Port == 0 {
		if c.UseTLS {
			c.Port = 993
		} else {
			c.Port = 143
		}
	}
	return c
}

// TenantMailboxConfig binds a mailbox connection to the tenant that owns it.
type TenantMailboxConfig struct {
	TenantID string
	Mailbox  MailboxConfig
}
