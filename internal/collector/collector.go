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

// Package collector defines the event producers of the device handler and
// the mail collector, which keeps one listening session per tenant mailbox
// and routes every received message to the bound devices.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/wedo/devicehandler/internal/capability"
	"github.com/wedo/devicehandler/internal/device"
)

// Manifest lists the files a collector directory must contain.
var Manifest = []string{"config.yaml"}

// Collector is the contract every collector kind satisfies.
type Collector interface {
	Name() string
	Init(ctx context.Context) error
	// BindDevices sets the devices events are routed to, in registration
	// order. It is called before Start.
	BindDevices(devices []device.Device)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

type (
	initializer  interface{ Init(ctx context.Context) error }
	deviceBinder interface{ BindDevices(devices []device.Device) }
	starter      interface{ Start(ctx context.Context) error }
	stopper      interface{ Stop(ctx context.Context) error }
	restarter    interface{ Restart(ctx context.Context) error }
)

// RequiredOps is the operation set a collector must expose to be registered.
var RequiredOps = []capability.Op{
	capability.Implements[initializer]("initialize"),
	capability.Implements[deviceBinder]("bind-devices"),
	capability.Implements[starter]("start"),
	capability.Implements[stopper]("stop"),
	capability.Implements[restarter]("restart"),
}

// KindMail is the kind of the mail collector.
const KindMail = "mail"

// ServiceConfig locates the remote configuration service.
type ServiceConfig struct {
	BaseURL            string `yaml:"base_url"`
	TenantsPath        string `yaml:"tenants_path"`
	SetupPath          string `yaml:"setup_path"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Config is a collector's config.yaml.
type Config struct {
	Kind          string        `yaml:"kind"`
	ConfigService ServiceConfig `yaml:"config_service"`

	// PollInterval refreshes IDLE on servers without IDLE support.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c Config) validate() error {
	if c.ConfigService.BaseURL == "" {
		return fmt.Errorf("config_service.base_url is required")
	}
	return nil
}
