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

// Package device defines the event consumers of the device handler. A
// device declares interest in events, and when interested turns the event
// into an alert raised on its bound telemetry identity.
package device

import (
	"context"
	"errors"

	"github.com/wedo/devicehandler/internal/capability"
	"github.com/wedo/devicehandler/internal/models"
	"github.com/wedo/devicehandler/internal/telemetry"
)

// ErrNotBound is returned by Deliver when no telemetry identity is bound.
var ErrNotBound = errors.New("device has no bound telemetry identity")

// StoreFile is the trusted-assets store file every device directory carries.
const StoreFile = "device.conf"

// Manifest lists the files a device directory must contain.
var Manifest = []string{StoreFile, "config.yaml"}

// Device is the contract every device kind satisfies.
type Device interface {
	Name() string
	Init(ctx context.Context) error
	StoreIdentity() telemetry.StoreIdentity
	Config() Config
	// BindTelemetry sets the device's telemetry identity. It is called once,
	// after activation and before any delivery.
	BindTelemetry(b *telemetry.Binding)
	Telemetry() *telemetry.Binding
	// Interested is a pure predicate; callers may invoke it speculatively.
	Interested(ev models.Event) bool
	// Deliver raises the alert for ev. It assumes Interested(ev) was true.
	Deliver(ctx context.Context, ev models.Event) error
}

type (
	initializer      interface{ Init(ctx context.Context) error }
	storeIdentifier  interface{ StoreIdentity() telemetry.StoreIdentity }
	configProvider   interface{ Config() Config }
	telemetryBinder  interface{ BindTelemetry(b *telemetry.Binding) }
	telemetryGetter  interface{ Telemetry() *telemetry.Binding }
	interestDeclarer interface{ Interested(ev models.Event) bool }
	deliverer        interface {
		Deliver(ctx context.Context, ev models.Event) error
	}
)

// RequiredOps is the operation set a device must expose to be registered.
var RequiredOps = []capability.Op{
	capability.Implements[initializer]("initialize"),
	capability.Implements[storeIdentifier]("get-store-identity"),
	capability.Implements[configProvider]("get-config"),
	capability.Implements[telemetryBinder]("bind-telemetry-identity"),
	capability.Implements[telemetryGetter]("get-telemetry-identity"),
	capability.Implements[interestDeclarer]("declare-interest"),
	capability.Implements[deliverer]("deliver"),
}
