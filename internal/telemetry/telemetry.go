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

// Package telemetry is the device handler's view of the IoT telemetry
// platform: device endpoints are activated against device models, and
// virtual devices built from those models raise alerts.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wedo/devicehandler/internal/models"
)

var (
	// ErrUnknownFormat means the device model has no alert format with the
	// requested URN.
	ErrUnknownFormat = errors.New("unknown alert format")
	// ErrNoModels means activation was requested without any model URN.
	ErrNoModels = errors.New("no device model urns")
)

// StoreIdentity points at a device's trusted-assets store and the password
// that unlocks it.
type StoreIdentity struct {
	Path     string
	Password string
}

// AlertFormat is one alert message format declared by a device model.
type AlertFormat struct {
	URN    string   `json:"urn"`
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Model is a device model: its URN and the alert formats it declares.
type Model struct {
	URN     string                 `json:"urn"`
	Name    string                 `json:"name"`
	Formats map[string]AlertFormat `json:"formats"`
}

// Format returns the alert format with the given URN.
func (m *Model) Format(urn string) (AlertFormat, bool) {
	if m == nil {
		return AlertFormat{}, false
	}
	f, ok := m.Formats[urn]
	return f, ok
}

// Platform hands out device endpoints.
type Platform interface {
	Endpoint(ctx context.Context, name string, store StoreIdentity) (Endpoint, error)
}

// Endpoint is one device's identity on the platform.
type Endpoint interface {
	ID() string
	IsActivated() bool
	Activate(ctx context.Context, modelURNs []string) error
	DeviceModel(ctx context.Context, urn string) (*Model, error)
	VirtualDevice(model *Model) *VirtualDevice
}

// Transmitter delivers raised alerts to the platform.
type Transmitter interface {
	Transmit(ctx context.Context, msg models.AlertMessage) error
}

// VirtualDevice is the per-model handle through which alerts are raised.
type VirtualDevice struct {
	endpointID string
	model      *Model
	tx         Transmitter
	now        func() time.Time
}

// NewVirtualDevice creates a virtual device for endpointID and model that
// sends through tx.
func NewVirtualDevice(endpointID string, model *Model, tx Transmitter) *VirtualDevice {
	return &VirtualDevice{endpointID: endpointID, model: model, tx: tx, now: time.Now}
}

// EndpointID returns the owning endpoint.
func (v *VirtualDevice) EndpointID() string { return v.endpointID }

// Model returns the device model.
func (v *VirtualDevice) Model() *Model { return v.model }

// CreateAlert builds an alert for the given format URN. The alert's
// timestamp field is set to the current time.
func (v *VirtualDevice) CreateAlert(formatURN string) (*models.Alert, error) {
	if _, ok := v.model.Format(formatURN); !ok {
		return nil, fmt.Errorf("create alert %s on %s: %w", formatURN, v.model.URN, ErrUnknownFormat)
	}
	return models.NewAlert(formatURN, v.now()), nil
}

// Raise transmits alert and marks it raised. Nothing is sent once ctx is
// done.
func (v *VirtualDevice) Raise(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("raise alert %s: %w", alert.URN, err)
	}
	if v.tx == nil {
		return fmt.Errorf("raise alert %s: no transmitter", alert.URN)
	}

	eventTime := v.now().UnixMilli()
	if ts, ok := alert.Fields["timestamp"].(int64); ok {
		eventTime = ts
	}
	priority := alert.Priority
	if priority == "" {
		priority = "HIGHEST"
	}

	msg := models.AlertMessage{
		ClientID:  uuid.New().String(),
		Source:    v.endpointID,
		Type:      "ALERT",
		Priority:  priority,
		EventTime: eventTime,
		Format:    alert.URN,
		Data:      alert.Fields,
	}
	if err := v.tx.Transmit(ctx, msg); err != nil {
		return fmt.Errorf("raise alert %s: %w", alert.URN, err)
	}
	alert.Raised = true
	return nil
}

// Binding is a device's bound telemetry identity: its endpoint and one
// virtual device per model URN, in configuration order.
type Binding struct {
	EndpointID string
	URNs       []string

	mu      sync.RWMutex
	devices map[string]*VirtualDevice
}

// NewBinding creates an empty binding for endpointID.
func NewBinding(endpointID string) *Binding {
	return &Binding{EndpointID: endpointID, devices: make(map[string]*VirtualDevice)}
}

// Add registers the virtual device for a model URN.
func (b *Binding) Add(urn string, vd *VirtualDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[urn]; !ok {
		b.URNs = append(b.URNs, urn)
	}
	b.devices[urn] = vd
}

// Device returns the virtual device for a model URN.
func (b *Binding) Device(urn string) (*VirtualDevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	vd, ok := b.devices[urn]
	return vd, ok
}

// Primary returns the virtual device of the first model URN.
func (b *Binding) Primary() (*VirtualDevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.URNs) == 0 {
		return nil, false
	}
	vd, ok := b.devices[b.URNs[0]]
	return vd, ok
}

// Activate brings a device online: it activates the endpoint unless it is
// already active, retrieves every device model and returns the binding of
// one virtual device per model. It must complete before the device is used.
func Activate(ctx context.Context, p Platform, name string, store StoreIdentity, modelURNs []string) (*Binding, error) {
	if len(modelURNs) == 0 {
		return nil, fmt.Errorf("activate %s: %w", name, ErrNoModels)
	}

	ep, err := p.Endpoint(ctx, name, store)
	if err != nil {
		return nil, fmt.Errorf("open endpoint %s: %w", name, err)
	}

	if ep.IsActivated() {
		slog.Info("device already activated", "module", "IOTCS", "device", name, "endpoint", ep.ID())
	} else {
		slog.Info("activating device", "module", "IOTCS", "device", name)
		if err := ep.Activate(ctx, modelURNs); err != nil {
			return nil, fmt.Errorf("activate %s: %w", name, err)
		}
		slog.Info("device activated", "module", "IOTCS", "device", name, "endpoint", ep.ID())
	}

	b := NewBinding(ep.ID())
	for _, urn := range modelURNs {
		model, err := ep.DeviceModel(ctx, urn)
		if err != nil {
			return nil, fmt.Errorf("get device model %s: %w", urn, err)
		}
		b.Add(urn, ep.VirtualDevice(model))
	}
	return b, nil
}
