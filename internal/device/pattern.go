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

package device

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wedo/devicehandler/internal/config"
	"github.com/wedo/devicehandler/internal/metrics"
	"github.com/wedo/devicehandler/internal/models"
	"github.com/wedo/devicehandler/internal/pattern"
	"github.com/wedo/devicehandler/internal/telemetry"
)

// TextSource selects the text a device matches against and extracts from.
type TextSource interface {
	Text(ev models.Event) string
}

// BodySource reads the event body.
type BodySource struct{}

func (BodySource) Text(ev models.Event) string { return ev.Body }

// AttributeSource reads an attribute pre-extracted by the collector.
type AttributeSource struct{ Key string }

func (s AttributeSource) Text(ev models.Event) string { return ev.Attribute(s.Key) }

func sourceFor(src string) TextSource {
	if key, ok := strings.CutPrefix(src, sourceFieldPrefix); ok {
		return AttributeSource{Key: key}
	}
	return BodySource{}
}

// Option customizes a PatternDevice.
type Option func(*PatternDevice)

// WithMetrics records alert outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *PatternDevice) { d.metrics = m }
}

// PatternDevice is the generic pattern-matching device. Its kind decides the
// text source and whether extracted fields go into the alert.
type PatternDevice struct {
	name    string
	dir     string
	cfg     Config
	source  TextSource
	log     *slog.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex
	binding       *telemetry.Binding
	storePassword string
}

// New builds a device named name, living in dir, of the given kind. The
// kind in cfg, when set, wins over kind.
func New(name, dir, kind string, cfg Config, opts ...Option) (*PatternDevice, error) {
	cfg = cfg.withDefaults(kind)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	d := &PatternDevice{
		name:   name,
		dir:    dir,
		cfg:    cfg,
		source: sourceFor(cfg.Source),
		log:    slog.With("module", strings.ToUpper(name)),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *PatternDevice) Name() string { return d.name }

// Init resolves the trusted-assets store password.
func (d *PatternDevice) Init(_ context.Context) error {
	d.log.Info("initializing device", "kind", d.cfg.Kind)
	pw, err := config.ResolveSecret(d.cfg.StorePassword)
	if err != nil {
		return fmt.Errorf("init device %s: %w", d.name, err)
	}
	d.mu.Lock()
	d.storePassword = pw
	d.mu.Unlock()
	return nil
}

func (d *PatternDevice) StoreIdentity() telemetry.StoreIdentity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return telemetry.StoreIdentity{Path: filepath.Join(d.dir, StoreFile), Password: d.storePassword}
}

func (d *PatternDevice) Config() Config { return d.cfg }

func (d *PatternDevice) BindTelemetry(b *telemetry.Binding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binding = b
}

func (d *PatternDevice) Telemetry() *telemetry.Binding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.binding
}

// Interested matches the delivered-to address, the exact subject and the
// body pattern against the device's text source.
func (d *PatternDevice) Interested(ev models.Event) bool {
	return d.cfg.Match.Match(ev.OriginAddress, ev.Subject, d.source.Text(ev))
}

// Deliver builds the alert for ev and raises it on the primary virtual
// device. Failures are logged and returned; they never panic.
func (d *PatternDevice) Deliver(ctx context.Context, ev models.Event) error {
	b := d.Telemetry()
	if b == nil {
		d.log.Error("unable to raise alert: undefined telemetry device", "event", ev.ID)
		d.metrics.IncAlert(d.name, "unbound")
		return fmt.Errorf("deliver to %s: %w", d.name, ErrNotBound)
	}
	vd, ok := b.Primary()
	if !ok {
		d.log.Error("unable to raise alert: no virtual device", "urn", d.cfg.URNs[0])
		d.metrics.IncAlert(d.name, "unbound")
		return fmt.Errorf("deliver to %s: no virtual device for %s: %w", d.name, d.cfg.URNs[0], ErrNotBound)
	}

	alert, err := d.buildAlert(vd, ev)
	if err != nil {
		d.log.Error("unable to create alert", "alert_urn", d.cfg.AlertURN, "error", err)
		d.metrics.IncAlert(d.name, "error")
		return fmt.Errorf("deliver to %s: %w", d.name, err)
	}

	if err := vd.Raise(ctx, alert); err != nil {
		d.log.Error("unable to raise alert", "alert_urn", d.cfg.AlertURN, "error", err)
		d.metrics.IncAlert(d.name, "error")
		return fmt.Errorf("deliver to %s: %w", d.name, err)
	}

	d.metrics.IncAlert(d.name, "ok")
	d.log.Info("alert raised", "alert_urn", d.cfg.AlertURN, "tenant", ev.TenantID, "event", ev.ID)
	return nil
}

func (d *PatternDevice) buildAlert(vd *telemetry.VirtualDevice, ev models.Event) (*models.Alert, error) {
	alert, err := vd.CreateAlert(d.cfg.AlertURN)
	if err != nil {
		return nil, err
	}
	alert.Priority = d.cfg.Priority
	if d.cfg.Kind == KindSensor {
		return alert, nil
	}

	alert.Fields["subject"] = ev.Subject
	tokens, found := d.cfg.Match.Extract(d.source.Text(ev))
	if !found {
		d.log.Warn("pattern not found in message", "pattern", d.cfg.Match.Body, "event", ev.ID)
		return alert, nil
	}
	for field, idxs := range d.cfg.Fields {
		alert.Fields[field] = pattern.Join(tokens, idxs, d.cfg.Separator)
	}
	return alert, nil
}
