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

package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wedo/devicehandler/internal/configsvc"
	"github.com/wedo/devicehandler/internal/dedup"
	"github.com/wedo/devicehandler/internal/device"
	"github.com/wedo/devicehandler/internal/mailbox"
	"github.com/wedo/devicehandler/internal/metrics"
	"github.com/wedo/devicehandler/internal/models"
	"github.com/wedo/devicehandler/internal/router"
	"github.com/wedo/devicehandler/internal/session"
)

// Dispatcher routes one event to a device set.
type Dispatcher interface {
	Route(ctx context.Context, ev models.Event, devices []device.Device) router.Result
}

// Deduper reports whether a key is seen for the first time.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
}

// TransportFactory builds the session transport for one mailbox.
type TransportFactory func(cfg models.MailboxConfig) session.Transport

// SessionInfo is a point-in-time view of one listening session.
type SessionInfo struct {
	Collector        string `json:"collector"`
	Tenant           string `json:"tenant"`
	Mailbox          string `json:"mailbox"`
	Status           string `json:"status"`
	RetriesRemaining int    `json:"retries_remaining"`
}

type tenantSession struct {
	tenant  string
	mailbox models.MailboxConfig
	session *session.Session
}

// MailCollector watches every tenant mailbox listed by the configuration
// service and routes received messages to its devices.
type MailCollector struct {
	name         string
	cfg          Config
	client       *configsvc.Client
	dispatcher   Dispatcher
	dedup        Deduper
	newTransport TransportFactory
	metrics      *metrics.Metrics
	log          *slog.Logger

	mu       sync.RWMutex
	devices  []device.Device
	sessions []*tenantSession
	runCtx   context.Context
}

// Option customizes a MailCollector.
type Option func(*MailCollector)

// WithDispatcher sets the event router.
func WithDispatcher(d Dispatcher) Option {
	return func(c *MailCollector) { c.dispatcher = d }
}

// WithDedup drops mail whose Message-ID was already routed.
func WithDedup(d Deduper) Option {
	return func(c *MailCollector) { c.dedup = d }
}

// WithTransportFactory overrides how mailbox transports are built.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *MailCollector) { c.newTransport = f }
}

// WithMetrics records session and message metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *MailCollector) { c.metrics = m }
}

// NewMailCollector creates a mail collector named name.
func NewMailCollector(name string, cfg Config, opts ...Option) (*MailCollector, error) {
	if cfg.Kind == "" {
		cfg.Kind = KindMail
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("collector %s: %w", name, err)
	}

	clientOpts := []configsvc.Option{
		configsvc.WithPaths(cfg.ConfigService.TenantsPath, cfg.ConfigService.SetupPath),
	}
	if cfg.ConfigService.InsecureSkipVerify {
		clientOpts = append(clientOpts, configsvc.WithInsecureSkipVerify())
	}

	c := &MailCollector{
		name:       name,
		cfg:        cfg,
		client:     configsvc.NewClient(cfg.ConfigService.BaseURL, clientOpts...),
		dispatcher: router.New(),
		log:        slog.With("module", strings.ToUpper(name)),
	}
	c.newTransport = func(mc models.MailboxConfig) session.Transport {
		topts := []mailbox.Option{mailbox.WithLogger(c.log)}
		if cfg.PollInterval > 0 {
			topts = append(topts, mailbox.WithPollInterval(cfg.PollInterval))
		}
		return mailbox.NewTransport(mc, topts...)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *MailCollector) Name() string { return c.name }

// Init lists the tenants and creates one session per configured mailbox.
// A tenant whose setup cannot be fetched is skipped; failing to list
// tenants fails Init. Init may be called again to reload the tenant set
// while the collector is stopped.
func (c *MailCollector) Init(ctx context.Context) error {
	c.log.Info("initializing collector")

	tenants, err := c.client.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("init collector %s: %w", c.name, err)
	}

	var sessions []*tenantSession
	for _, t := range tenants {
		mailboxes, err := c.client.MailboxSetup(ctx, t.ID)
		switch {
		case errors.Is(err, configsvc.ErrNoSetup):
			c.log.Info("no mailbox setup for tenant, skipping", "tenant", t.ID)
			continue
		case err != nil:
			c.log.Error("failed to fetch mailbox setup, skipping tenant", "tenant", t.ID, "error", err)
			continue
		}
		for _, mc := range mailboxes {
			sessions = append(sessions, c.newSession(t.ID, mc))
		}
		c.log.Info("tenant configured", "tenant", t.ID, "mailboxes", len(mailboxes))
	}

	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()

	c.log.Info("collector initialized", "tenants", len(tenants), "sessions", len(sessions))
	return nil
}

func (c *MailCollector) newSession(tenant string, mc models.MailboxConfig) *tenantSession {
	mc = mc.WithDefaults()
	ts := &tenantSession{tenant: tenant, mailbox: mc}
	log := c.log.With("tenant", tenant, "mailbox", mc.Name)

	ts.session = session.New(session.Config{
		Transport:      c.newTransport(mc),
		RetryBackoff:   mc.RetryBackoff,
		MaxRetries:     mc.MaxRetries,
		ConnectTimeout: mc.ConnectTimeout,
		Logger:         log,
		OnMessage: func(ctx context.Context, msg models.RawMessage) {
			c.metrics.IncMessage(c.name, tenant)
			c.handle(ctx, tenant, mc.Name, msg)
		},
		OnConnected: func() {
			log.Info("listening session connected", "host", mc.Addr())
		},
		OnDisconnected: func(err error) {
			log.Warn("listening session disconnected", "error", err)
		},
		OnError: func(error) {
			c.metrics.IncTransportError(c.name, tenant)
		},
		OnAborted: func() {
			log.Error("listening session aborted, retries exhausted", "max_retries", mc.MaxRetries)
		},
		OnReconnect: func(attempt, remaining int) {
			c.metrics.IncReconnect(c.name, tenant, mc.Name)
			log.Info("reconnecting", "attempt", attempt, "remaining", remaining)
		},
		OnStatus: func(st session.Status) {
			c.metrics.SetSessionStatus(c.name, tenant, mc.Name, st.String())
		},
	})
	return ts
}

// handle turns msg into an event and routes it to the bound devices.
func (c *MailCollector) handle(ctx context.Context, tenant, mailboxName string, msg models.RawMessage) {
	if c.dedup != nil && msg.MessageID != "" {
		fresh, err := c.dedup.IsNew(ctx, dedup.Key(tenant, mailboxName, msg.MessageID))
		switch {
		case err != nil:
			c.log.Warn("dedup check failed, routing anyway", "tenant", tenant, "message_id", msg.MessageID, "error", err)
		case !fresh:
			c.log.Debug("mail already routed, skipping", "tenant", tenant, "message_id", msg.MessageID)
			return
		}
	}

	ev := c.event(tenant, msg)

	c.mu.RLock()
	devices := c.devices
	c.mu.RUnlock()

	c.log.Info("mail received", "tenant", tenant, "event", ev.ID, "origin", ev.OriginAddress, "subject", ev.Subject)
	res := c.dispatcher.Route(ctx, ev, devices)
	c.log.Debug("event routed", "event", ev.ID,
		"interested", res.Interested, "delivered", res.Delivered, "failed", res.Failed)
}

func (c *MailCollector) event(tenant string, msg models.RawMessage) models.Event {
	text := msg.Text
	if text == "" {
		text = msg.HTML
	}
	return models.Event{
		ID:            uuid.New().String(),
		SourceTag:     c.name,
		TenantID:      tenant,
		OriginAddress: msg.DeliveredTo(),
		Subject:       msg.Subject,
		Body:          msg.Content(),
		Attributes: map[string]string{
			models.AttrText:   text,
			models.AttrSender: msg.From.Address,
		},
		ReceivedAt: msg.ReceivedAt,
	}
}

// BindDevices sets the devices events are routed to.
func (c *MailCollector) BindDevices(devices []device.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append([]device.Device(nil), devices...)
	c.log.Info("devices bound", "devices", len(devices))
}

// Start starts every session. Sessions keep running until Stop is called
// or ctx is cancelled. With no sessions it does nothing.
func (c *MailCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	sessions := c.sessions
	c.mu.Unlock()

	var g errgroup.Group
	for _, ts := range sessions {
		g.Go(func() error {
			if err := ts.session.Start(ctx); err != nil {
				return fmt.Errorf("start session %s/%s: %w", ts.tenant, ts.mailbox.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start collector %s: %w", c.name, err)
	}
	c.log.Info("collector started", "sessions", len(sessions))
	return nil
}

// Stop stops every session and waits for them to exit.
func (c *MailCollector) Stop(ctx context.Context) error {
	c.mu.RLock()
	sessions := c.sessions
	c.mu.RUnlock()

	var g errgroup.Group
	for _, ts := range sessions {
		g.Go(func() error {
			if err := ts.session.Stop(ctx); err != nil {
				return fmt.Errorf("stop session %s/%s: %w", ts.tenant, ts.mailbox.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stop collector %s: %w", c.name, err)
	}
	c.log.Info("collector stopped", "sessions", len(sessions))
	return nil
}

// Restart stops every session, waits for them to exit and starts them
// again under the context of the previous Start.
func (c *MailCollector) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	runCtx := c.runCtx
	c.mu.RUnlock()
	if runCtx == nil || runCtx.Err() != nil {
		runCtx = ctx
	}
	return c.Start(runCtx)
}

// Sessions returns a snapshot of every session's state.
func (c *MailCollector) Sessions() []SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SessionInfo, 0, len(c.sessions))
	for _, ts := range c.sessions {
		out = append(out, SessionInfo{
			Collector:        c.name,
			Tenant:           ts.tenant,
			Mailbox:          ts.mailbox.Name,
			Status:           ts.session.Status().String(),
			RetriesRemaining: ts.session.RetriesRemaining(),
		})
	}
	return out
}
