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

// Package app wires the device handler together: it discovers the plugin
// units, brings every device online on the telemetry platform, binds the
// devices to the collectors and runs the collectors until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wedo/devicehandler/internal/activation"
	"github.com/wedo/devicehandler/internal/collector"
	"github.com/wedo/devicehandler/internal/config"
	"github.com/wedo/devicehandler/internal/dedup"
	"github.com/wedo/devicehandler/internal/device"
	"github.com/wedo/devicehandler/internal/metrics"
	"github.com/wedo/devicehandler/internal/queue"
	"github.com/wedo/devicehandler/internal/registry"
	"github.com/wedo/devicehandler/internal/router"
	"github.com/wedo/devicehandler/internal/server"
	"github.com/wedo/devicehandler/internal/telemetry"
)

// ShutdownTimeout bounds how long collectors get to stop.
const ShutdownTimeout = 30 * time.Second

var (
	// ErrNoDevices means no device survived discovery and activation.
	ErrNoDevices = errors.New("no devices available")
	// ErrNoCollectors means no collector survived discovery and init.
	ErrNoCollectors = errors.New("no collectors available")
)

func logger() *slog.Logger { return slog.Default().With("module", "MAIN") }

// Infra is the external plumbing Run needs.
type Infra struct {
	Platform telemetry.Platform
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// Dedup is optional.
	Dedup collector.Deduper
}

// Run connects the infrastructure named by cfg and runs the handler until
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient := telemetry.NewHTTPClient(ctx, telemetry.HTTPConfig{
		BaseURL:      cfg.Telemetry.BaseURL,
		TokenURL:     cfg.Telemetry.TokenURL,
		ClientID:     cfg.Telemetry.ClientID,
		ClientSecret: cfg.Telemetry.ClientSecret,
		Scopes:       cfg.Telemetry.Scopes,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	})

	tx, closeTx, err := openTransmitter(ctx, cfg, httpClient)
	if err != nil {
		return err
	}
	defer closeTx()

	infra := Infra{
		Platform: telemetry.NewHTTPPlatform(cfg.Telemetry.BaseURL, httpClient, store, tx),
		Metrics:  m,
		Gatherer: reg,
	}
	if cfg.DedupEnabled {
		filter, err := openDedup(ctx, cfg)
		if err != nil {
			return err
		}
		defer filter.Close()
		infra.Dedup = filter
	}

	return RunWith(ctx, cfg, infra)
}

// RunWith is Run on already-built infrastructure.
func RunWith(ctx context.Context, cfg *config.Config, infra Infra) error {
	log := logger()
	rt := router.New(router.WithTimeout(cfg.DeviceTimeout), router.WithMetrics(infra.Metrics))
	collectorReg, deviceReg := Registries(Deps{Dispatcher: rt, Dedup: infra.Dedup, Metrics: infra.Metrics})

	collectorEntries, err := collectorReg.Discover(cfg.CollectorsDir)
	if err != nil {
		return fmt.Errorf("register collectors: %w", err)
	}
	deviceEntries, err := deviceReg.Discover(cfg.DevicesDir)
	if err != nil {
		return fmt.Errorf("register devices: %w", err)
	}

	devices := bringOnline(ctx, infra.Platform, deviceEntries)
	if len(devices) == 0 {
		return ErrNoDevices
	}

	running := initCollectors(ctx, collectorEntries, devices)
	if len(running) == 0 {
		return ErrNoCollectors
	}

	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name())
	}
	var sources []server.SessionSource
	for _, c := range running {
		if src, ok := c.(server.SessionSource); ok {
			sources = append(sources, src)
		}
	}
	ready, err := server.Serve(ctx, cfg.Port, server.NewHandler(infra.Gatherer, names, sources...))
	if err != nil {
		return err
	}
	<-ready

	for _, c := range running {
		if err := c.Start(ctx); err != nil {
			log.Error("failed to start collector", "collector", c.Name(), "error", err)
		}
	}
	log.Info("device handler running", "collectors", len(running), "devices", len(devices))

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	var g errgroup.Group
	for _, c := range running {
		g.Go(func() error { return c.Stop(stopCtx) })
	}
	if err := g.Wait(); err != nil {
		log.Error("collector shutdown incomplete", "error", err)
	}
	log.Info("device handler stopped")
	return nil
}

// bringOnline initializes each device, activates it on the platform and
// binds its telemetry identity. A device that fails any step is dropped.
func bringOnline(ctx context.Context, p telemetry.Platform, entries []registry.Entry) []device.Device {
	log := logger()
	var out []device.Device
	for _, e := range entries {
		d, ok := e.Component.(device.Device)
		if !ok {
			log.Error("unit is not a device, skipping", "device", e.Name)
			continue
		}
		if err := d.Init(ctx); err != nil {
			log.Error("failed to initialize device, skipping", "device", e.Name, "error", err)
			continue
		}
		b, err := telemetry.Activate(ctx, p, d.Name(), d.StoreIdentity(), d.Config().URNs)
		if err != nil {
			log.Error("failed to activate device, skipping", "device", e.Name, "error", err)
			continue
		}
		d.BindTelemetry(b)
		out = append(out, d)
	}
	return out
}

// initCollectors initializes each collector and binds the devices to it.
// A collector that fails Init is dropped.
func initCollectors(ctx context.Context, entries []registry.Entry, devices []device.Device) []collector.Collector {
	log := logger()
	var out []collector.Collector
	for _, e := range entries {
		c, ok := e.Component.(collector.Collector)
		if !ok {
			log.Error("unit is not a collector, skipping", "collector", e.Name)
			continue
		}
		if err := c.Init(ctx); err != nil {
			log.Error("failed to initialize collector, skipping", "collector", e.Name, "error", err)
			continue
		}
		c.BindDevices(devices)
		out = append(out, c)
	}
	return out
}

// Report is the result of a discovery dry-run.
type Report struct {
	Collectors []registry.Entry
	Devices    []registry.Entry
}

// Check discovers the plugin units without touching the network.
func Check(cfg *config.Config) (Report, error) {
	collectorReg, deviceReg := Registries(Deps{Dispatcher: router.New()})

	var rep Report
	var err error
	if rep.Collectors, err = collectorReg.Discover(cfg.CollectorsDir); err != nil {
		return rep, fmt.Errorf("register collectors: %w", err)
	}
	if rep.Devices, err = deviceReg.Discover(cfg.DevicesDir); err != nil {
		return rep, fmt.Errorf("register devices: %w", err)
	}
	return rep, nil
}

func openStore(ctx context.Context, cfg *config.Config) (activation.Store, func(), error) {
	log := logger()
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, activation state kept in memory")
		return activation.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	store, err := activation.NewPGStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("initialise activation store: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return store, pool.Close, nil
}

func openDedup(ctx context.Context, cfg *config.Config) (*dedup.Filter, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	filter := dedup.NewFilter(redis.NewClient(opt), cfg.DedupTTL)
	if err := filter.Ping(ctx); err != nil {
		_ = filter.Close()
		return nil, fmt.Errorf("connect to Redis for dedup: %w", err)
	}
	logger().Info("mail dedup enabled", "ttl", cfg.DedupTTL)
	return filter, nil
}

func openTransmitter(ctx context.Context, cfg *config.Config, httpClient *http.Client) (telemetry.Transmitter, func(), error) {
	log := logger()
	switch cfg.Telemetry.Transmitter {
	case config.TransmitterMQTT:
		mc := cfg.Telemetry.MQTT
		client := telemetry.BuildMQTTClient(telemetry.MQTTConfig{
			BrokerURL: mc.Broker,
			ClientID:  mc.ClientID,
			Username:  mc.Username,
			Password:  mc.Password,
		})
		if err := telemetry.ConnectWithBackoff(ctx, client, time.Second, 30*time.Second); err != nil {
			return nil, nil, fmt.Errorf("connect to MQTT broker: %w", err)
		}
		tx := telemetry.NewMQTTTransmitter(client, mc.TopicPrefix, mc.QoS)
		return tx, tx.Close, nil

	case config.TransmitterRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		pub := queue.NewPublisher(redis.NewClient(opt), cfg.Telemetry.RedisQueue)
		if err := pub.Ping(ctx); err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("connect to Redis: %w", err)
		}
		log.Info("connected to Redis")
		return pub, func() { _ = pub.Close() }, nil

	default:
		return telemetry.NewHTTPTransmitter(cfg.Telemetry.BaseURL, httpClient), func() {}, nil
	}
}
