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

// Package router fans a normalized event out to the devices that declare
// interest in it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wedo/devicehandler/internal/device"
	"github.com/wedo/devicehandler/internal/metrics"
	"github.com/wedo/devicehandler/internal/models"
)

// DefaultDeviceTimeout bounds each Interested and Deliver call. A call that
// runs past it is counted as failed and abandoned, not stopped: its ctx is
// cancelled, so a later VirtualDevice.Raise sends nothing, but a device that
// ignores ctx can still complete work after the router has moved on.
const DefaultDeviceTimeout = 10 * time.Second

// Result summarises one routing pass.
type Result struct {
	Interested int
	Delivered  int
	Failed     int
}

// Router delivers events to interested devices. It is safe for concurrent
// use; each Route call is independent.
type Router struct {
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithTimeout sets the per-device call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics records routing metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{
		timeout: DefaultDeviceTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route asks every device, in order, whether it is interested in ev and
// delivers ev to each one that is. Deliver is called exactly once per
// positive answer. A device that panics, hangs past the timeout or returns
// an error is logged and counted as failed; the remaining devices are still
// visited.
func (r *Router) Route(ctx context.Context, ev models.Event, devices []device.Device) Result {
	var res Result
	r.metrics.IncRouted(ev.SourceTag)

	for _, d := range devices {
		if ctx.Err() != nil {
			r.log.Warn("routing cancelled", "event", ev.ID, "error", ctx.Err())
			return res
		}

		interested, err := r.interested(ctx, d, ev)
		if err != nil {
			r.log.Error("interest check failed", "device", d.Name(), "event", ev.ID, "error", err)
			continue
		}
		if !interested {
			continue
		}
		res.Interested++
		r.metrics.IncInterest(d.Name())
		r.log.Debug("device interested in event", "device", d.Name(), "event", ev.ID, "tenant", ev.TenantID)

		start := time.Now()
		if err := r.deliver(ctx, d, ev); err != nil {
			res.Failed++
			r.metrics.ObserveDelivery(d.Name(), "error", time.Since(start).Seconds())
			r.log.Error("delivery failed", "device", d.Name(), "event", ev.ID, "tenant", ev.TenantID, "error", err)
			continue
		}
		res.Delivered++
		r.metrics.ObserveDelivery(d.Name(), "ok", time.Since(start).Seconds())
	}
	return res
}

func (r *Router) interested(ctx context.Context, d device.Device, ev models.Event) (bool, error) {
	var ok bool
	err := r.guard(ctx, d.Name(), "interest", func(context.Context) error {
		ok = d.Interested(ev)
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Router) deliver(ctx context.Context, d device.Device, ev models.Event) error {
	return r.guard(ctx, d.Name(), "deliver", func(ctx context.Context) error {
		return d.Deliver(ctx, ev)
	})
}

// guard runs fn in its own goroutine under the per-device timeout and turns
// a panic into an error. A call that outlives the timeout is abandoned with
// its ctx cancelled.
func (r *Router) guard(ctx context.Context, name, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%s %s: panic: %v", op, name, p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", op, name, ctx.Err())
	}
}
