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

// Package metrics defines the Prometheus metrics exported by the device
// handler. A nil *Metrics is valid and records nothing, so components can be
// built without a registry in tests.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devicehandler"

// Session status values used as the "status" label.
var sessionStatuses = []string{"disconnected", "connecting", "connected", "retrying", "aborted"}

// Metrics holds every collector, session, router and device metric.
type Metrics struct {
	SessionStatus     *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec
	EventsRouted      *prometheus.CounterVec
	InterestMatches   *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SessionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_status",
				Help:      "Listening session status (1 for the current status of each session)",
			},
			[]string{"collector", "tenant", "mailbox", "status"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_reconnect_attempts_total",
				Help:      "Reconnect attempts issued by listening sessions",
			},
			[]string{"collector", "tenant", "mailbox"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Messages received from mailbox transports",
			},
			[]string{"collector", "tenant"},
		),
		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_errors_total",
				Help:      "Non-connection errors reported by mailbox transports",
			},
			[]string{"collector", "tenant"},
		),
		EventsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_routed_total",
				Help:      "Events passed through the interest router",
			},
			[]string{"source"},
		),
		InterestMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interest_matches_total",
				Help:      "Events a device declared interest in",
			},
			[]string{"device"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Device deliveries by result",
			},
			[]string{"device", "result"},
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_raised_total",
				Help:      "Alerts raised on the telemetry platform by result",
			},
			[]string{"device", "result"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent in a device delivery",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"device"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.SessionStatus, m.ReconnectAttempts, m.MessagesReceived, m.TransportErrors,
		m.EventsRouted, m.InterestMatches, m.Deliveries, m.AlertsRaised, m.DeliveryDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// SetSessionStatus marks status as the current status of a session.
func (m *Metrics) SetSessionStatus(collector, tenant, mailbox, status string) {
	if m == nil {
		return
	}
	for _, s := range sessionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.SessionStatus.WithLabelValues(collector, tenant, mailbox, s).Set(v)
	}
}

// IncReconnect counts one reconnect attempt.
func (m *Metrics) IncReconnect(collector, tenant, mailbox string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(collector, tenant, mailbox).Inc()
}

// IncMessage counts one received message.
func (m *Metrics) IncMessage(collector, tenant string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(collector, tenant).Inc()
}

// IncTransportError counts one non-connection transport error.
func (m *Metrics) IncTransportError(collector, tenant string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(collector, tenant).Inc()
}

// IncRouted counts one routed event.
func (m *Metrics) IncRouted(source string) {
	if m == nil {
		return
	}
	m.EventsRouted.WithLabelValues(source).Inc()
}

// IncInterest counts one positive interest declaration.
func (m *Metrics) IncInterest(device string) {
	if m == nil {
		return
	}
	m.InterestMatches.WithLabelValues(device).Inc()
}

// ObserveDelivery records the outcome and duration of one delivery.
func (m *Metrics) ObserveDelivery(device, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(device, result).Inc()
	m.DeliveryDuration.WithLabelValues(device).Observe(seconds)
}

// IncAlert counts one raise attempt.
func (m *Metrics) IncAlert(device, result string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(device, result).Inc()
}
