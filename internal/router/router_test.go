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

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wedo/devicehandler/internal/device"
	"github.com/wedo/devicehandler/internal/models"
	"github.com/wedo/devicehandler/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockDevice struct {
	name       string
	interested bool
	deliverErr error
	panicOn    string // "interest" or "deliver"
	block      bool

	mu        sync.Mutex
	asked     int
	delivered []string
	order     *[]string
	orderMu   *sync.Mutex
}

func (m *mockDevice) Name() string { return m.name }
func (m *mockDevice) Init(context.Context) error { return nil }
func (m *mockDevice) StoreIdentity() telemetry.StoreIdentity { return telemetry.StoreIdentity{} }
func (m *mockDevice) Config() device.Config { return device.Config{} }
func (m *mockDevice) BindTelemetry(*telemetry.Binding) {}
func (m *mockDevice) Telemetry() *telemetry.Binding { return nil }

func (m *mockDevice) Interested(models.Event) bool {
	m.mu.Lock()
	m.asked++
	m.mu.Unlock()
	if m.order != nil {
		m.orderMu.Lock()
		*m.order = append(*m.order, m.name)
		m.orderMu.Unlock()
	}
	if m.panicOn == "interest" {
		panic("interest exploded")
	}
	return m.interested
}

func (m *mockDevice) Deliver(ctx context.Context, ev models.Event) error {
	if m.panicOn == "deliver" {
		panic("deliver exploded")
	}
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	m.delivered = append(m.delivered, ev.ID)
	m.mu.Unlock()
	return m.deliverErr
}

func (m *mockDevice) deliveries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delivered)
}

var _ device.Device = (*mockDevice)(nil)

func event() models.Event {
	return models.Event{ID: "ev-1", SourceTag: "mail", TenantID: "madrid", Subject: "Water leak"}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestRoute_CountLaw verifies Deliver is called once per positive interest
// answer and never otherwise.
func TestRoute_CountLaw(t *testing.T) {
	tests := []struct {
		name  string
		flags []bool
	}{
		{"none", []bool{false, false, false}},
		{"one", []bool{false, true, false}},
		{"all", []bool{true, true, true}},
		{"no devices", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var devices []device.Device
			var mocks []*mockDevice
			want := 0
			for i, f := range tt.flags {
				m := &mockDevice{name: string(rune('a' + i)), interested: f}
				mocks = append(mocks, m)
				devices = append(devices, m)
				if f {
					want++
				}
			}

			res := New().Route(context.Background(), event(), devices)

			if res.Interested != want || res.Delivered != want || res.Failed != 0 {
				t.Errorf("result = %+v, want %d interested and delivered", res, want)
			}
			for i, m := range mocks {
				wantCalls := 0
				if tt.flags[i] {
					wantCalls = 1
				}
				if m.deliveries() != wantCalls {
					t.Errorf("device %s delivered %d times, want %d", m.name, m.deliveries(), wantCalls)
				}
				if m.asked != 1 {
					t.Errorf("device %s asked %d times, want 1", m.name, m.asked)
				}
			}
		})
	}
}

func TestRoute_RegistrationOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	var devices []device.Device
	for _, n := range []string{"waterleak", "motion", "waterleak-3p"} {
		devices = append(devices, &mockDevice{name: n, order: &order, orderMu: &mu})
	}

	New().Route(context.Background(), event(), devices)

	want := []string{"waterleak", "motion", "waterleak-3p"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

// TestRoute_IsolatesFailures verifies a failing, panicking or hung device
// does not stop delivery to the devices after it.
func TestRoute_IsolatesFailures(t *testing.T) {
	failing := &mockDevice{name: "failing", interested: true, deliverErr: errors.New("platform down")}
	panicky := &mockDevice{name: "panicky", interested: true, panicOn: "deliver"}
	nosy := &mockDevice{name: "nosy", panicOn: "interest"}
	hung := &mockDevice{name: "hung", interested: true, block: true}
	healthy := &mockDevice{name: "healthy", interested: true}

	r := New(WithTimeout(50 * time.Millisecond))
	res := r.Route(context.Background(), event(), []device.Device{failing, panicky, nosy, hung, healthy})

	if res.Interested != 4 {
		t.Errorf("interested = %d, want 4", res.Interested)
	}
	if res.Failed != 3 || res.Delivered != 1 {
		t.Errorf("result = %+v, want 3 failed and 1 delivered", res)
	}
	if healthy.deliveries() != 1 {
		t.Error("healthy device should still receive the event")
	}
}

// slowDevice ignores ctx while it works, then raises an alert.
type slowDevice struct {
	mockDevice
	work time.Duration
	vd   *telemetry.VirtualDevice
	done chan error
}

func (s *slowDevice) Deliver(ctx context.Context, _ models.Event) error {
	time.Sleep(s.work)
	err := s.vd.Raise(ctx, &models.Alert{URN: "urn:leak:alert", Fields: map[string]any{}})
	s.done <- err
	return err
}

type countingTransmitter struct {
	mu sync.Mutex
	n  int
}

func (c *countingTransmitter) Transmit(context.Context, models.AlertMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingTransmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// TestRoute_TimedOutDeliveryRaisesNothing verifies a delivery abandoned at
// the timeout cannot raise its alert afterwards.
func TestRoute_TimedOutDeliveryRaisesNothing(t *testing.T) {
	tx := &countingTransmitter{}
	slow := &slowDevice{
		mockDevice: mockDevice{name: "slow", interested: true},
		work:       60 * time.Millisecond,
		vd:         telemetry.NewVirtualDevice("0-slow", &telemetry.Model{URN: "urn:leak"}, tx),
		done:       make(chan error, 1),
	}

	res := New(WithTimeout(20*time.Millisecond)).Route(context.Background(), event(), []device.Device{slow})
	if res.Failed != 1 || res.Delivered != 0 {
		t.Fatalf("result = %+v, want 1 failed", res)
	}

	select {
	case err := <-slow.done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("late raise error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned delivery never finished")
	}
	if n := tx.count(); n != 0 {
		t.Errorf("transmits = %d, want 0", n)
	}
}

func TestRoute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &mockDevice{name: "a", interested: true}
	res := New().Route(ctx, event(), []device.Device{m})
	if res.Interested != 0 || m.asked != 0 {
		t.Errorf("cancelled routing should visit no device, got %+v", res)
	}
}
