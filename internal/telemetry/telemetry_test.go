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

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wedo/devicehandler/internal/activation"
	"github.com/wedo/devicehandler/internal/models"
)

const (
	leakModel = "urn:com:oracle:iot:device:waterleak"
	leakAlert = "urn:com:oracle:iot:device:waterleak:alert"
)

// fakePlatformServer serves activation, device model and message endpoints
// and records what it receives.
type fakePlatformServer struct {
	mu          sync.Mutex
	activations int
	messages    []models.AlertMessage
}

func (f *fakePlatformServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+activationPath, func(w http.ResponseWriter, r *http.Request) {
		var req activationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HardwareID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.activations++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(activationResponse{EndpointID: "0-" + req.HardwareID, State: "ACTIVATED"})
	})
	mux.HandleFunc("GET "+deviceModelPath+"{urn}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("urn") != leakModel {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"urn":"` + leakModel + `","name":"Water leak","formats":[` +
			`{"urn":"` + leakAlert + `","name":"Leak","type":"ALERT","value":{"fields":[{"name":"timestamp"},{"name":"subject"}]}},` +
			`{"urn":"urn:data","name":"Data","type":"DATA","value":{"fields":[]}}]}`))
	})
	mux.HandleFunc("POST "+messagesPath, func(w http.ResponseWriter, r *http.Request) {
		var batch []models.AlertMessage
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.messages = append(f.messages, batch...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func newPlatform(t *testing.T) (*HTTPPlatform, *fakePlatformServer, activation.Store) {
	t.Helper()
	fake := &fakePlatformServer{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	store := activation.NewMemoryStore()
	client := NewHTTPClient(context.Background(), HTTPConfig{HTTPClient: srv.Client()})
	tx := NewHTTPTransmitter(srv.URL, client)
	return NewHTTPPlatform(srv.URL, client, store, tx), fake, store
}

func TestActivate_BindsModelsAndPersists(t *testing.T) {
	p, fake, store := newPlatform(t)
	ctx := context.Background()

	b, err := Activate(ctx, p, "waterleak", StoreIdentity{Path: "device.conf", Password: "pw"}, []string{leakModel})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if b.EndpointID != "0-waterleak" {
		t.Errorf("endpoint = %q", b.EndpointID)
	}
	vd, ok := b.Primary()
	if !ok {
		t.Fatal("binding has no primary virtual device")
	}
	if _, ok := vd.Model().Format(leakAlert); !ok {
		t.Error("alert format missing from model")
	}
	if _, ok := vd.Model().Format("urn:data"); ok {
		t.Error("non-alert formats should be dropped")
	}

	rec, _ := store.Get(ctx, "waterleak")
	if rec == nil || rec.EndpointID != "0-waterleak" {
		t.Errorf("activation not persisted: %+v", rec)
	}

	// A second activation reuses the stored endpoint.
	if _, err := Activate(ctx, p, "waterleak", StoreIdentity{}, []string{leakModel}); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.activations != 1 {
		t.Errorf("activations = %d, want 1", fake.activations)
	}
}

func TestActivate_Errors(t *testing.T) {
	p, _, _ := newPlatform(t)
	ctx := context.Background()

	if _, err := Activate(ctx, p, "x", StoreIdentity{}, nil); !errors.Is(err, ErrNoModels) {
		t.Errorf("expected ErrNoModels, got %v", err)
	}
	if _, err := Activate(ctx, p, "x", StoreIdentity{}, []string{"urn:missing"}); err == nil {
		t.Error("expected error for unknown device model")
	}
}

func TestVirtualDevice_RaiseTransmits(t *testing.T) {
	p, fake, _ := newPlatform(t)
	ctx := context.Background()

	b, err := Activate(ctx, p, "waterleak", StoreIdentity{}, []string{leakModel})
	if err != nil {
		t.Fatal(err)
	}
	vd, _ := b.Device(leakModel)

	if _, err := vd.CreateAlert("urn:nope"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}

	alert, err := vd.CreateAlert(leakAlert)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := alert.Fields["timestamp"]; !ok {
		t.Error("alert should carry a timestamp")
	}
	alert.Fields["subject"] = "Water leak"

	if err := vd.Raise(ctx, alert); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if !alert.Raised {
		t.Error("alert should be marked raised")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(fake.messages))
	}
	got := fake.messages[0]
	if got.Source != "0-waterleak" || got.Format != leakAlert || got.Type != "ALERT" || got.ClientID == "" {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.Data["subject"] != "Water leak" {
		t.Errorf("data = %v", got.Data)
	}
}

type failingTransmitter struct{}

func (failingTransmitter) Transmit(context.Context, models.AlertMessage) error {
	return errors.New("broker down")
}

func TestVirtualDevice_RaiseFailureLeavesAlertUnraised(t *testing.T) {
	model := &Model{URN: leakModel, Formats: map[string]AlertFormat{leakAlert: {URN: leakAlert}}}
	vd := NewVirtualDevice("0-x", model, failingTransmitter{})

	alert, err := vd.CreateAlert(leakAlert)
	if err != nil {
		t.Fatal(err)
	}
	if err := vd.Raise(context.Background(), alert); err == nil {
		t.Fatal("expected transmit error")
	}
	if alert.Raised {
		t.Error("alert must not be marked raised on failure")
	}
}

// countingTransmitter counts Transmit calls.
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

func TestVirtualDevice_RaiseAfterCancelSendsNothing(t *testing.T) {
	model := &Model{URN: leakModel, Formats: map[string]AlertFormat{leakAlert: {URN: leakAlert}}}
	tx := &countingTransmitter{}
	vd := NewVirtualDevice("0-x", model, tx)

	alert, err := vd.CreateAlert(leakAlert)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := vd.Raise(ctx, alert); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if alert.Raised || tx.n != 0 {
		t.Errorf("raised = %v, transmits = %d; want nothing sent", alert.Raised, tx.n)
	}
}

func TestMQTTTransmitter_Topic(t *testing.T) {
	tx := NewMQTTTransmitter(nil, "wedo/", 1)
	if got := tx.Topic("0-abc"); got != "wedo/0-abc/alerts" {
		t.Errorf("topic = %q", got)
	}
	if got := NewMQTTTransmitter(nil, "", 0).Topic("e"); got != "devicehandler/e/alerts" {
		t.Errorf("default topic = %q", got)
	}
}

func TestHardwareID(t *testing.T) {
	dir := t.TempDir()
	withID := filepath.Join(dir, "with-id.conf")
	empty := filepath.Join(dir, "empty.conf")
	if err := os.WriteFile(withID, []byte("  WL-MADRID-01 \nencrypted-assets\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"first line", withID, "WL-MADRID-01"},
		{"empty file", empty, "waterleak"},
		{"missing file", filepath.Join(dir, "nope.conf"), "waterleak"},
		{"no path", "", "waterleak"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hardwareID("waterleak", tt.path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("hardwareID = %q, want %q", got, tt.want)
			}
		})
	}
}
