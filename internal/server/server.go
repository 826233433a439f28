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

// Package server exposes the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wedo/devicehandler/internal/collector"
)

// SessionSource reports the listening sessions of a collector.
type SessionSource interface {
	Sessions() []collector.SessionInfo
}

// Health is the /health response body.
type Health struct {
	Status   string                  `json:"status"`
	Devices  []string                `json:"devices"`
	Sessions []collector.SessionInfo `json:"sessions"`
}

// Handler serves /health and /metrics.
type Handler struct {
	sources  []SessionSource
	devices  []string
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// NewHandler creates the handler. devices lists the bound device names.
func NewHandler(gatherer prometheus.Gatherer, devices []string, sources ...SessionSource) *Handler {
	h := &Handler{
		sources:  sources,
		devices:  devices,
		gatherer: gatherer,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.ServeHealth)
	if gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// ServeHealth reports "ok" while no session has given up, "degraded"
// otherwise. It always answers 200 so one dead mailbox does not get the
// process restarted.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	health := Health{Status: "ok", Devices: h.devices, Sessions: []collector.SessionInfo{}}
	for _, src := range h.sources {
		for _, s := range src.Sessions() {
			if s.Status == "aborted" {
				health.Status = "degraded"
			}
			health.Sessions = append(health.Sessions, s)
		}
	}
	if health.Devices == nil {
		health.Devices = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// Serve starts the HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// starting to accept connections. The server shuts down when ctx ends.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind health port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("health server shutting down", "module", "MAIN")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("health server listening", "module", "MAIN", "addr", ln.Addr().String())
		close(ready)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "module", "MAIN", "error", err)
		}
	}()

	return ready, nil
}
