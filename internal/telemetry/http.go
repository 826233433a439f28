// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wedo/devicehandler/internal/activation"
	"github.com/wedo/devicehandler/internal/models"
)

// REST paths of the telemetry platform.
const (
	activationPath  = "/iot/api/v2/activation/direct"
	deviceModelPath = "/iot/api/v2/deviceModels/"
	messagesPath    = "/iot/api/v2/messages"
)

// HTTPConfig configures the REST platform client.
type HTTPConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HTTPClient is the base client; OAuth2 is layered on top of it when
	// TokenURL is set.
	HTTPClient *http.Client
}

// NewHTTPClient returns an HTTP client authenticated with the OAuth2
// client-credentials grant when cfg.TokenURL is set, or the base client
// otherwise.
func NewHTTPClient(ctx context.Context, cfg HTTPConfig) *http.Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TokenURL == "" {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = base.Timeout
	return client
}

// HTTPPlatform is a Platform backed by the platform's REST API. Activation
// state is kept in an activation.Store.
type HTTPPlatform struct {
	baseURL string
	client  *http.Client
	store   activation.Store
	tx      Transmitter
}

// NewHTTPPlatform creates a REST platform client. Alerts raised through its
// virtual devices are sent with tx.
func NewHTTPPlatform(baseURL string, client *http.Client, store activation.Store, tx Transmitter) *HTTPPlatform {
	return &HTTPPlatform{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		store:   store,
		tx:      tx,
	}
}

// Endpoint loads the activation state of the named device.
func (p *HTTPPlatform) Endpoint(ctx context.Context, name string, store StoreIdentity) (Endpoint, error) {
	rec, err := p.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load activation for %s: %w", name, err)
	}
	hwid, err := hardwareID(name, store.Path)
	if err != nil {
		return nil, err
	}
	return &httpEndpoint{p: p, name: name, hardwareID: hwid, identity: store, record: rec}, nil
}

// hardwareID reads the hardware ID from the first line of the device's
// store file. A missing or empty file falls back to the device name.
func hardwareID(name, path string) (string, error) {
	if path == "" {
		return name, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return name, nil
	}
	if err != nil {
		return "", fmt.Errorf("read store file for %s: %w", name, err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	if line = strings.TrimSpace(line); line != "" {
		return line, nil
	}
	return name, nil
}

type httpEndpoint struct {
	p          *HTTPPlatform
	name       string
	hardwareID string
	identity   StoreIdentity
	record     *activation.Record
}

func (e *httpEndpoint) ID() string {
	if e.record == nil {
		return ""
	}
	return e.record.EndpointID
}

func (e *httpEndpoint) IsActivated() bool {
	return e.record != nil && e.record.EndpointID != ""
}

type activationRequest struct {
	HardwareID   string   `json:"hardwareId"`
	SharedSecret string   `json:"sharedSecret,omitempty"`
	DeviceModels []string `json:"deviceModels"`
}

type activationResponse struct {
	EndpointID string `json:"endpointId"`
	State      string `json:"state"`
}

// Activate registers the device against modelURNs and persists the
// returned endpoint ID. It is a no-op on an active endpoint.
func (e *httpEndpoint) Activate(ctx context.Context, modelURNs []string) error {
	if e.IsActivated() {
		return nil
	}

	var resp activationResponse
	err := e.p.doJSON(ctx, http.MethodPost, activationPath, activationRequest{
		HardwareID:   e.hardwareID,
		SharedSecret: e.identity.Password,
		DeviceModels: modelURNs,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.EndpointID == "" {
		return fmt.Errorf("activation of %s returned no endpoint id", e.name)
	}

	rec := activation.Record{Name: e.name, EndpointID: resp.EndpointID, ModelURNs: modelURNs}
	if err := e.p.store.Save(ctx, rec); err != nil {
		return err
	}
	e.record = &rec
	return nil
}

// deviceModelResponse mirrors the platform's device model document. Only
// ALERT formats are kept.
type deviceModelResponse struct {
	URN     string `json:"urn"`
	Name    string `json:"name"`
	Formats []struct {
		URN   string `json:"urn"`
		Name  string `json:"name"`
		Type  string `json:"type"`
		Value struct {
			Fields []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"value"`
	} `json:"formats"`
}

func (e *httpEndpoint) DeviceModel(ctx context.Context, urn string) (*Model, error) {
	var resp deviceModelResponse
	if err := e.p.doJSON(ctx, http.MethodGet, deviceModelPath+url.PathEscape(urn), nil, &resp); err != nil {
		return nil, err
	}

	m := &Model{URN: resp.URN, Name: resp.Name, Formats: make(map[string]AlertFormat)}
	if m.URN == "" {
		m.URN = urn
	}
	for _, f := range resp.Formats {
		if !strings.EqualFold(f.Type, "ALERT") {
			continue
		}
		af := AlertFormat{URN: f.URN, Name: f.Name}
		for _, fld := range f.Value.Fields {
			af.Fields = append(af.Fields, fld.Name)
		}
		m.Formats[f.URN] = af
	}
	return m, nil
}

func (e *httpEndpoint) VirtualDevice(model *Model) *VirtualDevice {
	return NewVirtualDevice(e.ID(), model, e.p.tx)
}

func (p *HTTPPlatform) doJSON(ctx context.Context, method, path string, in, out any) error {
	return doJSON(ctx, p.client, p.baseURL, method, path, in, out)
}

// doJSON sends in as the JSON body (when non-nil) and decodes a 2xx
// response into out (when non-nil).
func doJSON(ctx context.Context, client *http.Client, baseURL, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// HTTPTransmitter posts alert messages to the platform's messages endpoint.
type HTTPTransmitter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransmitter creates a transmitter posting to baseURL.
func NewHTTPTransmitter(baseURL string, client *http.Client) *HTTPTransmitter {
	return &HTTPTransmitter{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Transmit sends msg as a one-element message batch.
func (t *HTTPTransmitter) Transmit(ctx context.Context, msg models.AlertMessage) error {
	if err := doJSON(ctx, t.client, t.baseURL, http.MethodPost, messagesPath, []models.AlertMessage{msg}, nil); err != nil {
		return fmt.Errorf("transmit alert: %w", err)
	}
	slog.Debug("alert transmitted", "module", "IOTCS", "source", msg.Source, "format", msg.Format)
	return nil
}
