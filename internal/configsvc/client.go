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

// Package configsvc is the client for the remote configuration service that
// lists tenants and holds each tenant's mailbox setup.
package configsvc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wedo/devicehandler/internal/models"
)

// Default service paths. {tenant} is replaced with the escaped tenant ID.
const (
	DefaultTenantsPath = "/ords/pdb1/wedodomo/domo/getDemozone"
	DefaultSetupPath   = "/ords/pdb1/wedodomo/domo/getParameter/{tenant}/mail"
)

var (
	// ErrNoTenants means the service returned no tenants at all.
	ErrNoTenants = errors.New("no tenants found")
	// ErrNoSetup means the tenant has no mailbox setup (HTTP 404).
	ErrNoSetup = errors.New("no mailbox setup for tenant")
	// ErrInvalidSetup means the setup record lacks its parameter payload.
	ErrInvalidSetup = errors.New("invalid mailbox setup")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("config service %s returned HTTP %d", e.URL, e.StatusCode)
}

// Tenant is one entry of the tenant list.
type Tenant struct {
	ID   string `json:"demozone"`
	Name string `json:"name,omitempty"`
}

// Client talks to the configuration service.
type Client struct {
	baseURL     string
	tenantsPath string
	setupPath   string
	httpClient  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPaths overrides the tenant list and setup paths. Empty values keep the
// defaults.
func WithPaths(tenants, setup string) Option {
	return func(c *Client) {
		if tenants != "" {
			c.tenantsPath = tenants
		}
		if setup != "" {
			c.setupPath = setup
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. The
// service is commonly deployed with self-signed certificates.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Timeout: c.httpClient.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // operator opt-in
			},
		}
	}
}

// NewClient creates a configuration service client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tenantsPath: DefaultTenantsPath,
		setupPath:   DefaultSetupPath,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type tenantsResponse struct {
	Items []Tenant `json:"items"`
}

// ListTenants returns every tenant known to the service.
func (c *Client) ListTenants(ctx context.Context) ([]Tenant, error) {
	body, status, err := c.get(ctx, c.tenantsPath)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list tenants: %w", &StatusError{URL: c.tenantsPath, StatusCode: status})
	}

	var resp tenantsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode tenants response: %w", err)
	}

	tenants := make([]Tenant, 0, len(resp.Items))
	for _, t := range resp.Items {
		if t.ID == "" {
			continue
		}
		tenants = append(tenants, t)
	}
	if len(tenants) == 0 {
		return nil, ErrNoTenants
	}
	return tenants, nil
}

type setupResponse struct {
	ParamDesc string `json:"paramdesc"`
}

// mailServer is one entry of the paramdesc array.
type mailServer struct {
	Name   string          `json:"name"`
	Config mailServerParam `json:"config"`
}

// mailServerParam mirrors the upper-case keys stored by the service.
// Timeouts are in milliseconds, RETRYDELAY in seconds. The retry keys are
// pointers so an explicit zero is kept apart from an absent key.
type mailServerParam struct {
	UserMail           string   `json:"USERMAIL"`
	Password           string   `json:"PASSWORD"`
	Host               string   `json:"HOSTLISTENER"`
	Port               flexInt  `json:"PORT"`
	TLS                flexBool `json:"TLS"`
	ConnTimeout        flexInt  `json:"CNXTIMEOUT"`
	AuthTimeout        flexInt  `json:"AUTHTIMEOUT"`
	Mailbox            string   `json:"MAILBOX"`
	RetryDelay         *flexInt `json:"RETRYDELAY"`
	MaxRetries         *flexInt `json:"MAXRETRIES"`
	UnreadOnly         *bool    `json:"UNREADONLY"`
	MarkSeen           *bool    `json:"MARKSEEN"`
	FetchUnreadOnStart bool     `json:"FETCHUNREADONSTART"`
}

// MailboxSetup returns the mailbox connections configured for tenantID.
// A 404 yields ErrNoSetup; a record without its parameter payload yields
// ErrInvalidSetup.
func (c *Client) MailboxSetup(ctx context.Context, tenantID string) ([]models.MailboxConfig, error) {
	path := strings.ReplaceAll(c.setupPath, "{tenant}", url.PathEscape(tenantID))

	body, status, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch setup for %s: %w", tenantID, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNoSetup)
	default:
		return nil, fmt.Errorf("fetch setup for %s: %w", tenantID, &StatusError{URL: path, StatusCode: status})
	}

	var resp setupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode setup for %s: %w", tenantID, err)
	}
	if strings.TrimSpace(resp.ParamDesc) == "" {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrInvalidSetup)
	}

	var servers []mailServer
	if err := json.Unmarshal([]byte(resp.ParamDesc), &servers); err != nil {
		return nil, fmt.Errorf("tenant %s: %w: %v", tenantID, ErrInvalidSetup, err)
	}

	configs := make([]models.MailboxConfig, 0, len(servers))
	for _, s := range servers {
		configs = append(configs, s.toConfig())
	}
	return configs, nil
}

func (s mailServer) toConfig() models.MailboxConfig {
	p := s.Config
	cfg := models.MailboxConfig{
		Name:               s.Name,
		Host:               p.Host,
		Port:               int(p.Port),
		Username:           strings.TrimSpace(p.UserMail),
		SecretRef:          p.Password,
		UseTLS:             bool(p.TLS),
		ConnectTimeout:     time.Duration(p.ConnTimeout) * time.Millisecond,
		AuthTimeout:        time.Duration(p.AuthTimeout) * time.Millisecond,
		Mailbox:            p.Mailbox,
		RetryBackoff:       models.DefaultRetryBackoff,
		MaxRetries:         models.DefaultMaxRetries,
		UnreadOnly:         true,
		MarkSeen:           true,
		FetchUnreadOnStart: p.FetchUnreadOnStart,
	}
	if p.RetryDelay != nil {
		cfg.RetryBackoff = max(time.Duration(*p.RetryDelay)*time.Second, 0)
	}
	if p.MaxRetries != nil {
		cfg.MaxRetries = max(int(*p.MaxRetries), 0)
	}
	if p.UnreadOnly != nil {
		cfg.UnreadOnly = *p.UnreadOnly
	}
	if p.MarkSeen != nil {
		cfg.MarkSeen = *p.MarkSeen
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Username
	}
	return cfg.WithDefaults()
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	slog.Debug("config service response", "path", path, "status", resp.StatusCode, "bytes", len(body))
	return body, resp.StatusCode, nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse integer %q: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts a JSON boolean or the strings "true"/"false".
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = false
		return nil
	}
	v, err := strconv.ParseBool(string(b))
	if err != nil {
		return fmt.Errorf("parse boolean %q: %w", b, err)
	}
	*f = flexBool(v)
	return nil
}
